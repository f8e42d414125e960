package rhizo

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/rhizodata/rhizo/catalog"
	"github.com/rhizodata/rhizo/rhizoerr"
	"github.com/rhizodata/rhizo/txn"
)

// Transaction is a handle on one in-flight cross-table transaction. It owns
// this Engine's txActive flag for as long as it is open: Commit and Abort
// both release it, and the caller must call one or the other exactly once.
type Transaction struct {
	engine *Engine
	tx     *txn.Transaction
}

// BeginTransaction captures a read snapshot (the current version of every
// table named in tables, resolved via branchName's head, falling back to
// catalog latest) and opens a transaction against it. Only one Transaction
// may be open per Engine at a time; a second call before the first commits
// or aborts fails with NestedTransactionError (spec.md section 4.5) — a
// restriction this Engine-level handle enforces, not txn.Manager, since
// the manager itself must allow two independent transactions to be
// concurrently Pending for its own conflict-detection tests.
func (e *Engine) BeginTransaction(branchName string, tables []string) (*Transaction, error) {
	if e.txns == nil {
		return nil, errTransactionsDisabled
	}
	if !e.txActive.CompareAndSwap(false, true) {
		return nil, rhizoerr.NestedTransaction()
	}

	branchName = resolveBranchName(branchName)
	snapshot := make(map[string]int64, len(tables))
	for _, t := range tables {
		validated, err := catalog.ValidateTableName(t)
		if err != nil {
			e.txActive.Store(false)
			return nil, err
		}
		version, err := e.Reader(branchName).ResolveVersion(validated, 0)
		if err != nil && !rhizoerr.Is(err, rhizoerr.KindTableNotFound) {
			e.txActive.Store(false)
			return nil, err
		}
		snapshot[validated] = version // 0 if the table doesn't exist yet
	}

	tx, err := e.txns.Begin(branchName, snapshot)
	if err != nil {
		e.txActive.Store(false)
		return nil, err
	}
	return &Transaction{engine: e, tx: tx}, nil
}

// Write stages a chunked write against table inside this transaction. The
// write is invisible to other readers until Commit succeeds.
func (t *Transaction) Write(tableName string, table arrow.Table, metadata string) error {
	w := &Writer{engine: t.engine, branch: t.tx.Branch}
	cw, err := w.WriteChunksOnly(tableName, table, metadata)
	if err != nil {
		return err
	}
	validated, err := catalog.ValidateTableName(tableName)
	if err != nil {
		return err
	}
	return t.engine.txns.AddWrite(t.tx.TxID, txn.WriteIntent{
		Table:       validated,
		NewVersion:  cw.NextVersion,
		ChunkHashes: cw.ChunkHashes,
		Metadata:    metadata,
	})
}

// Commit attempts to commit every staged write under the transaction
// manager's global commit lock, re-checking each table's read-snapshot
// version for conflicts. On success it invalidates the cache for every
// written table and releases this Engine's transaction slot regardless of
// outcome.
func (t *Transaction) Commit() (*txn.ChangelogEntry, error) {
	defer t.engine.txActive.Store(false)
	entry, err := t.engine.txns.Commit(t.tx.TxID)
	if err != nil {
		return nil, err
	}
	if t.engine.cache != nil {
		for _, change := range entry.Changes {
			t.engine.cache.InvalidateTable(change.Table)
		}
	}
	return entry, nil
}

// Abort marks the transaction Aborted and releases this Engine's
// transaction slot. Chunks already written to the store are orphaned, not
// collected (harmless, since the store is content-addressed).
func (t *Transaction) Abort(reason string) error {
	defer t.engine.txActive.Store(false)
	return t.engine.txns.Abort(t.tx.TxID, reason)
}
