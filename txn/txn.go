// Package txn implements cross-table ACID transactions under snapshot
// isolation (spec.md section 4.5): a write-ahead changelog, optimistic
// conflict detection against a read snapshot, and crash recovery.
package txn

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rhizodata/rhizo/branch"
	"github.com/rhizodata/rhizo/catalog"
	"github.com/rhizodata/rhizo/hash"
	"github.com/rhizodata/rhizo/internal/framing"
	"github.com/rhizodata/rhizo/rhizoerr"
	"go.uber.org/zap"
)

// State is a transaction's position in its lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateCommitted State = "committed"
	StateAborted   State = "aborted"
)

// WriteIntent is one table's queued write within a transaction. NewVersion
// is the writer's projection at enqueue time; Commit always substitutes the
// catalog's actual assigned version and never compares this value for
// conflicts. Recover uses it to recognise the dangling tail catalog version
// an unlogged transaction left behind.
type WriteIntent struct {
	Table       string      `json:"table"`
	NewVersion  int64       `json:"new_version"`
	ChunkHashes []hash.Hash `json:"chunk_hashes"`
	Metadata    string      `json:"metadata,omitempty"`
}

// TableChange is one table's before/after version, the unit a ChangelogEntry
// and a CDC subscriber both traffic in. It deliberately omits chunk hashes
// (spec.md section 9): full chunk lists are always recovered via the
// catalog, keyed by (table, version).
type TableChange struct {
	Table      string `json:"table"`
	OldVersion int64  `json:"old_version"`
	NewVersion int64  `json:"new_version"`
}

// ChangelogEntry is a durable record of one committed transaction.
type ChangelogEntry struct {
	TxID        int64         `json:"tx_id"`
	Branch      string        `json:"branch"`
	Changes     []TableChange `json:"changes"`
	CommittedAt int64         `json:"committed_at"`
}

// Transaction is the full record of one transaction's lifecycle, persisted
// transiently under transactions/pending/<tx_id> while Pending.
type Transaction struct {
	TxID         int64            `json:"tx_id"`
	Branch       string           `json:"branch"`
	State        State            `json:"state"`
	ReadSnapshot map[string]int64 `json:"read_snapshot"`
	Writes       []WriteIntent    `json:"writes"`
	StartedAt    int64            `json:"started_at"`
	Reason       string           `json:"reason,omitempty"`
}

// Manager is the transaction log and in-flight transaction table for one
// database. It owns the global commit lock spec.md section 4.5 requires.
type Manager struct {
	pendingDir string
	logPath    string

	cat      *catalog.Catalog
	branches *branch.Manager
	log      *zap.Logger

	commitMu sync.Mutex // global commit lock: serializes every Commit call

	mu       sync.Mutex
	nextTxID int64
	active   map[int64]*Transaction
	entries  []ChangelogEntry // append order == commit order
	byTxID   map[int64]*ChangelogEntry
}

// Open loads (or creates) a transaction manager rooted at dir (conventionally
// <database root>/transactions), replaying its durable log.
func Open(dir string, cat *catalog.Catalog, branches *branch.Manager, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pendingDir := filepath.Join(dir, "pending")
	if err := os.MkdirAll(pendingDir, 0o755); err != nil {
		return nil, rhizoerr.IO("mkdir", pendingDir, err)
	}
	logPath := filepath.Join(dir, "log")

	m := &Manager{
		pendingDir: pendingDir,
		logPath:    logPath,
		cat:        cat,
		branches:   branches,
		log:        log,
		active:     map[int64]*Transaction{},
		byTxID:     map[int64]*ChangelogEntry{},
	}

	if b, err := os.ReadFile(logPath); err == nil {
		if err := framing.DecodeAll(b, func(payload []byte, version uint8) error {
			var entry ChangelogEntry
			if err := json.Unmarshal(payload, &entry); err != nil {
				return err
			}
			m.entries = append(m.entries, entry)
			e := m.entries[len(m.entries)-1]
			m.byTxID[entry.TxID] = &e
			if entry.TxID > m.nextTxID {
				m.nextTxID = entry.TxID
			}
			return nil
		}); err != nil {
			return nil, rhizoerr.CorruptedLog(logPath, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, rhizoerr.IO("read", logPath, err)
	}

	pending, err := os.ReadDir(pendingDir)
	if err != nil {
		return nil, rhizoerr.IO("readdir", pendingDir, err)
	}
	for _, e := range pending {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(pendingDir, e.Name())
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, rhizoerr.IO("read", path, err)
		}
		var tx Transaction
		if err := framing.Decode(bytes.NewReader(b), &tx); err != nil {
			return nil, rhizoerr.CorruptedLog(path, err)
		}
		m.active[tx.TxID] = &tx
		if tx.TxID > m.nextTxID {
			m.nextTxID = tx.TxID
		}
	}

	return m, nil
}

// Begin allocates a monotonic tx_id, durably records a Pending transaction,
// and returns it. The caller supplies its own read snapshot (typically via
// rhizo's Reader.ResolveVersion against every table it intends to touch).
func (m *Manager) Begin(branchName string, readSnapshot map[string]int64) (*Transaction, error) {
	m.mu.Lock()
	m.nextTxID++
	txID := m.nextTxID
	m.mu.Unlock()

	snapshot := make(map[string]int64, len(readSnapshot))
	for k, v := range readSnapshot {
		snapshot[k] = v
	}
	tx := &Transaction{
		TxID:         txID,
		Branch:       branchName,
		State:        StatePending,
		ReadSnapshot: snapshot,
		StartedAt:    time.Now().Unix(),
	}

	if err := m.persistPending(tx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[txID] = tx
	m.mu.Unlock()

	m.log.Info("transaction begin", zap.Int64("tx_id", txID), zap.String("branch", branchName))
	return tx, nil
}

func (m *Manager) persistPending(tx *Transaction) error {
	frame, err := framing.Encode(tx)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(m.pendingDir, pendingFilename(tx.TxID)), frame)
}

func pendingFilename(txID int64) string {
	return formatTxID(txID)
}

// AddWrite appends an intended catalog commit to tx's write set. It never
// touches the catalog or branch state; that happens only at Commit.
func (m *Manager) AddWrite(txID int64, write WriteIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.active[txID]
	if !ok {
		return rhizoerr.New(rhizoerr.KindConflict, "txn: no active transaction %d", txID)
	}
	if tx.State != StatePending {
		return rhizoerr.New(rhizoerr.KindConflict, "txn: transaction %d is not pending", txID)
	}
	tx.Writes = append(tx.Writes, write)
	return m.persistPending(tx)
}

// Commit validates every write against the read snapshot, applies catalog
// commits and branch head updates, and appends a ChangelogEntry, all under
// the global commit lock. Durability order follows spec.md section 4.5
// exactly: catalog commits (each already fsynced by Catalog.Commit) before
// branch head updates (each fsynced by BranchManager.UpdateHead) before the
// changelog append (fsynced here last) - so the changelog is always the
// last thing written and therefore the authoritative tiebreaker on replay.
func (m *Manager) Commit(txID int64) (*ChangelogEntry, error) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	m.mu.Lock()
	tx, ok := m.active[txID]
	m.mu.Unlock()
	if !ok {
		return nil, rhizoerr.New(rhizoerr.KindConflict, "txn: no active transaction %d", txID)
	}
	if tx.State != StatePending {
		return nil, rhizoerr.New(rhizoerr.KindConflict, "txn: transaction %d is not pending", txID)
	}

	var conflicting []string
	for _, w := range tx.Writes {
		latest, err := m.cat.LatestVersion(w.Table)
		if err != nil {
			return nil, err
		}
		if latest != tx.ReadSnapshot[w.Table] {
			conflicting = append(conflicting, w.Table)
		}
	}
	if len(conflicting) > 0 {
		m.markAborted(tx, "conflict on tables: "+joinStrings(conflicting))
		return nil, rhizoerr.Conflict(conflicting)
	}

	changes := make([]TableChange, 0, len(tx.Writes))
	for _, w := range tx.Writes {
		oldVersion := tx.ReadSnapshot[w.Table]
		assigned, err := m.cat.Commit(catalog.TableVersion{
			TableName:   w.Table,
			ChunkHashes: w.ChunkHashes,
			Metadata:    w.Metadata,
		})
		if err != nil {
			return nil, err
		}
		if err := m.branches.UpdateHead(tx.Branch, w.Table, assigned); err != nil {
			return nil, err
		}
		changes = append(changes, TableChange{Table: w.Table, OldVersion: oldVersion, NewVersion: assigned})
	}

	entry := ChangelogEntry{TxID: tx.TxID, Branch: tx.Branch, Changes: changes, CommittedAt: time.Now().Unix()}
	if err := m.appendLog(entry); err != nil {
		return nil, err
	}

	tx.State = StateCommitted
	m.removePending(tx.TxID)

	m.mu.Lock()
	delete(m.active, tx.TxID)
	m.entries = append(m.entries, entry)
	e := m.entries[len(m.entries)-1]
	m.byTxID[tx.TxID] = &e
	m.mu.Unlock()

	m.log.Info("transaction commit", zap.Int64("tx_id", tx.TxID), zap.Int("tables", len(changes)))
	return &entry, nil
}

func (m *Manager) appendLog(entry ChangelogEntry) error {
	frame, err := framing.Encode(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(m.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return rhizoerr.IO("open", m.logPath, err)
	}
	defer f.Close()
	if _, err := f.Write(frame); err != nil {
		return rhizoerr.IO("write", m.logPath, err)
	}
	if err := f.Sync(); err != nil {
		return rhizoerr.IO("fsync", m.logPath, err)
	}
	return nil
}

func (m *Manager) removePending(txID int64) {
	path := filepath.Join(m.pendingDir, pendingFilename(txID))
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.log.Warn("failed to remove pending transaction record", zap.Int64("tx_id", txID), zap.Error(err))
	}
}

// Abort marks tx aborted. Chunks already written via PutBatch are orphaned,
// not collected here - harmless under content addressing.
func (m *Manager) Abort(txID int64, reason string) error {
	m.mu.Lock()
	tx, ok := m.active[txID]
	m.mu.Unlock()
	if !ok {
		return rhizoerr.New(rhizoerr.KindConflict, "txn: no active transaction %d", txID)
	}
	m.markAborted(tx, reason)
	return nil
}

func (m *Manager) markAborted(tx *Transaction, reason string) {
	tx.State = StateAborted
	tx.Reason = reason
	m.removePending(tx.TxID)
	m.mu.Lock()
	delete(m.active, tx.TxID)
	m.mu.Unlock()
	m.log.Info("transaction aborted", zap.Int64("tx_id", tx.TxID), zap.String("reason", reason))
}

// ChangelogFilter narrows GetChangelog's scan.
type ChangelogFilter struct {
	SinceTxID    int64
	SinceUnix    int64
	Tables       []string
	Branch       string
	Limit        int
}

// GetChangelog returns committed entries in tx_id (== commit) order, subject
// to f's filters.
func (m *Manager) GetChangelog(f ChangelogFilter) []ChangelogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	wantTables := map[string]struct{}{}
	for _, t := range f.Tables {
		wantTables[t] = struct{}{}
	}

	var out []ChangelogEntry
	for _, e := range m.entries {
		if e.TxID <= f.SinceTxID {
			continue
		}
		if f.SinceUnix > 0 && e.CommittedAt < f.SinceUnix {
			continue
		}
		if f.Branch != "" && e.Branch != f.Branch {
			continue
		}
		if len(wantTables) > 0 {
			match := false
			for _, c := range e.Changes {
				if _, ok := wantTables[c.Table]; ok {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// LatestTxID returns the highest committed tx_id, or 0 if none have
// committed yet.
func (m *Manager) LatestTxID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return 0
	}
	return m.entries[len(m.entries)-1].TxID
}

// Issue describes one inconsistency VerifyConsistency finds in the log.
type Issue struct {
	Kind    string
	Detail  string
}

// VerifyConsistency audits the changelog for duplicate and out-of-order
// tx_ids. Gaps between tx_ids are not reported.
func (m *Manager) VerifyConsistency() []Issue {
	m.mu.Lock()
	defer m.mu.Unlock()

	var issues []Issue
	seen := map[int64]bool{}
	var prev int64
	for _, e := range m.entries {
		if seen[e.TxID] {
			issues = append(issues, Issue{Kind: "duplicate", Detail: formatTxID(e.TxID)})
		}
		seen[e.TxID] = true
		if prev != 0 && e.TxID <= prev {
			issues = append(issues, Issue{Kind: "out_of_order", Detail: formatTxID(e.TxID)})
		}
		prev = e.TxID
	}
	return issues
}

// RecoverResult reports what Recover did.
type RecoverResult struct {
	Replayed         int
	RolledBack       int
	AlreadyCommitted int
	AlreadyAborted   int
	Warnings         []string
	Errors           []string
}

// Recover scans leftover pending records and the changelog, reconciling any
// partial transactional state left by a crash (spec.md section 4.5). The
// changelog is the sole tiebreaker: a pending record whose tx_id is not in
// the changelog is force-aborted and any dangling tail catalog version it
// produced is removed; a pending record whose tx_id IS in the changelog
// means the crash happened after the log append but before the pending
// file was cleaned up, so it is a no-op cleanup. It then walks every
// committed entry and re-applies any branch head update that is missing -
// the one piece of a commit's effects that can always be reconstructed
// from the changelog alone, without needing the chunk hashes it
// deliberately does not carry.
func (m *Manager) Recover() RecoverResult {
	var result RecoverResult

	m.mu.Lock()
	pending := make([]*Transaction, 0, len(m.active))
	for _, tx := range m.active {
		pending = append(pending, tx)
	}
	committed := make(map[int64]*ChangelogEntry, len(m.byTxID))
	for k, v := range m.byTxID {
		committed[k] = v
	}
	m.mu.Unlock()

	sort.Slice(pending, func(i, j int) bool { return pending[i].TxID < pending[j].TxID })

	for _, tx := range pending {
		if _, ok := committed[tx.TxID]; ok {
			result.AlreadyCommitted++
			m.removePending(tx.TxID)
			m.mu.Lock()
			delete(m.active, tx.TxID)
			m.mu.Unlock()
			continue
		}

		for _, w := range tx.Writes {
			latest, err := m.cat.LatestVersion(w.Table)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			if latest != w.NewVersion {
				continue // nothing dangling for this table
			}
			if err := m.cat.DeleteVersion(w.Table, latest); err != nil {
				result.Warnings = append(result.Warnings, err.Error())
				continue
			}
			if head, err := m.branches.GetTableVersion(tx.Branch, w.Table); err == nil && head == w.NewVersion {
				prior := tx.ReadSnapshot[w.Table]
				if err := m.branches.UpdateHead(tx.Branch, w.Table, prior); err != nil {
					result.Warnings = append(result.Warnings, err.Error())
				}
			}
		}

		tx.State = StateAborted
		tx.Reason = "rolled back during recovery: no terminal changelog entry"
		m.removePending(tx.TxID)
		m.mu.Lock()
		delete(m.active, tx.TxID)
		m.mu.Unlock()
		result.RolledBack++
		m.log.Warn("transaction rolled back during recovery", zap.Int64("tx_id", tx.TxID))
	}

	m.mu.Lock()
	entries := append([]ChangelogEntry(nil), m.entries...)
	m.mu.Unlock()

	for _, e := range entries {
		for _, c := range e.Changes {
			if _, err := m.cat.GetVersion(c.Table, c.NewVersion); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			head, err := m.branches.GetTableVersion(e.Branch, c.Table)
			if err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			// Fast-forward only: a head already at or ahead of this entry's
			// version already reflects it (or a later, non-transactional
			// write), so replaying it here would regress the head.
			if head >= c.NewVersion {
				continue
			}
			if err := m.branches.UpdateHead(e.Branch, c.Table, c.NewVersion); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Replayed++
			m.log.Info("replayed branch head from changelog", zap.Int64("tx_id", e.TxID), zap.String("table", c.Table))
		}
	}

	return result
}

// RecoverAndApply is Recover; the two are the same operation in this
// implementation (recovery is always applied, never dry-run), matching
// spec.md section 4.5's "recover() / recover_and_apply()" pairing.
func (m *Manager) RecoverAndApply() RecoverResult {
	return m.Recover()
}

func formatTxID(txID int64) string {
	const width = 20
	s := make([]byte, 0, width)
	n := txID
	if n == 0 {
		return padLeft("0", width)
	}
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		s = append([]byte{byte('0' + n%10)}, s...)
		n /= 10
	}
	if neg {
		s = append([]byte{'-'}, s...)
	}
	return padLeft(string(s), width)
}

func padLeft(s string, width int) string {
	for len(s) < width {
		s = "0" + s
	}
	return s
}

func joinStrings(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// writeAtomic is shared with the catalog/branch write pattern: temp file,
// fsync, rename.
func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return rhizoerr.IO("create temp", path, err)
	}
	tmpPath := tmp.Name()
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(b); err != nil {
		return rhizoerr.IO("write", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return rhizoerr.IO("fsync", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return rhizoerr.IO("close", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return rhizoerr.IO("rename", path, err)
	}
	success = true
	return nil
}
