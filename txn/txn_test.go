package txn_test

import (
	"testing"

	"github.com/rhizodata/rhizo/branch"
	"github.com/rhizodata/rhizo/catalog"
	"github.com/rhizodata/rhizo/hash"
	"github.com/rhizodata/rhizo/txn"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*txn.Manager, *catalog.Catalog, *branch.Manager) {
	t.Helper()
	dir := t.TempDir()
	cat, err := catalog.Open(dir+"/catalog", nil)
	require.NoError(t, err)
	br, err := branch.Open(dir+"/branches", nil)
	require.NoError(t, err)
	mgr, err := txn.Open(dir+"/transactions", cat, br, nil)
	require.NoError(t, err)
	return mgr, cat, br
}

func TestBeginCommitAppliesCatalogAndBranch(t *testing.T) {
	mgr, cat, br := newManager(t)

	tx, err := mgr.Begin(branch.DefaultBranch, map[string]int64{"orders": 0})
	require.NoError(t, err)

	require.NoError(t, mgr.AddWrite(tx.TxID, txn.WriteIntent{
		Table:       "orders",
		NewVersion:  1,
		ChunkHashes: []hash.Hash{hash.Of([]byte("c1"))},
	}))

	entry, err := mgr.Commit(tx.TxID)
	require.NoError(t, err)
	require.Len(t, entry.Changes, 1)
	require.Equal(t, int64(1), entry.Changes[0].NewVersion)

	latest, err := cat.LatestVersion("orders")
	require.NoError(t, err)
	require.Equal(t, int64(1), latest)

	head, err := br.GetTableVersion(branch.DefaultBranch, "orders")
	require.NoError(t, err)
	require.Equal(t, int64(1), head)
}

func TestConcurrentCommitConflict(t *testing.T) {
	mgr, _, _ := newManager(t)

	tx1, err := mgr.Begin(branch.DefaultBranch, map[string]int64{"orders": 0})
	require.NoError(t, err)
	tx2, err := mgr.Begin(branch.DefaultBranch, map[string]int64{"orders": 0})
	require.NoError(t, err)

	require.NoError(t, mgr.AddWrite(tx1.TxID, txn.WriteIntent{Table: "orders", NewVersion: 1, ChunkHashes: []hash.Hash{hash.Of([]byte("a"))}}))
	require.NoError(t, mgr.AddWrite(tx2.TxID, txn.WriteIntent{Table: "orders", NewVersion: 1, ChunkHashes: []hash.Hash{hash.Of([]byte("b"))}}))

	_, err = mgr.Commit(tx1.TxID)
	require.NoError(t, err)

	_, err = mgr.Commit(tx2.TxID)
	require.Error(t, err)

	changelog := mgr.GetChangelog(txn.ChangelogFilter{})
	require.Len(t, changelog, 1)
	require.Equal(t, tx1.TxID, changelog[0].TxID)
}

func TestAbortLeavesNoChangelogEntry(t *testing.T) {
	mgr, _, _ := newManager(t)

	tx, err := mgr.Begin(branch.DefaultBranch, map[string]int64{"orders": 0})
	require.NoError(t, err)
	require.NoError(t, mgr.Abort(tx.TxID, "caller cancelled"))

	require.Empty(t, mgr.GetChangelog(txn.ChangelogFilter{}))
	require.Equal(t, int64(0), mgr.LatestTxID())
}

func TestRecoverRollsBackDanglingCommit(t *testing.T) {
	dir := t.TempDir()
	cat, err := catalog.Open(dir+"/catalog", nil)
	require.NoError(t, err)
	br, err := branch.Open(dir+"/branches", nil)
	require.NoError(t, err)
	mgr, err := txn.Open(dir+"/transactions", cat, br, nil)
	require.NoError(t, err)

	tx, err := mgr.Begin(branch.DefaultBranch, map[string]int64{"orders": 0})
	require.NoError(t, err)
	require.NoError(t, mgr.AddWrite(tx.TxID, txn.WriteIntent{Table: "orders", NewVersion: 1, ChunkHashes: []hash.Hash{hash.Of([]byte("x"))}}))

	// Simulate a crash after the catalog commit but before the changelog
	// append by committing directly against the catalog, bypassing txn.
	_, err = cat.Commit(catalog.TableVersion{TableName: "orders", ChunkHashes: []hash.Hash{hash.Of([]byte("x"))}})
	require.NoError(t, err)

	// Reopen the transaction manager fresh, as recovery on restart would.
	mgr2, err := txn.Open(dir+"/transactions", cat, br, nil)
	require.NoError(t, err)

	result := mgr2.Recover()
	require.Equal(t, 1, result.RolledBack)

	latest, err := cat.LatestVersion("orders")
	require.NoError(t, err)
	require.Equal(t, int64(0), latest)
}

func TestVerifyConsistencyFindsNoIssuesOnCleanLog(t *testing.T) {
	mgr, _, _ := newManager(t)
	tx, err := mgr.Begin(branch.DefaultBranch, map[string]int64{"orders": 0})
	require.NoError(t, err)
	require.NoError(t, mgr.AddWrite(tx.TxID, txn.WriteIntent{Table: "orders", NewVersion: 1, ChunkHashes: []hash.Hash{hash.Of([]byte("x"))}}))
	_, err = mgr.Commit(tx.TxID)
	require.NoError(t, err)

	require.Empty(t, mgr.VerifyConsistency())
}
