package cache_test

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rhizodata/rhizo/cache"
	"github.com/rhizodata/rhizo/hash"
	"github.com/stretchr/testify/require"
)

// newRecord builds a one-row, one-column record. The cache Retains every
// value it stores and Releases it on eviction, so entries must be real
// Arrow values; byte sizes are passed separately and stay caller-chosen.
func newRecord(t *testing.T) arrow.Record {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)
	b := array.NewInt64Builder(memory.DefaultAllocator)
	defer b.Release()
	b.Append(1)
	col := b.NewInt64Array()
	defer col.Release()
	return array.NewRecord(schema, []arrow.Array{col}, 1)
}

func newTable(t *testing.T) arrow.Table {
	t.Helper()
	rec := newRecord(t)
	defer rec.Release()
	return array.NewTableFromRecords(rec.Schema(), []arrow.Record{rec})
}

func TestBatchTierRoundTrip(t *testing.T) {
	c := cache.New()
	h := hash.Of([]byte("chunk-a"))

	_, ok := c.GetBatch(h)
	require.False(t, ok)

	c.PutBatch(h, newRecord(t), 128)
	_, ok = c.GetBatch(h)
	require.True(t, ok)

	stats := c.BatchStats()
	require.Equal(t, int64(1), stats.Hits)
	require.Equal(t, int64(1), stats.Misses)
	require.Equal(t, int64(128), stats.Bytes)
}

func TestOversizedEntryIsRejectedSilently(t *testing.T) {
	c := cache.New(cache.WithBatchBytes(100))
	h := hash.Of([]byte("huge"))

	c.PutBatch(h, newRecord(t), 1000)
	_, ok := c.GetBatch(h)
	require.False(t, ok)
}

func TestTableTierEvictsLeastRecentlyUsed(t *testing.T) {
	c := cache.New(cache.WithTableBytes(100))
	k1 := cache.TableKey{Table: "orders", Version: 1, Branch: "main"}
	k2 := cache.TableKey{Table: "orders", Version: 2, Branch: "main"}
	k3 := cache.TableKey{Table: "orders", Version: 3, Branch: "main"}

	c.PutTable(k1, newTable(t), 60)
	c.PutTable(k2, newTable(t), 60) // evicts k1 to make room

	_, ok := c.GetTable(k1)
	require.False(t, ok)
	_, ok = c.GetTable(k2)
	require.True(t, ok)

	c.PutTable(k3, newTable(t), 60) // evicts k2
	_, ok = c.GetTable(k2)
	require.False(t, ok)
	_, ok = c.GetTable(k3)
	require.True(t, ok)

	require.Equal(t, int64(2), c.TableStats().Evictions)
}

func TestInvalidateTableClearsAllVersionsAndBranches(t *testing.T) {
	c := cache.New()
	k1 := cache.TableKey{Table: "orders", Version: 1, Branch: "main"}
	k2 := cache.TableKey{Table: "orders", Version: 2, Branch: "feature"}
	k3 := cache.TableKey{Table: "users", Version: 1, Branch: "main"}

	c.PutTable(k1, newTable(t), 10)
	c.PutTable(k2, newTable(t), 10)
	c.PutTable(k3, newTable(t), 10)

	c.InvalidateTable("Orders")

	_, ok := c.GetTable(k1)
	require.False(t, ok)
	_, ok = c.GetTable(k2)
	require.False(t, ok)
	_, ok = c.GetTable(k3)
	require.True(t, ok)
}

func TestTableKeyIsCaseInsensitiveOnTableName(t *testing.T) {
	c := cache.New()
	c.PutTable(cache.TableKey{Table: "Orders", Version: 1, Branch: "main"}, newTable(t), 10)

	_, ok := c.GetTable(cache.TableKey{Table: "orders", Version: 1, Branch: "main"})
	require.True(t, ok)
}

func TestHitRate(t *testing.T) {
	var s cache.Stats
	require.Equal(t, float64(0), s.HitRate())
	s.Hits = 3
	s.Misses = 1
	require.InDelta(t, 0.75, s.HitRate(), 0.0001)
}
