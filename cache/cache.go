// Package cache implements the two-tier ArrowChunkCache from spec.md
// section 4.6: a chunk-hash-keyed decoded-batch cache, and a
// (table,version,branch)-keyed assembled-table cache, both bounded by total
// bytes with strict LRU eviction.
package cache

import (
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/rhizodata/rhizo/hash"
)

// TableKey identifies one assembled table in the table tier.
type TableKey struct {
	Table   string
	Version int64
	Branch  string
}

// Stats is a point-in-time snapshot of one tier's counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Bytes     int64
}

// HitRate is Hits / (Hits + Misses), or 0 if there have been no lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// entry is anything the cache can measure for its byte budget and release
// back to the allocator once evicted. Put retains the Arrow value on the
// way in; every path that drops an entry out of the LRU (eviction,
// replace-on-put, explicit invalidation) releases it on the way out, so the
// cache's own reference is always explicitly accounted for rather than
// riding along on whatever the caller happens to do with its copy.
type entry interface {
	byteSize() int64
	release()
}

type batchEntry struct {
	batch arrow.Record
	bytes int64
}

func (e batchEntry) byteSize() int64 { return e.bytes }
func (e batchEntry) release()        { e.batch.Release() }

type tableEntry struct {
	table arrow.Table
	bytes int64
}

func (e tableEntry) byteSize() int64 { return e.bytes }
func (e tableEntry) release()        { e.table.Release() }

// tier is one bounded, LRU-evicted byte budget shared by an arbitrary key
// type. Content-addressed chunk-batch entries never need invalidation by
// content (a hash never changes meaning); the table tier additionally
// supports invalidation by table name.
type tier[K comparable, V entry] struct {
	mu        sync.Mutex
	maxBytes  int64
	curBytes  int64
	lru       *simplelru.LRU[K, V]
	stats     Stats
}

func newTier[K comparable, V entry](maxBytes int64) *tier[K, V] {
	t := &tier[K, V]{maxBytes: maxBytes}
	// simplelru needs a positive capacity hint; since eviction here is
	// byte-budget-driven (not count-driven), give it a large nominal
	// capacity and enforce the real (byte) bound ourselves via RemoveOldest
	// in put. Byte accounting and eviction counting are both done
	// explicitly in this file, not via simplelru's onEvict callback, since
	// that callback fires on every removal (including the non-evicting
	// replace-on-put and explicit invalidate paths) and would double-count.
	lru, _ := simplelru.NewLRU[K, V](1<<31-1, nil)
	t.lru = lru
	return t
}

func (t *tier[K, V]) get(key K) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.lru.Get(key)
	if ok {
		t.stats.Hits++
	} else {
		t.stats.Misses++
	}
	return v, ok
}

// put rejects (silently) any entry larger than the tier's entire budget, per
// spec.md section 4.6. Otherwise it evicts least-recently-used entries until
// there is room.
func (t *tier[K, V]) put(key K, value V) {
	size := value.byteSize()
	t.mu.Lock()
	defer t.mu.Unlock()

	if size > t.maxBytes {
		return
	}
	if old, ok := t.lru.Peek(key); ok {
		t.curBytes -= old.byteSize()
		old.release()
		t.lru.Remove(key)
	}
	for t.curBytes+size > t.maxBytes {
		_, v, ok := t.lru.RemoveOldest()
		if !ok {
			break
		}
		t.curBytes -= v.byteSize()
		v.release()
		t.stats.Evictions++
	}
	t.lru.Add(key, value)
	t.curBytes += size
}

func (t *tier[K, V]) removeMatching(match func(K) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range t.lru.Keys() {
		if match(k) {
			if old, ok := t.lru.Peek(k); ok {
				t.curBytes -= old.byteSize()
				old.release()
			}
			t.lru.Remove(k)
		}
	}
}

func (t *tier[K, V]) stat() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	s.Bytes = t.curBytes
	return s
}

// DefaultMaxBytes is spec.md section 4.6's ~1 GiB default cache budget,
// split evenly between the two tiers unless overridden.
const DefaultMaxBytes = 1 << 30

// Cache is the engine-wide two-tier ArrowChunkCache. It is internally
// synchronized (each tier holds its own mutex), so callers never need to
// lock around it — the "pick one and document" choice spec.md section 4.6
// leaves open, resolved here in favor of the cache owning its own
// concurrency rather than pushing it onto every caller.
type Cache struct {
	batches *tier[hash.Hash, batchEntry]
	tables  *tier[TableKey, tableEntry]
}

// Option configures a Cache at construction.
type Option func(*config)

type config struct {
	batchMaxBytes int64
	tableMaxBytes int64
}

// WithBatchBytes overrides the chunk-batch tier's byte budget.
func WithBatchBytes(n int64) Option {
	return func(c *config) { c.batchMaxBytes = n }
}

// WithTableBytes overrides the assembled-table tier's byte budget.
func WithTableBytes(n int64) Option {
	return func(c *config) { c.tableMaxBytes = n }
}

// New builds a Cache. With no options, each tier gets half of
// DefaultMaxBytes.
func New(opts ...Option) *Cache {
	cfg := config{batchMaxBytes: DefaultMaxBytes / 2, tableMaxBytes: DefaultMaxBytes / 2}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Cache{
		batches: newTier[hash.Hash, batchEntry](cfg.batchMaxBytes),
		tables:  newTier[TableKey, tableEntry](cfg.tableMaxBytes),
	}
}

// GetBatch looks up a decoded chunk by content hash.
func (c *Cache) GetBatch(h hash.Hash) (arrow.Record, bool) {
	e, ok := c.batches.get(h)
	if !ok {
		return nil, false
	}
	return e.batch, true
}

// PutBatch caches a decoded chunk under its content hash. bytes is the
// caller's estimate of the batch's in-memory footprint (e.g.
// arrow.Record.TotalRows bytes via column buffer sizes), used purely for
// the cache's own accounting. PutBatch takes its own reference via Retain;
// the caller's own reference is unaffected and must still be released by
// the caller as usual.
func (c *Cache) PutBatch(h hash.Hash, batch arrow.Record, bytes int64) {
	batch.Retain()
	c.batches.put(h, batchEntry{batch: batch, bytes: bytes})
}

// GetTable looks up an assembled table by (table, version, branch).
func (c *Cache) GetTable(key TableKey) (arrow.Table, bool) {
	e, ok := c.tables.get(lowerKey(key))
	if !ok {
		return nil, false
	}
	return e.table, true
}

// PutTable caches an assembled table. Like PutBatch, it takes its own
// reference via Retain, independent of the caller's.
func (c *Cache) PutTable(key TableKey, table arrow.Table, bytes int64) {
	table.Retain()
	c.tables.put(lowerKey(key), tableEntry{table: table, bytes: bytes})
}

// InvalidateTable evicts every cached table-tier entry for table, across all
// versions and branches - the strictly conservative policy spec.md section
// 4.6 mandates on writes. The chunk-batch tier is never invalidated: a
// content hash's meaning never changes.
func (c *Cache) InvalidateTable(table string) {
	table = strings.ToLower(table)
	c.tables.removeMatching(func(k TableKey) bool { return k.Table == table })
}

// BatchStats reports the chunk-batch tier's counters.
func (c *Cache) BatchStats() Stats { return c.batches.stat() }

// TableStats reports the assembled-table tier's counters.
func (c *Cache) TableStats() Stats { return c.tables.stat() }

func lowerKey(k TableKey) TableKey {
	k.Table = strings.ToLower(k.Table)
	return k
}
