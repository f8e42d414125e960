package rhizo

import (
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rhizodata/rhizo/branch"
	"github.com/rhizodata/rhizo/cache"
	"github.com/rhizodata/rhizo/cas"
	"github.com/rhizodata/rhizo/catalog"
	"github.com/rhizodata/rhizo/rhizoerr"
	"github.com/rhizodata/rhizo/txn"
	"go.uber.org/zap"
)

// Engine is one open rhizo database directory: the chunk store, catalog,
// and (optionally) branch manager, transaction manager, and decoded-chunk
// cache, all rooted at the same directory (spec.md section 6's persistent
// layout).
type Engine struct {
	root string
	opts Options
	log  *zap.Logger

	// id is a random identifier for this open Engine instance, logged at
	// Open and in subsequent diagnostic log lines so multiple processes or
	// multiple opens of the same directory can be told apart in shared
	// logs. It has no on-disk meaning — it is never written to root.
	id uuid.UUID

	store    *cas.Store
	catalog  *catalog.Catalog
	branches *branch.Manager
	txns     *txn.Manager
	cache    *cache.Cache

	// txActive enforces spec.md section 4.5's "beginning [a transaction]
	// while one is active on the same engine instance fails with
	// NestedTransactionError" — a restriction the txn.Manager itself does
	// not enforce, since its testable property S4 requires two
	// transactions to be concurrently Pending against the same table (from
	// two different Engine instances, or in this engine's case, two
	// Transaction handles would be rejected here before ever reaching
	// Manager.Begin).
	txActive atomic.Bool
}

// Open opens (creating if absent) a rhizo database at root.
func Open(root string, opts Options, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, rhizoerr.IO("mkdir", root, err)
	}

	id := uuid.New()
	log = log.With(zap.String("engine_id", id.String()))
	log.Info("rhizo: opening engine", zap.String("root", root))

	store, err := cas.Open(filepath.Join(root, "chunks"),
		cas.WithLogger(log),
		cas.WithParallelism(opts.workers()))
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Open(filepath.Join(root, "catalog"), log)
	if err != nil {
		return nil, err
	}

	e := &Engine{root: root, opts: opts, log: log, id: id, store: store, catalog: cat}

	if opts.EnableBranches || opts.EnableTransactions {
		b, err := branch.Open(filepath.Join(root, "branches"), log)
		if err != nil {
			return nil, err
		}
		e.branches = b
	}

	if opts.EnableTransactions {
		if e.branches == nil {
			return nil, rhizoerr.New(rhizoerr.KindIO, "rhizo: enable_transactions requires enable_branches")
		}
		tm, err := txn.Open(filepath.Join(root, "transactions"), cat, e.branches, log)
		if err != nil {
			return nil, err
		}
		e.txns = tm
		if opts.AutoRecover {
			result := tm.RecoverAndApply()
			log.Info("rhizo: startup recovery",
				zap.Int("replayed", result.Replayed),
				zap.Int("rolled_back", result.RolledBack),
				zap.Int("warnings", len(result.Warnings)),
				zap.Int("errors", len(result.Errors)))
		}
	}

	if opts.EnableChunkCache {
		budget := opts.ChunkCacheSizeBytes
		if budget <= 0 {
			budget = cache.DefaultMaxBytes
		}
		e.cache = cache.New(cache.WithBatchBytes(budget/2), cache.WithTableBytes(budget/2))
	}

	return e, nil
}

// Writer returns a Writer bound to the given branch (spec.md section 4.4's
// DefaultBranch if branchName is empty).
func (e *Engine) Writer(branchName string) *Writer {
	return &Writer{engine: e, branch: resolveBranchName(branchName)}
}

// Reader returns a Reader bound to the given branch.
func (e *Engine) Reader(branchName string) *Reader {
	return &Reader{engine: e, branch: resolveBranchName(branchName)}
}

// Branches exposes the underlying branch.Manager, or nil if
// enable_branches was false at Open.
func (e *Engine) Branches() *branch.Manager { return e.branches }

// Catalog exposes the underlying catalog.Catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Cache exposes the decoded-chunk cache, or nil if enable_chunk_cache was
// false at Open.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// ID returns this open Engine instance's random identifier, the same value
// attached to every log line this Engine emits.
func (e *Engine) ID() uuid.UUID { return e.id }

func resolveBranchName(name string) string {
	if name == "" {
		return branch.DefaultBranch
	}
	return name
}
