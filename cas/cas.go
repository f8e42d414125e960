// Package cas implements the content-addressable chunk store: a durable
// map from a BLAKE3 hash to an opaque byte blob on local disk, laid out in
// a sharded directory tree (spec.md section 4.1 and 6).
package cas

import (
	"context"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"
	"github.com/rhizodata/rhizo/hash"
	"github.com/rhizodata/rhizo/internal/workerpool"
	"github.com/rhizodata/rhizo/rhizoerr"
	"go.uber.org/zap"
)

// Store is a content-addressable blob store rooted at a single directory.
// All methods are safe for concurrent use: distinct hashes never contend
// (spec.md section 5), and puts of the same hash are idempotent.
type Store struct {
	root   string
	log    *zap.Logger
	scanCh int // ExecuteParallel concurrency for batch operations
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger attaches a structured logger; nil keeps the no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithParallelism sets the fan-out width used by PutBatch/GetBatch.
func WithParallelism(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.scanCh = n
		}
	}
}

// Open roots a Store at dir, creating it if absent.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, rhizoerr.IO("mkdir", dir, err)
	}
	s := &Store{root: dir, log: zap.NewNop(), scanCh: 8}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// pathFor returns the sharded on-disk path for h. It only builds the path;
// it creates no directories.
func (s *Store) pathFor(h hash.Hash) string {
	s1, s2, full := h.ShardedPath()
	return filepath.Join(s.root, s1, s2, full)
}

// Put writes b and returns its content hash. A second Put of identical
// bytes is a no-op: the on-disk file already has the right content because
// the path is derived from the hash.
func (s *Store) Put(b []byte) (hash.Hash, error) {
	h := hash.Of(b)
	path := s.pathFor(h)

	if _, err := os.Stat(path); err == nil {
		return h, nil // idempotent: already present
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return hash.Empty, rhizoerr.IO("mkdir", filepath.Dir(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return hash.Empty, rhizoerr.IO("create temp", path, err)
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
		return hash.Empty, rhizoerr.IO("write", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return hash.Empty, rhizoerr.IO("fsync", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return hash.Empty, rhizoerr.IO("close", tmpPath, err)
	}

	// os.Rename onto an existing destination is atomic on POSIX
	// filesystems and, since content-addressing guarantees the existing
	// file (if any) has identical bytes, safe even under a racing put of
	// the same hash.
	if err := os.Rename(tmpPath, path); err != nil {
		return hash.Empty, rhizoerr.IO("rename", path, err)
	}
	success = true

	s.log.Debug("chunk put", zap.String("hash", h.String()), zap.Int("bytes", len(b)))
	return h, nil
}

// BatchError is returned by PutBatch/GetBatch when one or more positions
// failed; it names exactly which positions succeeded and which did not.
type BatchError struct {
	Failed map[int]error
}

func (e *BatchError) Error() string {
	return "cas: batch operation had failures"
}

// PutBatch writes each entry in blobs in parallel and returns the resulting
// hashes in the same order as the input. The caller controls any ordering
// it needs; the store imposes none between concurrent puts of distinct
// hashes (spec.md section 5).
func (s *Store) PutBatch(blobs [][]byte) ([]hash.Hash, error) {
	out := make([]hash.Hash, len(blobs))
	sp, err := workerpool.NewScanPool(s.scanCh, func(ctx context.Context, task workerpool.ScanTask) (workerpool.ScanResult, error) {
		h, err := s.Put(task.Data.([]byte))
		return workerpool.ScanResult{TaskID: task.ID, Items: []interface{}{h}}, err
	})
	if err != nil {
		return nil, err
	}
	defer sp.Close()
	if err := sp.Start(); err != nil {
		return nil, err
	}

	tasks := make([]workerpool.ScanTask, len(blobs))
	for i, b := range blobs {
		tasks[i] = workerpool.ScanTask{ID: i, Data: b}
	}

	results, execErr := sp.ExecuteParallel(context.Background(), tasks)
	failed := map[int]error{}
	for _, r := range results {
		if r.Error != nil {
			failed[r.TaskID] = r.Error
			continue
		}
		out[r.TaskID] = r.Items[0].(hash.Hash)
	}
	if len(failed) > 0 {
		return out, &BatchError{Failed: failed}
	}
	_ = execErr
	return out, nil
}

// Get reads the blob stored under h without verifying its hash.
func (s *Store) Get(h hash.Hash) ([]byte, error) {
	path := s.pathFor(h)
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, rhizoerr.ChunkNotFound(h.String())
	}
	if err != nil {
		return nil, rhizoerr.IO("read", path, err)
	}
	return b, nil
}

// GetVerified reads the blob stored under h and recomputes its hash,
// failing with a CorruptedChunk error on mismatch.
func (s *Store) GetVerified(h hash.Hash) ([]byte, error) {
	b, err := s.Get(h)
	if err != nil {
		return nil, err
	}
	if hash.Of(b) != h {
		return nil, rhizoerr.CorruptedChunk(h.String())
	}
	return b, nil
}

// GetBatch fetches each hash in parallel, preserving input order.
func (s *Store) GetBatch(hashes []hash.Hash) ([][]byte, error) {
	return s.getBatch(hashes, s.Get)
}

// GetBatchVerified is GetBatch with hash verification on every read.
func (s *Store) GetBatchVerified(hashes []hash.Hash) ([][]byte, error) {
	return s.getBatch(hashes, s.GetVerified)
}

func (s *Store) getBatch(hashes []hash.Hash, fetch func(hash.Hash) ([]byte, error)) ([][]byte, error) {
	out := make([][]byte, len(hashes))
	sp, err := workerpool.NewScanPool(s.scanCh, func(ctx context.Context, task workerpool.ScanTask) (workerpool.ScanResult, error) {
		b, err := fetch(task.Data.(hash.Hash))
		return workerpool.ScanResult{TaskID: task.ID, Items: []interface{}{b}}, err
	})
	if err != nil {
		return nil, err
	}
	defer sp.Close()
	if err := sp.Start(); err != nil {
		return nil, err
	}

	tasks := make([]workerpool.ScanTask, len(hashes))
	for i, h := range hashes {
		tasks[i] = workerpool.ScanTask{ID: i, Data: h}
	}

	results, _ := sp.ExecuteParallel(context.Background(), tasks)
	failed := map[int]error{}
	for _, r := range results {
		if r.Error != nil {
			failed[r.TaskID] = r.Error
			continue
		}
		out[r.TaskID] = r.Items[0].([]byte)
	}
	if len(failed) > 0 {
		return out, &BatchError{Failed: failed}
	}
	return out, nil
}

// Mmap is a memory-mapped read-only view of a stored chunk. Callers must
// call Close when done.
type Mmap struct {
	m mmap.MMap
	f *os.File
}

// Bytes returns the mapped region. It is only valid until Close.
func (m *Mmap) Bytes() []byte { return []byte(m.m) }

// Close unmaps the region and closes the backing file descriptor.
func (m *Mmap) Close() error {
	err := m.m.Unmap()
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// GetMmap memory-maps the blob stored under h for zero-copy reads. Same
// not-found/IO error contract as Get; it does not verify the hash.
func (s *Store) GetMmap(h hash.Hash) (*Mmap, error) {
	path := s.pathFor(h)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, rhizoerr.ChunkNotFound(h.String())
	}
	if err != nil {
		return nil, rhizoerr.IO("open", path, err)
	}
	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, rhizoerr.IO("mmap", path, err)
	}
	return &Mmap{m: m, f: f}, nil
}

// GetMmapBatch mmaps each hash in turn, in input order. On the first
// failure it closes every mapping already made and returns that error
// alone (not a BatchError).
func (s *Store) GetMmapBatch(hashes []hash.Hash) ([]*Mmap, error) {
	out := make([]*Mmap, len(hashes))
	for i, h := range hashes {
		m, err := s.GetMmap(h)
		if err != nil {
			for j := 0; j < i; j++ {
				out[j].Close()
			}
			return nil, err
		}
		out[i] = m
	}
	return out, nil
}

// Has reports whether h is present, without reading its contents.
func (s *Store) Has(h hash.Hash) bool {
	_, err := os.Stat(s.pathFor(h))
	return err == nil
}
