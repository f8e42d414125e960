// Package rhizo is the top-level façade spec.md section 4.7 describes:
// Engine, Writer, Reader, and ChangelogSubscriber composed over catalog,
// branch, txn, cas, cache, chunker, and codec.
package rhizo

import (
	"os"

	json "github.com/goccy/go-json"
	"github.com/rhizodata/rhizo/cache"
	"github.com/rhizodata/rhizo/chunker"
	"github.com/rhizodata/rhizo/codec"
	"github.com/rhizodata/rhizo/rhizoerr"
)

// Options holds every configuration knob spec.md section 6 lists.
type Options struct {
	ChunkSizeBytes      int64 `json:"chunk_size_bytes"`
	ChunkSizeRows       int64 `json:"chunk_size_rows"`
	MaxTableSizeBytes   int64 `json:"max_table_size_bytes"`
	MaxColumns          int   `json:"max_columns"`
	VerifyIntegrity     bool  `json:"verify_integrity"`
	EnableChunkCache    bool  `json:"enable_chunk_cache"`
	ChunkCacheSizeBytes int64 `json:"chunk_cache_size_bytes"`
	ParallelWorkers     int   `json:"parallel_workers"`
	EnableBranches      bool  `json:"enable_branches"`
	EnableTransactions  bool  `json:"enable_transactions"`
	AutoRecover         bool  `json:"auto_recover"`
}

// DefaultOptions returns the defaults spec.md section 6's configuration
// table specifies.
func DefaultOptions() Options {
	return Options{
		ChunkSizeBytes:      chunker.DefaultTargetBytes,
		MaxTableSizeBytes:   codec.DefaultLimits.MaxTableSizeBytes,
		MaxColumns:          codec.DefaultLimits.MaxColumns,
		VerifyIntegrity:     true,
		EnableChunkCache:    true,
		ChunkCacheSizeBytes: cache.DefaultMaxBytes,
		ParallelWorkers:     8,
		EnableBranches:      true,
		EnableTransactions:  true,
		AutoRecover:         true,
	}
}

// LoadOptions reads a JSON options file, starting from DefaultOptions so an
// omitted field keeps its default rather than zeroing out.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	b, err := os.ReadFile(path)
	if err != nil {
		return opts, rhizoerr.IO("read", path, err)
	}
	if err := json.Unmarshal(b, &opts); err != nil {
		return opts, rhizoerr.Wrap(rhizoerr.KindIO, err, "rhizo: parse options file %q", path)
	}
	return opts, nil
}

func (o Options) chunkerOptions() chunker.Options {
	return chunker.Options{TargetBytes: o.ChunkSizeBytes, RowsPerChunk: o.ChunkSizeRows}
}

func (o Options) codecLimits() codec.Limits {
	return codec.Limits{MaxTableSizeBytes: o.MaxTableSizeBytes, MaxColumns: o.MaxColumns}
}

func (o Options) workers() int {
	if o.ParallelWorkers <= 0 {
		return 1
	}
	return o.ParallelWorkers
}
