package rhizo

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/rhizodata/rhizo/catalog"
	"github.com/rhizodata/rhizo/chunker"
	"github.com/rhizodata/rhizo/codec"
	"github.com/rhizodata/rhizo/hash"
	"github.com/rhizodata/rhizo/rhizoerr"
	"golang.org/x/sync/errgroup"
)

// WriteResult reports the outcome of a full (chunk + catalog commit) write.
type WriteResult struct {
	Table       string
	Version     int64
	ChunkCount  int
	ChunkHashes []hash.Hash
	TotalRows   int64
	TotalBytes  int64
}

// ChunkWriteResult reports the outcome of chunking and storing a table
// without committing it to the catalog — the transactional path's first
// phase (spec.md section 4.7's write_chunks_only).
type ChunkWriteResult struct {
	NextVersion int64
	ChunkHashes []hash.Hash
	TotalRows   int64
	TotalBytes  int64
}

// Writer performs chunked writes against one branch of an Engine.
type Writer struct {
	engine *Engine
	branch string
}

// Write chunks, encodes, stores, and commits table as the next version of
// table_name, advancing this Writer's branch head and invalidating any
// cached reads of the table.
func (w *Writer) Write(tableName string, table arrow.Table, metadata string) (WriteResult, error) {
	cw, err := w.WriteChunksOnly(tableName, table, metadata)
	if err != nil {
		return WriteResult{}, err
	}

	validated, err := catalog.ValidateTableName(tableName)
	if err != nil {
		return WriteResult{}, err
	}

	version, err := w.engine.catalog.Commit(catalog.TableVersion{
		TableName:   validated,
		ChunkHashes: cw.ChunkHashes,
		Metadata:    metadata,
	})
	if err != nil {
		return WriteResult{}, err
	}

	if w.engine.branches != nil {
		if err := w.engine.branches.UpdateHead(w.branch, validated, version); err != nil {
			return WriteResult{}, err
		}
	}
	if w.engine.cache != nil {
		w.engine.cache.InvalidateTable(validated)
	}

	return WriteResult{
		Table:       validated,
		Version:     version,
		ChunkCount:  len(cw.ChunkHashes),
		ChunkHashes: cw.ChunkHashes,
		TotalRows:   cw.TotalRows,
		TotalBytes:  cw.TotalBytes,
	}, nil
}

// WriteChunksOnly validates, chunks, encodes, and stores table, stopping
// short of any catalog or branch mutation. It reports the version the
// caller should *project* will be assigned (current latest + 1); the
// transactional path uses this to populate a WriteIntent, and the actual
// assignment happens at txn.Manager.Commit via catalog.Commit.
func (w *Writer) WriteChunksOnly(tableName string, table arrow.Table, metadata string) (ChunkWriteResult, error) {
	validated, err := catalog.ValidateTableName(tableName)
	if err != nil {
		return ChunkWriteResult{}, err
	}
	if table.NumRows() == 0 {
		return ChunkWriteResult{}, rhizoerr.EmptyTable(validated)
	}

	approxBytes := tableApproxBytes(table)
	if err := codec.CheckLimits(table, approxBytes, w.engine.opts.codecLimits()); err != nil {
		return ChunkWriteResult{}, err
	}

	_, rowsPerChunk, err := chunker.Plan(table, w.engine.opts.chunkerOptions(), codec.EncodeRange)
	if err != nil {
		return ChunkWriteResult{}, err
	}

	encoded, err := w.encodeChunks(table, rowsPerChunk)
	if err != nil {
		return ChunkWriteResult{}, err
	}

	hashes, err := w.engine.store.PutBatch(encoded)
	if err != nil {
		return ChunkWriteResult{}, err
	}

	latest, err := w.engine.catalog.LatestVersion(validated)
	if err != nil {
		return ChunkWriteResult{}, err
	}

	return ChunkWriteResult{
		NextVersion: latest + 1,
		ChunkHashes: hashes,
		TotalRows:   table.NumRows(),
		TotalBytes:  approxBytes,
	}, nil
}

// encodeChunks splits table into its planned row ranges and encodes each to
// Parquet bytes. With a single chunk it calls codec.EncodeRecord directly;
// with more than one, the chunks are independent once split, so it fans
// them out across an errgroup bounded by this Writer's parallel_workers
// setting instead of encoding them one at a time (spec.md section 4.7's
// "parallelize chunk encode/decode" applies symmetrically to both sides of
// the write path, and this is the write side of it).
func (w *Writer) encodeChunks(table arrow.Table, rowsPerChunk int64) ([][]byte, error) {
	recs, err := codec.SplitRecords(table, rowsPerChunk)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()

	if len(recs) <= 1 {
		out := make([][]byte, len(recs))
		for i, r := range recs {
			b, err := codec.EncodeRecord(r)
			if err != nil {
				return nil, err
			}
			out[i] = b
		}
		return out, nil
	}

	out := make([][]byte, len(recs))
	g := new(errgroup.Group)
	g.SetLimit(w.engine.opts.workers())
	for i, r := range recs {
		i, r := i, r
		g.Go(func() error {
			b, err := codec.EncodeRecord(r)
			if err != nil {
				return err
			}
			out[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// tableApproxBytes sums the byte length of every buffer backing every
// chunk of every column: the uncompressed in-memory footprint that
// CheckLimits and the table cache's byte accounting use.
func tableApproxBytes(table arrow.Table) int64 {
	var total int64
	for i := 0; i < int(table.NumCols()); i++ {
		col := table.Column(i)
		for _, chunk := range col.Data().Chunks() {
			for _, buf := range chunk.Data().Buffers() {
				if buf != nil {
					total += int64(buf.Len())
				}
			}
		}
	}
	return total
}
