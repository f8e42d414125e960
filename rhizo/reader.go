package rhizo

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/rhizodata/rhizo/cache"
	"github.com/rhizodata/rhizo/catalog"
	"github.com/rhizodata/rhizo/codec"
	"github.com/rhizodata/rhizo/hash"
	"github.com/rhizodata/rhizo/internal/workerpool"
	"github.com/rhizodata/rhizo/rhizoerr"
)

// Reader performs reads against one branch of an Engine.
type Reader struct {
	engine *Engine
	branch string
}

// ResolveVersion implements spec.md section 4.7's version resolution
// order: (1) an explicit version (any value > 0); (2) this Reader's
// branch head for table; (3) the catalog's latest committed version.
func (r *Reader) ResolveVersion(table string, version int64) (int64, error) {
	if version > 0 {
		return version, nil
	}
	if r.engine.branches != nil {
		if v, err := r.engine.branches.GetTableVersion(r.branch, table); err == nil && v > 0 {
			return v, nil
		}
	}
	latest, err := r.engine.catalog.LatestVersion(table)
	if err != nil {
		return 0, err
	}
	if latest == 0 {
		return 0, rhizoerr.TableNotFound(table)
	}
	return latest, nil
}

// Read resolves version, assembles the table (via the table cache, the
// chunk-batch cache, or the chunk store, in that order of preference),
// then applies column projection and row filters in memory. Per spec.md
// section 8's property 6, this is defined to equal applying filters then
// selecting columns on the full unfiltered read — which is exactly what
// it does.
func (r *Reader) Read(tableName string, version int64, columns []string, filters []codec.Filter) (arrow.Table, error) {
	validated, err := catalog.ValidateTableName(tableName)
	if err != nil {
		return nil, err
	}
	resolved, err := r.ResolveVersion(validated, version)
	if err != nil {
		return nil, err
	}

	full, err := r.assembledTable(validated, resolved)
	if err != nil {
		return nil, err
	}
	defer full.Release()

	return projectAndFilter(full, columns, filters)
}

// assembledTable returns the full, unprojected, unfiltered table for
// (table, version) on this Reader's branch, consulting the table-tier
// cache first.
func (r *Reader) assembledTable(table string, version int64) (arrow.Table, error) {
	key := cache.TableKey{Table: table, Version: version, Branch: r.branch}
	if r.engine.cache != nil {
		if tbl, ok := r.engine.cache.GetTable(key); ok {
			tbl.Retain()
			return tbl, nil
		}
	}

	tv, err := r.engine.catalog.GetVersion(table, version)
	if err != nil {
		return nil, err
	}

	records, err := r.decodeChunksFull(tv.ChunkHashes)
	if err != nil {
		return nil, err
	}
	schema := records[0].Schema()
	assembled := array.NewTableFromRecords(schema, records)
	for _, rec := range records {
		rec.Release()
	}

	if r.engine.cache != nil {
		// PutTable takes its own independent reference via Retain, so
		// assembled's existing (first) reference transfers straight to the
		// return value below rather than needing another Retain here.
		r.engine.cache.PutTable(key, assembled, tableApproxBytes(assembled))
	}
	return assembled, nil
}

// decodeChunksFull fetches and fully decodes every chunk, in parallel via a
// worker pool when there are at least two (spec.md section 4.7: "Parallelize
// chunk decode for ≥2 chunks").
func (r *Reader) decodeChunksFull(hashes []hash.Hash) ([]arrow.Record, error) {
	if len(hashes) == 1 {
		rec, err := r.fullDecode(hashes[0])
		if err != nil {
			return nil, err
		}
		return []arrow.Record{rec}, nil
	}

	sp, err := workerpool.NewScanPool(r.engine.opts.workers(), func(ctx context.Context, task workerpool.ScanTask) (workerpool.ScanResult, error) {
		rec, err := r.fullDecode(task.Data.(hash.Hash))
		return workerpool.ScanResult{TaskID: task.ID, Items: []interface{}{rec}}, err
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
	out := make([]arrow.Record, len(hashes))
	for _, res := range results {
		if res.Error != nil {
			return nil, res.Error
		}
		out[res.TaskID] = res.Items[0].(arrow.Record)
	}
	return out, nil
}

// fullDecode fetches and decodes one chunk in full (no projection, no
// filter), consulting the chunk-batch cache first. This is the only path
// that populates or reads that tier, keeping spec.md section 8 property 9
// (`cache.get(h) == decode(store.get(h))`) true by construction.
func (r *Reader) fullDecode(h hash.Hash) (arrow.Record, error) {
	if r.engine.cache != nil {
		if rec, ok := r.engine.cache.GetBatch(h); ok {
			rec.Retain()
			return rec, nil
		}
	}

	var data []byte
	var err error
	if r.engine.opts.VerifyIntegrity {
		data, err = r.engine.store.GetVerified(h)
	} else {
		data, err = r.engine.store.Get(h)
	}
	if err != nil {
		return nil, err
	}

	tbl, err := codec.Decode(data)
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	rec, err := coalesce(tbl)
	if err != nil {
		return nil, err
	}

	if r.engine.cache != nil {
		// Same reference-transfer reasoning as assembledTable above:
		// PutBatch retains its own copy, so rec's existing reference
		// transfers to the return value.
		r.engine.cache.PutBatch(h, rec, recordApproxBytes(rec))
	}
	return rec, nil
}

// coalesce flattens a (possibly multi-batch) decoded table into the single
// RecordBatch the decoder contract promises.
func coalesce(tbl arrow.Table) (arrow.Record, error) {
	reader := array.NewTableReader(tbl, tbl.NumRows())
	defer reader.Release()
	if !reader.Next() {
		return array.NewRecord(tbl.Schema(), nil, 0), nil
	}
	rec := reader.Record()
	rec.Retain()
	return rec, nil
}

// projectAndFilter applies an optional column projection then an optional
// filter set to full, producing a new table. Per spec.md section 8
// property 8, a fully-filtered-out result is a valid empty table, not an
// error — ApplyFilters already returns that directly.
func projectAndFilter(full arrow.Table, columns []string, filters []codec.Filter) (arrow.Table, error) {
	reader := array.NewTableReader(full, full.NumRows())
	defer reader.Release()

	var recs []arrow.Record
	schema := full.Schema()
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		if len(columns) > 0 {
			projected, err := projectRecord(rec, columns)
			rec.Release()
			if err != nil {
				return nil, err
			}
			rec = projected
		}
		schema = rec.Schema()
		recs = append(recs, rec)
	}
	if err := reader.Err(); err != nil {
		return nil, rhizoerr.Wrap(rhizoerr.KindIO, err, "rhizo: scan assembled table")
	}
	if len(columns) > 0 && len(recs) == 0 {
		s, err := projectSchema(full.Schema(), columns)
		if err != nil {
			return nil, err
		}
		schema = s
	}

	projected := array.NewTableFromRecords(schema, recs)
	for _, rec := range recs {
		rec.Release()
	}
	defer projected.Release()

	if len(filters) == 0 {
		projected.Retain()
		return projected, nil
	}
	return codec.ApplyFilters(projected, filters)
}

// projectRecord builds a new record containing only the named columns, in
// the order given.
func projectRecord(rec arrow.Record, columns []string) (arrow.Record, error) {
	schema := rec.Schema()
	fields := make([]arrow.Field, 0, len(columns))
	cols := make([]arrow.Array, 0, len(columns))
	for _, name := range columns {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return nil, rhizoerr.InvalidColumn(name)
		}
		fields = append(fields, schema.Field(idx[0]))
		cols = append(cols, rec.Column(idx[0]))
	}
	newSchema := arrow.NewSchema(fields, nil)
	return array.NewRecord(newSchema, cols, rec.NumRows()), nil
}

func projectSchema(schema *arrow.Schema, columns []string) (*arrow.Schema, error) {
	fields := make([]arrow.Field, 0, len(columns))
	for _, name := range columns {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return nil, rhizoerr.InvalidColumn(name)
		}
		fields = append(fields, schema.Field(idx[0]))
	}
	return arrow.NewSchema(fields, nil), nil
}

func recordApproxBytes(rec arrow.Record) int64 {
	var total int64
	for i := 0; i < int(rec.NumCols()); i++ {
		col := rec.Column(i)
		for _, buf := range col.Data().Buffers() {
			if buf != nil {
				total += int64(buf.Len())
			}
		}
	}
	return total
}

// ChunkIterator streams one decoded (projected, filtered) chunk at a time,
// skipping chunks that filter to zero rows, for memory-bounded consumers
// (spec.md section 4.7's iter_chunks). Callers must call Release on every
// table Next returns.
type ChunkIterator struct {
	reader  *Reader
	hashes  []hash.Hash
	idx     int
	columns []string
	filters []codec.Filter
}

// IterChunks resolves version and returns an iterator over its chunks. It
// never materializes the full table.
func (r *Reader) IterChunks(tableName string, version int64, columns []string, filters []codec.Filter) (*ChunkIterator, error) {
	validated, err := catalog.ValidateTableName(tableName)
	if err != nil {
		return nil, err
	}
	resolved, err := r.ResolveVersion(validated, version)
	if err != nil {
		return nil, err
	}
	tv, err := r.engine.catalog.GetVersion(validated, resolved)
	if err != nil {
		return nil, err
	}
	return &ChunkIterator{reader: r, hashes: tv.ChunkHashes, columns: columns, filters: filters}, nil
}

// Next returns the next non-empty chunk, or ok=false once exhausted.
func (it *ChunkIterator) Next() (tbl arrow.Table, ok bool, err error) {
	for it.idx < len(it.hashes) {
		h := it.hashes[it.idx]
		it.idx++

		rec, err := it.reader.fullDecode(h)
		if err != nil {
			return nil, false, err
		}
		if len(it.columns) > 0 {
			projected, err := projectRecord(rec, it.columns)
			rec.Release()
			if err != nil {
				return nil, false, err
			}
			rec = projected
		}
		candidate := array.NewTableFromRecords(rec.Schema(), []arrow.Record{rec})
		rec.Release()

		if len(it.filters) == 0 {
			if candidate.NumRows() == 0 {
				candidate.Release()
				continue
			}
			return candidate, true, nil
		}
		filtered, err := codec.ApplyFilters(candidate, it.filters)
		candidate.Release()
		if err != nil {
			return nil, false, err
		}
		if filtered.NumRows() == 0 {
			filtered.Release()
			continue
		}
		return filtered, true, nil
	}
	return nil, false, nil
}

// ListTables lists every table in the engine's catalog, sorted.
func (r *Reader) ListTables() []string {
	return r.engine.catalog.ListTables()
}

// ListVersions lists every committed version of table, ascending.
func (r *Reader) ListVersions(tableName string) ([]int64, error) {
	return r.engine.catalog.ListVersions(tableName)
}

// GetMetadata returns the metadata string attached at write time to
// (table, version); version resolves per ResolveVersion's order.
func (r *Reader) GetMetadata(tableName string, version int64) (string, error) {
	validated, err := catalog.ValidateTableName(tableName)
	if err != nil {
		return "", err
	}
	resolved, err := r.ResolveVersion(validated, version)
	if err != nil {
		return "", err
	}
	tv, err := r.engine.catalog.GetVersion(validated, resolved)
	if err != nil {
		return "", err
	}
	return tv.Metadata, nil
}

// GetVersionHistory returns up to limit versions of table, most recent
// first. limit <= 0 means unbounded.
func (r *Reader) GetVersionHistory(tableName string, limit int) ([]catalog.TableVersion, error) {
	versions, err := r.engine.catalog.ListVersions(tableName)
	if err != nil {
		return nil, err
	}
	out := make([]catalog.TableVersion, 0, len(versions))
	for i := len(versions) - 1; i >= 0; i-- {
		tv, err := r.engine.catalog.GetVersion(tableName, versions[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *tv)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
