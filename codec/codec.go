// Package codec implements spec.md section 4.2's Encoder/Decoder: the
// Arrow Record <-> Parquet chunk-bytes bridge, with column projection and
// row predicate pushdown, built on apache/arrow-go/v18's parquet and
// parquet/pqarrow packages.
package codec

import (
	"bytes"
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/dustin/go-humanize"
	"github.com/rhizodata/rhizo/rhizoerr"
)

// writerProperties is shared by every chunk this codec produces: zstd
// compression and column statistics enabled, per spec.md section 4.2 and
// section 6's "Parquet with zstd compression and page/column statistics
// enabled."
func writerProperties() *parquet.WriterProperties {
	return parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Zstd),
		parquet.WithStats(true),
		parquet.WithDictionaryDefault(true),
	)
}

// EncodeRange encodes table's rows [0, sampleRows) to Parquet and reports
// the resulting bytes per row. This is the SampleEstimator chunker.Plan
// requires for byte-budget-based chunk sizing.
func EncodeRange(table arrow.Table, sampleRows int64) (float64, error) {
	reader := array.NewTableReader(table, sampleRows)
	defer reader.Release()
	if !reader.Next() {
		return 0, nil
	}
	rec := reader.Record()
	rec.Retain()
	defer rec.Release()

	b, err := EncodeRecord(rec)
	if err != nil {
		return 0, err
	}
	if rec.NumRows() == 0 {
		return 0, nil
	}
	return float64(len(b)) / float64(rec.NumRows()), nil
}

// EncodeRecord writes one RecordBatch as a standalone Parquet file.
func EncodeRecord(rec arrow.Record) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := pqarrow.NewFileWriter(rec.Schema(), &buf, writerProperties(), pqarrow.DefaultWriterProps())
	if err != nil {
		return nil, rhizoerr.Wrap(rhizoerr.KindIO, err, "codec: open parquet writer")
	}
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return nil, rhizoerr.Wrap(rhizoerr.KindIO, err, "codec: write parquet record")
	}
	if err := writer.Close(); err != nil {
		return nil, rhizoerr.Wrap(rhizoerr.KindIO, err, "codec: close parquet writer")
	}
	return buf.Bytes(), nil
}

// EncodeChunks splits table into independent Parquet chunk files of
// rowsPerChunk rows each, the value chunker.Plan computed, and returns the
// encoded bytes. EncodeChunks encodes sequentially; a caller that wants the
// chunks encoded in parallel uses SplitRecords and encodes each record
// itself.
func EncodeChunks(table arrow.Table, rowsPerChunk int64) ([][]byte, error) {
	reader := array.NewTableReader(table, rowsPerChunk)
	defer reader.Release()

	var chunks [][]byte
	for reader.Next() {
		rec := reader.Record()
		b, err := EncodeRecord(rec)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, b)
	}
	if err := reader.Err(); err != nil {
		return nil, rhizoerr.Wrap(rhizoerr.KindIO, err, "codec: iterate table for chunking")
	}
	return chunks, nil
}

// SplitRecords splits table the same way EncodeChunks does but stops short
// of encoding, returning the row-range RecordBatches themselves (each
// retained; callers must Release every one). This lets a caller encode the
// independent batches concurrently instead of in EncodeChunks' sequential
// loop — the facade's Writer does exactly that with an errgroup once there
// is more than one chunk to encode.
func SplitRecords(table arrow.Table, rowsPerChunk int64) ([]arrow.Record, error) {
	reader := array.NewTableReader(table, rowsPerChunk)
	defer reader.Release()

	var recs []arrow.Record
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := reader.Err(); err != nil {
		for _, r := range recs {
			r.Release()
		}
		return nil, rhizoerr.Wrap(rhizoerr.KindIO, err, "codec: iterate table for chunking")
	}
	return recs, nil
}

// Limits bounds what CheckLimits accepts (EncodeChunks itself checks no
// limits; the facade's Writer calls CheckLimits before chunking), per
// spec.md section 4.2's "Size limits": writers reject
// oversized or too-wide tables synchronously, before any chunk reaches
// disk, so a malicious or mistaken write can never cause an OOM from
// downstream chunking/encoding.
type Limits struct {
	MaxTableSizeBytes int64
	MaxColumns        int
}

// DefaultLimits mirrors spec.md section 6's configuration defaults.
var DefaultLimits = Limits{
	MaxTableSizeBytes: 10 << 30, // 10 GiB
	MaxColumns:        1000,
}

// CheckLimits validates table against limits before any encoding happens.
// approxBytes is the caller's estimate of the table's uncompressed
// footprint (e.g. summed column buffer sizes); codec does not compute this
// itself since the facade already has it on hand from the incoming
// in-memory Arrow table.
func CheckLimits(table arrow.Table, approxBytes int64, limits Limits) error {
	max := limits.MaxColumns
	if max <= 0 {
		max = DefaultLimits.MaxColumns
	}
	if int(table.NumCols()) > max {
		return rhizoerr.SchemaTooWide(int(table.NumCols()), max)
	}
	maxBytes := limits.MaxTableSizeBytes
	if maxBytes <= 0 {
		maxBytes = DefaultLimits.MaxTableSizeBytes
	}
	if approxBytes > maxBytes {
		return rhizoerr.SizeLimitExceeded(
			fmt.Sprintf("table is %s, exceeds max_table_size_bytes=%s",
				humanize.IBytes(uint64(approxBytes)), humanize.IBytes(uint64(maxBytes))))
	}
	return nil
}

func openReader(data []byte) (*pqarrow.FileReader, error) {
	pf, err := file.NewParquetReader(bytes.NewReader(data))
	if err != nil {
		return nil, rhizoerr.Wrap(rhizoerr.KindCorruptedChunk, err, "codec: open parquet footer")
	}
	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	if err != nil {
		return nil, rhizoerr.Wrap(rhizoerr.KindCorruptedChunk, err, "codec: build arrow reader")
	}
	return fr, nil
}

func allRowGroups(fr *pqarrow.FileReader) []int {
	n := fr.ParquetReader().NumRowGroups()
	rg := make([]int, n)
	for i := range rg {
		rg[i] = i
	}
	return rg
}

// Decode performs a full decode of chunk bytes to an Arrow Table.
func Decode(data []byte) (arrow.Table, error) {
	fr, err := openReader(data)
	if err != nil {
		return nil, err
	}
	tbl, err := fr.ReadTable(context.Background())
	if err != nil {
		return nil, rhizoerr.Wrap(rhizoerr.KindCorruptedChunk, err, "codec: decode parquet chunk")
	}
	return tbl, nil
}

// DecodeColumns performs projection pushdown: only the named columns are
// read out of the Parquet column groups.
func DecodeColumns(data []byte, columns []string) (arrow.Table, error) {
	fr, err := openReader(data)
	if err != nil {
		return nil, err
	}
	schema, err := fr.Schema()
	if err != nil {
		return nil, rhizoerr.Wrap(rhizoerr.KindCorruptedChunk, err, "codec: read parquet schema")
	}

	indices := make([]int, 0, len(columns))
	for _, name := range columns {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return nil, rhizoerr.InvalidColumn(name)
		}
		indices = append(indices, idx...)
	}

	tbl, err := fr.ReadRowGroups(context.Background(), indices, allRowGroups(fr))
	if err != nil {
		return nil, rhizoerr.Wrap(rhizoerr.KindCorruptedChunk, err, "codec: decode parquet chunk with projection")
	}
	return tbl, nil
}

// DecodeWithFilter performs projection (if columns is non-empty) followed
// by predicate pushdown: filters is a conjunction of simple row predicates,
// evaluated after the Parquet-level column read. On an empty result it
// returns rhizoerr's EmptyResult so the caller can substitute an empty
// table carrying the projected schema.
func DecodeWithFilter(data []byte, columns []string, filters []Filter) (arrow.Table, error) {
	var tbl arrow.Table
	var err error
	if len(columns) > 0 {
		tbl, err = DecodeColumns(data, columns)
	} else {
		tbl, err = Decode(data)
	}
	if err != nil {
		return nil, err
	}
	defer tbl.Release()

	filtered, err := applyFilters(tbl, filters)
	if err != nil {
		return nil, err
	}
	if filtered.NumRows() == 0 {
		filtered.Release()
		return nil, rhizoerr.EmptyResult()
	}
	return filtered, nil
}
