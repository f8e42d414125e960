package chunker_test

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rhizodata/rhizo/chunker"
	"github.com/stretchr/testify/require"
)

func buildTable(t *testing.T, numRows int64) arrow.Table {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{{Name: "id", Type: arrow.PrimitiveTypes.Int64}}, nil)
	builder := array.NewInt64Builder(memory.DefaultAllocator)
	defer builder.Release()
	for i := int64(0); i < numRows; i++ {
		builder.Append(i)
	}
	col := builder.NewInt64Array()
	defer col.Release()
	rec := array.NewRecord(schema, []arrow.Array{col}, numRows)
	defer rec.Release()
	tbl := array.NewTableFromRecords(schema, []arrow.Record{rec})
	return tbl
}

func constantEstimator(bytesPerRow float64) chunker.SampleEstimator {
	return func(table arrow.Table, sampleRows int64) (float64, error) {
		return bytesPerRow, nil
	}
}

func TestPlanRejectsEmptyTable(t *testing.T) {
	tbl := buildTable(t, 0)
	defer tbl.Release()
	_, _, err := chunker.Plan(tbl, chunker.Options{}, constantEstimator(8))
	require.Error(t, err)
}

func TestPlanSingleChunkWhenUnderTarget(t *testing.T) {
	tbl := buildTable(t, 100)
	defer tbl.Release()
	chunks, rowsPerChunk, err := chunker.Plan(tbl, chunker.Options{TargetBytes: 1 << 20}, constantEstimator(8))
	require.NoError(t, err)
	require.Equal(t, []chunker.Chunk{{Offset: 0, Length: 100}}, chunks)
	require.GreaterOrEqual(t, rowsPerChunk, int64(100))
}

func TestPlanSplitsByByteEstimate(t *testing.T) {
	tbl := buildTable(t, 5000)
	defer tbl.Release()
	// 8 bytes/row, 8000-byte target => 1000 rows/chunk (clamped to the
	// MinRowsPerChunk floor anyway).
	chunks, rowsPerChunk, err := chunker.Plan(tbl, chunker.Options{TargetBytes: 8000}, constantEstimator(8))
	require.NoError(t, err)
	require.Equal(t, int64(1000), rowsPerChunk)
	require.Len(t, chunks, 5)
	require.Equal(t, chunker.Chunk{Offset: 0, Length: 1000}, chunks[0])
	require.Equal(t, chunker.Chunk{Offset: 4000, Length: 1000}, chunks[4])
}

func TestPlanRespectsExplicitRowsPerChunk(t *testing.T) {
	tbl := buildTable(t, 2500)
	defer tbl.Release()
	chunks, rowsPerChunk, err := chunker.Plan(tbl, chunker.Options{RowsPerChunk: 1000}, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1000), rowsPerChunk)
	require.Len(t, chunks, 3)
	require.Equal(t, chunker.Chunk{Offset: 2000, Length: 500}, chunks[2])
}

func TestPlanClampsRowsPerChunkToMinimum(t *testing.T) {
	tbl := buildTable(t, 50000)
	defer tbl.Release()
	// Huge bytes/row estimate would compute under MinRowsPerChunk; the
	// floor must still apply.
	chunks, rowsPerChunk, err := chunker.Plan(tbl, chunker.Options{TargetBytes: 1000}, constantEstimator(100))
	require.NoError(t, err)
	require.Equal(t, int64(chunker.MinRowsPerChunk), rowsPerChunk)
	require.Equal(t, int64(chunker.MinRowsPerChunk), chunks[0].Length)
}
