package codec_test

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rhizodata/rhizo/codec"
	"github.com/stretchr/testify/require"
)

func buildTable(t *testing.T, ids []int64, names []string) arrow.Table {
	t.Helper()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "id", Type: arrow.PrimitiveTypes.Int64},
		{Name: "name", Type: arrow.BinaryTypes.String},
	}, nil)

	idB := array.NewInt64Builder(memory.DefaultAllocator)
	defer idB.Release()
	idB.AppendValues(ids, nil)
	idArr := idB.NewInt64Array()
	defer idArr.Release()

	nameB := array.NewStringBuilder(memory.DefaultAllocator)
	defer nameB.Release()
	nameB.AppendValues(names, nil)
	nameArr := nameB.NewStringArray()
	defer nameArr.Release()

	rec := array.NewRecord(schema, []arrow.Array{idArr, nameArr}, int64(len(ids)))
	defer rec.Release()
	return array.NewTableFromRecords(schema, []arrow.Record{rec})
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tbl := buildTable(t, []int64{1, 2, 3}, []string{"a", "b", "c"})
	defer tbl.Release()

	chunks, err := codec.EncodeChunks(tbl, 10)
	require.NoError(t, err)
	require.Len(t, chunks, 1)

	decoded, err := codec.Decode(chunks[0])
	require.NoError(t, err)
	defer decoded.Release()
	require.Equal(t, int64(3), decoded.NumRows())
	require.Equal(t, int64(2), decoded.NumCols())
}

func TestEncodeChunksSplitsByRowCount(t *testing.T) {
	tbl := buildTable(t, []int64{1, 2, 3, 4, 5}, []string{"a", "b", "c", "d", "e"})
	defer tbl.Release()

	chunks, err := codec.EncodeChunks(tbl, 2)
	require.NoError(t, err)
	require.Len(t, chunks, 3)
}

func TestDecodeColumnsProjectsSchema(t *testing.T) {
	tbl := buildTable(t, []int64{1, 2}, []string{"a", "b"})
	defer tbl.Release()

	chunks, err := codec.EncodeChunks(tbl, 10)
	require.NoError(t, err)

	projected, err := codec.DecodeColumns(chunks[0], []string{"name"})
	require.NoError(t, err)
	defer projected.Release()
	require.Equal(t, int64(1), projected.NumCols())
	require.Equal(t, "name", projected.Schema().Field(0).Name)
}

func TestDecodeColumnsRejectsUnknownColumn(t *testing.T) {
	tbl := buildTable(t, []int64{1}, []string{"a"})
	defer tbl.Release()

	chunks, err := codec.EncodeChunks(tbl, 10)
	require.NoError(t, err)

	_, err = codec.DecodeColumns(chunks[0], []string{"nope"})
	require.Error(t, err)
}

func TestDecodeWithFilterMatchesPredicate(t *testing.T) {
	tbl := buildTable(t, []int64{1, 2, 3, 4, 5}, []string{"a", "b", "c", "d", "e"})
	defer tbl.Release()

	chunks, err := codec.EncodeChunks(tbl, 10)
	require.NoError(t, err)

	filtered, err := codec.DecodeWithFilter(chunks[0], nil, []codec.Filter{
		{Column: "id", Op: codec.OpLt, Literal: int64(3)},
	})
	require.NoError(t, err)
	defer filtered.Release()
	require.Equal(t, int64(2), filtered.NumRows())
}

func TestDecodeWithFilterReturnsEmptyResultOnZeroMatches(t *testing.T) {
	tbl := buildTable(t, []int64{1, 2, 3}, []string{"a", "b", "c"})
	defer tbl.Release()

	chunks, err := codec.EncodeChunks(tbl, 10)
	require.NoError(t, err)

	_, err = codec.DecodeWithFilter(chunks[0], nil, []codec.Filter{
		{Column: "id", Op: codec.OpGt, Literal: int64(100)},
	})
	require.Error(t, err)
}

func TestDecodeWithFilterConjoinsMultiplePredicates(t *testing.T) {
	tbl := buildTable(t, []int64{1, 2, 3, 4, 5}, []string{"a", "b", "c", "d", "e"})
	defer tbl.Release()

	chunks, err := codec.EncodeChunks(tbl, 10)
	require.NoError(t, err)

	filtered, err := codec.DecodeWithFilter(chunks[0], []string{"id"}, []codec.Filter{
		{Column: "id", Op: codec.OpGte, Literal: int64(2)},
		{Column: "id", Op: codec.OpLte, Literal: int64(4)},
	})
	require.NoError(t, err)
	defer filtered.Release()
	require.Equal(t, int64(3), filtered.NumRows())
	require.Equal(t, int64(1), filtered.NumCols())
}

func TestCheckLimitsRejectsTooManyColumns(t *testing.T) {
	tbl := buildTable(t, []int64{1}, []string{"a"})
	defer tbl.Release()

	err := codec.CheckLimits(tbl, 100, codec.Limits{MaxColumns: 1})
	require.Error(t, err)
}

func TestCheckLimitsRejectsOversizedTable(t *testing.T) {
	tbl := buildTable(t, []int64{1}, []string{"a"})
	defer tbl.Release()

	err := codec.CheckLimits(tbl, 1<<20, codec.Limits{MaxTableSizeBytes: 100})
	require.Error(t, err)
}

func TestCheckLimitsAcceptsWithinDefaultBudget(t *testing.T) {
	tbl := buildTable(t, []int64{1, 2}, []string{"a", "b"})
	defer tbl.Release()

	err := codec.CheckLimits(tbl, 1024, codec.Limits{})
	require.NoError(t, err)
}
