package rhizo_test

import (
	"testing"

	"github.com/rhizodata/rhizo"
	"github.com/rhizodata/rhizo/codec"
	"github.com/stretchr/testify/require"
)

func TestWriteThenRead(t *testing.T) {
	e := openEngine(t)
	tbl := buildTable(t, []int64{1, 2}, []string{"Alice", "Bob"})
	defer tbl.Release()

	result, err := e.Writer("").Write("users", tbl, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), result.Version)
	require.Equal(t, 1, result.ChunkCount)
	require.Equal(t, int64(2), result.TotalRows)

	read, err := e.Reader("").Read("users", 0, nil, nil)
	require.NoError(t, err)
	defer read.Release()
	require.Equal(t, int64(2), read.NumRows())

	versions, err := e.Reader("").ListVersions("users")
	require.NoError(t, err)
	require.Equal(t, []int64{1}, versions)
}

func TestTimeTravel(t *testing.T) {
	e := openEngine(t)
	v1 := buildTable(t, []int64{1}, []string{"Alice"})
	defer v1.Release()
	v2 := buildTable(t, []int64{1, 2}, []string{"Alice", "Bob"})
	defer v2.Release()

	_, err := e.Writer("").Write("users", v1, "")
	require.NoError(t, err)
	_, err = e.Writer("").Write("users", v2, "")
	require.NoError(t, err)

	old, err := e.Reader("").Read("users", 1, nil, nil)
	require.NoError(t, err)
	defer old.Release()
	require.Equal(t, int64(1), old.NumRows())

	latest, err := e.Reader("").Read("users", 0, nil, nil)
	require.NoError(t, err)
	defer latest.Release()
	require.Equal(t, int64(2), latest.NumRows())

	versions, err := e.Reader("").ListVersions("users")
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2}, versions)
}

func TestReadRejectsUnknownTable(t *testing.T) {
	e := openEngine(t)
	_, err := e.Reader("").Read("nope", 0, nil, nil)
	require.Error(t, err)
}

func TestWriteRejectsEmptyTable(t *testing.T) {
	e := openEngine(t)
	empty := buildTable(t, nil, nil)
	defer empty.Release()
	_, err := e.Writer("").Write("users", empty, "")
	require.Error(t, err)
}

func TestWriteEnforcesMaxColumns(t *testing.T) {
	dir := t.TempDir()
	opts := rhizo.DefaultOptions()
	opts.MaxColumns = 1
	e, err := rhizo.Open(dir, opts, nil)
	require.NoError(t, err)

	tbl := buildTable(t, []int64{1}, []string{"Alice"})
	defer tbl.Release()

	_, err = e.Writer("").Write("users", tbl, "")
	require.Error(t, err)
}

func TestReadWithProjectionAndFilter(t *testing.T) {
	e := openEngine(t)
	tbl := buildTable(t, []int64{1, 2, 3, 4, 5}, []string{"a", "b", "c", "d", "e"})
	defer tbl.Release()
	_, err := e.Writer("").Write("users", tbl, "")
	require.NoError(t, err)

	result, err := e.Reader("").Read("users", 0, []string{"id"}, []codec.Filter{
		{Column: "id", Op: codec.OpLt, Literal: int64(3)},
	})
	require.NoError(t, err)
	defer result.Release()
	require.Equal(t, int64(1), result.NumCols())
	require.Equal(t, int64(2), result.NumRows())
}

func TestReadReturnsEmptyTableWhenFilterMatchesNothing(t *testing.T) {
	e := openEngine(t)
	tbl := buildTable(t, []int64{1, 2, 3}, []string{"a", "b", "c"})
	defer tbl.Release()
	_, err := e.Writer("").Write("users", tbl, "")
	require.NoError(t, err)

	result, err := e.Reader("").Read("users", 0, nil, []codec.Filter{
		{Column: "id", Op: codec.OpGt, Literal: int64(1000)},
	})
	require.NoError(t, err)
	defer result.Release()
	require.Equal(t, int64(0), result.NumRows())
	require.Equal(t, int64(2), result.NumCols())
}

func TestIterChunksSkipsEmptyChunks(t *testing.T) {
	tbl := buildTable(t, []int64{1, 2, 3, 4}, []string{"a", "b", "c", "d"})
	defer tbl.Release()

	opts := rhizo.DefaultOptions()
	opts.ChunkSizeRows = 2
	dir := t.TempDir()
	e, err := rhizo.Open(dir, opts, nil)
	require.NoError(t, err)
	_, err = e.Writer("").Write("users", tbl, "")
	require.NoError(t, err)

	it, err := e.Reader("").IterChunks("users", 0, nil, []codec.Filter{
		{Column: "id", Op: codec.OpLt, Literal: int64(3)},
	})
	require.NoError(t, err)

	var totalRows int64
	for {
		chunk, ok, err := it.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		totalRows += chunk.NumRows()
		chunk.Release()
	}
	require.Equal(t, int64(2), totalRows)
}

func TestRepeatedReadHitsTableCache(t *testing.T) {
	e := openEngine(t)
	tbl := buildTable(t, []int64{1, 2}, []string{"Alice", "Bob"})
	defer tbl.Release()
	_, err := e.Writer("").Write("users", tbl, "")
	require.NoError(t, err)

	first, err := e.Reader("").Read("users", 0, nil, nil)
	require.NoError(t, err)
	first.Release()

	second, err := e.Reader("").Read("users", 0, nil, nil)
	require.NoError(t, err)
	second.Release()

	require.Greater(t, e.Cache().TableStats().Hits, int64(0))
}

func TestWriteInvalidatesTableCache(t *testing.T) {
	e := openEngine(t)
	v1 := buildTable(t, []int64{1}, []string{"Alice"})
	defer v1.Release()
	v2 := buildTable(t, []int64{1, 2}, []string{"Alice", "Bob"})
	defer v2.Release()

	_, err := e.Writer("").Write("users", v1, "")
	require.NoError(t, err)
	read1, err := e.Reader("").Read("users", 0, nil, nil)
	require.NoError(t, err)
	read1.Release()

	_, err = e.Writer("").Write("users", v2, "")
	require.NoError(t, err)

	read2, err := e.Reader("").Read("users", 0, nil, nil)
	require.NoError(t, err)
	defer read2.Release()
	require.Equal(t, int64(2), read2.NumRows())
}
