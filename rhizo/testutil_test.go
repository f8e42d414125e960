package rhizo_test

import (
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rhizodata/rhizo"
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

func openEngine(t *testing.T) *rhizo.Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := rhizo.Open(dir, rhizo.DefaultOptions(), nil)
	if err != nil {
		t.Fatalf("rhizo.Open: %v", err)
	}
	return e
}
