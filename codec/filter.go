package codec

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rhizodata/rhizo/rhizoerr"
)

// Op is one of the six comparison operators spec.md section 4.4's filter
// algebra allows.
type Op string

const (
	OpEq  Op = "="
	OpNeq Op = "!="
	OpLt  Op = "<"
	OpLte Op = "<="
	OpGt  Op = ">"
	OpGte Op = ">="
)

// Filter is one row predicate: (column, op, literal). Literal holds a typed
// Go value (int64, float64, string, or bool) compared against the named
// column. Multiple Filters passed to DecodeWithFilter are conjoined (AND).
type Filter struct {
	Column  string
	Op      Op
	Literal any
}

// ApplyFilters evaluates filters against an already-decoded, already-
// projected table. Exported for callers (the rhizo facade's Reader) that
// apply filtering in memory after assembling a full table from cache or
// chunks, rather than through DecodeWithFilter's Parquet-backed path —
// licensed by spec.md section 8's property that read(t,v,C,F) equals
// applying F then selecting C on the full read(t,v).
func ApplyFilters(tbl arrow.Table, filters []Filter) (arrow.Table, error) {
	return applyFilters(tbl, filters)
}

// applyFilters evaluates every filter against tbl and returns a new table
// containing only the rows that satisfy all of them (logical AND). No
// row-group or page-level skipping happens before this: the decode path
// reads every row group, and this row-level evaluation is the only place
// filters are applied.
func applyFilters(tbl arrow.Table, filters []Filter) (arrow.Table, error) {
	if len(filters) == 0 {
		tbl.Retain()
		return tbl, nil
	}

	preds := make([]rowPredicate, len(filters))
	for i, f := range filters {
		p, err := compileFilter(tbl.Schema(), f)
		if err != nil {
			return nil, err
		}
		preds[i] = p
	}

	reader := array.NewTableReader(tbl, tbl.NumRows())
	defer reader.Release()

	var filteredRecs []arrow.Record
	for reader.Next() {
		rec := reader.Record()
		keep := make([]bool, rec.NumRows())
		for i := range keep {
			keep[i] = true
		}
		for _, p := range preds {
			p(rec, keep)
		}
		fr, err := selectRows(rec, keep)
		if err != nil {
			return nil, err
		}
		if fr.NumRows() > 0 {
			filteredRecs = append(filteredRecs, fr)
		} else {
			fr.Release()
		}
	}
	if err := reader.Err(); err != nil {
		return nil, rhizoerr.Wrap(rhizoerr.KindIO, err, "codec: scan table for filter evaluation")
	}

	result := array.NewTableFromRecords(tbl.Schema(), filteredRecs)
	for _, r := range filteredRecs {
		r.Release()
	}
	return result, nil
}

// rowPredicate narrows keep in place: keep[i] is ANDed with whether row i of
// rec satisfies the predicate.
type rowPredicate func(rec arrow.Record, keep []bool)

func compileFilter(schema *arrow.Schema, f Filter) (rowPredicate, error) {
	idx := schema.FieldIndices(f.Column)
	if len(idx) == 0 {
		return nil, rhizoerr.InvalidColumn(f.Column)
	}
	col := idx[0]

	switch lit := f.Literal.(type) {
	case int64:
		return compareInt64(col, f.Op, lit)
	case int:
		return compareInt64(col, f.Op, int64(lit))
	case float64:
		return compareFloat64(col, f.Op, lit)
	case string:
		return compareString(col, f.Op, lit)
	case bool:
		return compareBool(col, f.Op, lit)
	default:
		return nil, rhizoerr.InvalidFilter("unsupported literal type for filter column " + f.Column)
	}
}

func compareInt64(col int, op Op, lit int64) (rowPredicate, error) {
	cmp, err := intOp(op)
	if err != nil {
		return nil, err
	}
	return func(rec arrow.Record, keep []bool) {
		arr, ok := rec.Column(col).(*array.Int64)
		if !ok {
			for i := range keep {
				keep[i] = false
			}
			return
		}
		for i := range keep {
			if !keep[i] {
				continue
			}
			if arr.IsNull(i) || !cmp(arr.Value(i), lit) {
				keep[i] = false
			}
		}
	}, nil
}

func compareFloat64(col int, op Op, lit float64) (rowPredicate, error) {
	cmp, err := floatOp(op)
	if err != nil {
		return nil, err
	}
	return func(rec arrow.Record, keep []bool) {
		arr, ok := rec.Column(col).(*array.Float64)
		if !ok {
			for i := range keep {
				keep[i] = false
			}
			return
		}
		for i := range keep {
			if !keep[i] {
				continue
			}
			if arr.IsNull(i) || !cmp(arr.Value(i), lit) {
				keep[i] = false
			}
		}
	}, nil
}

func compareString(col int, op Op, lit string) (rowPredicate, error) {
	cmp, err := stringOp(op)
	if err != nil {
		return nil, err
	}
	return func(rec arrow.Record, keep []bool) {
		arr, ok := rec.Column(col).(*array.String)
		if !ok {
			for i := range keep {
				keep[i] = false
			}
			return
		}
		for i := range keep {
			if !keep[i] {
				continue
			}
			if arr.IsNull(i) || !cmp(arr.Value(i), lit) {
				keep[i] = false
			}
		}
	}, nil
}

func compareBool(col int, op Op, lit bool) (rowPredicate, error) {
	if op != OpEq && op != OpNeq {
		return nil, rhizoerr.InvalidFilter("boolean columns only support = and !=")
	}
	want := lit
	if op == OpNeq {
		want = !lit
	}
	return func(rec arrow.Record, keep []bool) {
		arr, ok := rec.Column(col).(*array.Boolean)
		if !ok {
			for i := range keep {
				keep[i] = false
			}
			return
		}
		for i := range keep {
			if !keep[i] {
				continue
			}
			if arr.IsNull(i) || arr.Value(i) != want {
				keep[i] = false
			}
		}
	}, nil
}

func intOp(op Op) (func(a, b int64) bool, error) {
	switch op {
	case OpEq:
		return func(a, b int64) bool { return a == b }, nil
	case OpNeq:
		return func(a, b int64) bool { return a != b }, nil
	case OpLt:
		return func(a, b int64) bool { return a < b }, nil
	case OpLte:
		return func(a, b int64) bool { return a <= b }, nil
	case OpGt:
		return func(a, b int64) bool { return a > b }, nil
	case OpGte:
		return func(a, b int64) bool { return a >= b }, nil
	default:
		return nil, rhizoerr.InvalidFilter("unknown operator " + string(op))
	}
}

func floatOp(op Op) (func(a, b float64) bool, error) {
	switch op {
	case OpEq:
		return func(a, b float64) bool { return a == b }, nil
	case OpNeq:
		return func(a, b float64) bool { return a != b }, nil
	case OpLt:
		return func(a, b float64) bool { return a < b }, nil
	case OpLte:
		return func(a, b float64) bool { return a <= b }, nil
	case OpGt:
		return func(a, b float64) bool { return a > b }, nil
	case OpGte:
		return func(a, b float64) bool { return a >= b }, nil
	default:
		return nil, rhizoerr.InvalidFilter("unknown operator " + string(op))
	}
}

func stringOp(op Op) (func(a, b string) bool, error) {
	switch op {
	case OpEq:
		return func(a, b string) bool { return a == b }, nil
	case OpNeq:
		return func(a, b string) bool { return a != b }, nil
	case OpLt:
		return func(a, b string) bool { return a < b }, nil
	case OpLte:
		return func(a, b string) bool { return a <= b }, nil
	case OpGt:
		return func(a, b string) bool { return a > b }, nil
	case OpGte:
		return func(a, b string) bool { return a >= b }, nil
	default:
		return nil, rhizoerr.InvalidFilter("unknown operator " + string(op))
	}
}

// selectRows builds a new record containing only the rows where keep is
// true, preserving column order and types via each builder's AppendValueFromString-free
// typed Append, driven off the source array's own Value/IsNull accessors.
func selectRows(rec arrow.Record, keep []bool) (arrow.Record, error) {
	cols := make([]arrow.Array, rec.NumCols())
	var numRows int64
	for i := range keep {
		if keep[i] {
			numRows++
		}
	}
	for c := 0; c < int(rec.NumCols()); c++ {
		arr, err := filterArray(rec.Column(c), keep)
		if err != nil {
			return nil, err
		}
		cols[c] = arr
	}
	out := array.NewRecord(rec.Schema(), cols, numRows)
	for _, c := range cols {
		c.Release()
	}
	return out, nil
}

func filterArray(arr arrow.Array, keep []bool) (arrow.Array, error) {
	switch a := arr.(type) {
	case *array.Int64:
		b := array.NewInt64Builder(memory.DefaultAllocator)
		defer b.Release()
		for i, k := range keep {
			if !k {
				continue
			}
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewInt64Array(), nil
	case *array.Float64:
		b := array.NewFloat64Builder(memory.DefaultAllocator)
		defer b.Release()
		for i, k := range keep {
			if !k {
				continue
			}
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewFloat64Array(), nil
	case *array.String:
		b := array.NewStringBuilder(memory.DefaultAllocator)
		defer b.Release()
		for i, k := range keep {
			if !k {
				continue
			}
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewStringArray(), nil
	case *array.Boolean:
		b := array.NewBooleanBuilder(memory.DefaultAllocator)
		defer b.Release()
		for i, k := range keep {
			if !k {
				continue
			}
			if a.IsNull(i) {
				b.AppendNull()
			} else {
				b.Append(a.Value(i))
			}
		}
		return b.NewBooleanArray(), nil
	default:
		// Any other Arrow type (Int32, Timestamp, Date32, ...) is carried
		// through row-selected rather than rejected: the filter predicates
		// above only ever compare int64/float64/string/bool columns, but a
		// table is free to contain other column types spec.md never
		// restricts, and selecting rows on one column must not fail a read
		// just because a sibling column has a type compileFilter doesn't
		// know.
		return filterArrayGeneric(arr, keep)
	}
}

// filterArrayGeneric row-selects arr by slicing out each contiguous run of
// kept rows and concatenating the runs, which works for any Arrow array
// type since array.NewSlice/array.Concatenate operate on the underlying
// buffers, not on typed values.
func filterArrayGeneric(arr arrow.Array, keep []bool) (arrow.Array, error) {
	var runs []arrow.Array
	defer func() {
		for _, r := range runs {
			r.Release()
		}
	}()

	start := -1
	for i := 0; i <= len(keep); i++ {
		k := i < len(keep) && keep[i]
		switch {
		case k && start < 0:
			start = i
		case !k && start >= 0:
			runs = append(runs, array.NewSlice(arr, int64(start), int64(i)))
			start = -1
		}
	}
	if len(runs) == 0 {
		return array.NewSlice(arr, 0, 0), nil
	}

	result, err := array.Concatenate(runs, memory.DefaultAllocator)
	if err != nil {
		return nil, rhizoerr.Wrap(rhizoerr.KindIO, err, "codec: concatenate filtered rows")
	}
	return result, nil
}
