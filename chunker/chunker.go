// Package chunker implements spec.md section 4.2's chunk planning: given an
// in-memory Arrow table, decide the row ranges that become independent
// Parquet chunks, sized so each chunk's uncompressed footprint is close to
// a target byte budget.
package chunker

import (
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/rhizodata/rhizo/rhizoerr"
)

// Defaults mirror spec.md section 4.2 and the configuration table in
// section 6.
const (
	DefaultTargetBytes = 64 << 20 // 64 MiB
	MinRowsPerChunk    = 1000
	MaxRowsPerChunk    = 10_000_000
	SampleRows         = 1000
)

// Options configures chunk planning for one table.
type Options struct {
	// TargetBytes is the desired Parquet size per chunk, in the bytes the
	// SampleEstimator measures. Zero means DefaultTargetBytes.
	TargetBytes int64
	// RowsPerChunk, if positive, overrides byte-based estimation entirely.
	RowsPerChunk int64
}

// Chunk is one contiguous row range of the source table.
type Chunk struct {
	Offset int64
	Length int64
}

// SampleEstimator measures the encoded size of the first sampleRows rows of
// table and returns bytes per row. The chunker package has no Parquet
// encoding of its own; the codec package supplies this callback (by
// encoding an `array.NewTableReader(table, sampleRows)` prefix batch and
// dividing by its row count) so chunker never needs to import codec. That
// callback, codec.EncodeRange, encodes with the same zstd-compressed writer
// settings as real chunks, so with it the estimate and TargetBytes count
// compressed Parquet bytes, not uncompressed ones.
type SampleEstimator func(table arrow.Table, sampleRows int64) (bytesPerRow float64, err error)

// Plan divides table into chunks according to opts and returns both the
// resulting row ranges (for reporting/logging: chunk_count, per-chunk row
// counts) and the rowsPerChunk value itself, which the codec package uses
// directly with `array.NewTableReader(table, rowsPerChunk)` to produce the
// matching RecordBatches — Plan never slices the table itself. A table with
// zero rows is rejected (spec.md section 4.2: "Empty tables are rejected").
// A table whose full row count already fits under the target chunk size
// becomes a single chunk.
func Plan(table arrow.Table, opts Options, estimate SampleEstimator) (chunks []Chunk, rowsPerChunk int64, err error) {
	totalRows := table.NumRows()
	if totalRows == 0 {
		return nil, 0, rhizoerr.EmptyTable("")
	}

	rowsPerChunk = opts.RowsPerChunk
	if rowsPerChunk <= 0 {
		target := opts.TargetBytes
		if target <= 0 {
			target = DefaultTargetBytes
		}

		sampleRows := totalRows
		if sampleRows > SampleRows {
			sampleRows = SampleRows
		}
		bytesPerRow, err := estimate(table, sampleRows)
		if err != nil {
			return nil, 0, err
		}
		if bytesPerRow <= 0 {
			bytesPerRow = 1
		}

		rowsPerChunk = int64(float64(target) / bytesPerRow)
		if rowsPerChunk < MinRowsPerChunk {
			rowsPerChunk = MinRowsPerChunk
		}
		if rowsPerChunk > MaxRowsPerChunk {
			rowsPerChunk = MaxRowsPerChunk
		}
	}

	if rowsPerChunk >= totalRows {
		return []Chunk{{Offset: 0, Length: totalRows}}, rowsPerChunk, nil
	}

	chunks = make([]Chunk, 0, (totalRows+rowsPerChunk-1)/rowsPerChunk)
	for offset := int64(0); offset < totalRows; offset += rowsPerChunk {
		length := rowsPerChunk
		if offset+length > totalRows {
			length = totalRows - offset
		}
		chunks = append(chunks, Chunk{Offset: offset, Length: length})
	}
	return chunks, rowsPerChunk, nil
}
