// Package results converts experiment outputs to Arrow records and ships
// them to files or a Flight endpoint.
package results

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-circuit/internal/experiment"
	"github.com/23skdu/longbow-circuit/internal/tensor"
)

const (
	colEdgeCount = "edge_count"
	colBatch     = "batch"
	colRow       = "row"
	colLogits    = "logits"
	colKLClean   = "kl_clean"
	colKLCorrupt = "kl_corrupt"
)

// OutputsSchema lays out pruned outputs: one row per example per checkpoint.
func OutputsSchema(width int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: colEdgeCount, Type: arrow.PrimitiveTypes.Int64},
		{Name: colBatch, Type: arrow.PrimitiveTypes.Int64},
		{Name: colRow, Type: arrow.PrimitiveTypes.Int64},
		{Name: colLogits, Type: arrow.FixedSizeListOf(int32(width), arrow.PrimitiveTypes.Float32)},
	}, nil)
}

func SummarySchema() *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: colEdgeCount, Type: arrow.PrimitiveTypes.Int64},
		{Name: colKLClean, Type: arrow.PrimitiveTypes.Float64},
		{Name: colKLCorrupt, Type: arrow.PrimitiveTypes.Float64},
	}, nil)
}

// rowsOf views t as [rows, width]; outputs of rank below 2 are one row.
func rowsOf(t *tensor.Tensor) (rows, width int) {
	if t.Dims() < 2 {
		return 1, t.Len()
	}
	rows = t.Dim(0)
	if rows == 0 {
		return 0, 0
	}
	return rows, t.Len() / rows
}

// OutputsRecord flattens pruned into a single record, checkpoints ascending.
// With no recorded checkpoints the record is empty, with zero-width logits.
// The caller owns the returned record.
func OutputsRecord(mem memory.Allocator, pruned experiment.PrunedOuts) (arrow.Record, error) {
	counts := pruned.EdgeCounts()
	width := 0
	for _, n := range counts {
		if len(pruned[n]) > 0 {
			_, width = rowsOf(pruned[n][0])
			break
		}
	}

	bldr := array.NewRecordBuilder(mem, OutputsSchema(width))
	defer bldr.Release()
	edgeCol := bldr.Field(0).(*array.Int64Builder)
	batchCol := bldr.Field(1).(*array.Int64Builder)
	rowCol := bldr.Field(2).(*array.Int64Builder)
	logits := bldr.Field(3).(*array.FixedSizeListBuilder)
	values := logits.ValueBuilder().(*array.Float32Builder)

	for _, n := range counts {
		for b, out := range pruned[n] {
			rows, w := rowsOf(out)
			if w != width {
				return nil, fmt.Errorf("checkpoint %d batch %d: row width %d, want %d", n, b, w, width)
			}
			data := out.Data()
			for r := 0; r < rows; r++ {
				edgeCol.Append(int64(n))
				batchCol.Append(int64(b))
				rowCol.Append(int64(r))
				logits.Append(true)
				values.AppendValues(data[r*width:(r+1)*width], nil)
			}
		}
	}
	return bldr.NewRecord(), nil
}

// SummaryRecord converts divergence rows. The caller owns the returned record.
func SummaryRecord(mem memory.Allocator, rows []experiment.Row) arrow.Record {
	bldr := array.NewRecordBuilder(mem, SummarySchema())
	defer bldr.Release()
	for _, r := range rows {
		bldr.Field(0).(*array.Int64Builder).Append(int64(r.EdgeCount))
		bldr.Field(1).(*array.Float64Builder).Append(r.KLClean)
		bldr.Field(2).(*array.Float64Builder).Append(r.KLCorrupt)
	}
	return bldr.NewRecord()
}

// WriteStream writes rec as a single-record Arrow IPC stream.
func WriteStream(w io.Writer, rec arrow.Record) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		writer.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close IPC writer: %w", err)
	}
	return nil
}

func readStream(r io.Reader, want *arrow.Schema, fn func(arrow.Record) error) error {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return fmt.Errorf("failed to open IPC stream: %w", err)
	}
	defer rdr.Release()

	got := rdr.Schema()
	if got.NumFields() != want.NumFields() {
		return fmt.Errorf("unexpected schema: %s", got)
	}
	for i := 0; i < want.NumFields(); i++ {
		if got.Field(i).Name != want.Field(i).Name {
			return fmt.Errorf("unexpected schema: %s", got)
		}
	}
	for rdr.Next() {
		if err := fn(rdr.Record()); err != nil {
			return err
		}
	}
	if err := rdr.Err(); err != nil {
		return fmt.Errorf("failed to read IPC stream: %w", err)
	}
	return nil
}

// ReadSummary reads divergence rows written by WriteStream(SummaryRecord(...)).
func ReadSummary(r io.Reader) ([]experiment.Row, error) {
	var rows []experiment.Row
	err := readStream(r, SummarySchema(), func(rec arrow.Record) error {
		n := rec.Column(0).(*array.Int64)
		c := rec.Column(1).(*array.Float64)
		k := rec.Column(2).(*array.Float64)
		for i := 0; i < int(rec.NumRows()); i++ {
			rows = append(rows, experiment.Row{EdgeCount: int(n.Value(i)), KLClean: c.Value(i), KLCorrupt: k.Value(i)})
		}
		return nil
	})
	return rows, err
}

// ReadOutputs rebuilds pruned outputs as [rows, width] tensors.
func ReadOutputs(r io.Reader) (experiment.PrunedOuts, error) {
	type key struct{ n, b int }
	flat := make(map[key][]float32)
	rowCount := make(map[key]int)
	width := 0

	err := readStream(r, OutputsSchema(0), func(rec arrow.Record) error {
		n := rec.Column(0).(*array.Int64)
		b := rec.Column(1).(*array.Int64)
		list, ok := rec.Column(3).(*array.FixedSizeList)
		if !ok {
			return fmt.Errorf("logits column is %s", rec.Column(3).DataType())
		}
		width = int(list.DataType().(*arrow.FixedSizeListType).Len())
		vals := list.ListValues().(*array.Float32).Float32Values()
		start := list.Data().Offset() * width
		for i := 0; i < int(rec.NumRows()); i++ {
			k := key{int(n.Value(i)), int(b.Value(i))}
			off := start + i*width
			flat[k] = append(flat[k], vals[off:off+width]...)
			rowCount[k]++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	pruned := make(experiment.PrunedOuts)
	for k := range flat {
		if len(pruned[k.n]) <= k.b {
			grown := make([]*tensor.Tensor, k.b+1)
			copy(grown, pruned[k.n])
			pruned[k.n] = grown
		}
		t, err := tensor.FromSlice(flat[k], rowCount[k], width)
		if err != nil {
			return nil, err
		}
		pruned[k.n][k.b] = t
	}
	return pruned, nil
}
