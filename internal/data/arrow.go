package data

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-circuit/internal/tensor"
)

const (
	colBatch   = "batch"
	colClean   = "clean"
	colCorrupt = "corrupt"
)

// Schema is the Arrow layout of a dataset: one record per batch, one row
// per example, clean and corrupt inputs as fixed-size float32 lists.
func Schema(width int) *arrow.Schema {
	vec := arrow.FixedSizeListOf(int32(width), arrow.PrimitiveTypes.Float32)
	return arrow.NewSchema([]arrow.Field{
		{Name: colBatch, Type: arrow.PrimitiveTypes.Int64},
		{Name: colClean, Type: vec},
		{Name: colCorrupt, Type: vec},
	}, nil)
}

// WriteArrow writes batches as an Arrow IPC stream. Inputs must be
// [batch, width] tensors of a common width.
func WriteArrow(w io.Writer, batches []Batch) error {
	if len(batches) == 0 {
		return fmt.Errorf("no batches to write")
	}
	width := batches[0].Clean.Dim(-1)
	schema := Schema(width)
	mem := memory.NewGoAllocator()

	writer := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	for _, b := range batches {
		if err := writeBatch(writer, mem, schema, b, width); err != nil {
			writer.Close()
			return err
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close IPC writer: %w", err)
	}
	return nil
}

func writeBatch(w *ipc.Writer, mem memory.Allocator, schema *arrow.Schema, b Batch, width int) error {
	if b.Clean.Dims() != 2 || b.Clean.Dim(1) != width {
		return fmt.Errorf("batch %d: shape %v, want [rows %d]", b.Key, b.Clean.Shape(), width)
	}
	rows := b.Clean.Dim(0)

	bldr := array.NewRecordBuilder(mem, schema)
	defer bldr.Release()

	keys := bldr.Field(0).(*array.Int64Builder)
	for r := 0; r < rows; r++ {
		keys.Append(int64(b.Key))
	}
	appendRows(bldr.Field(1).(*array.FixedSizeListBuilder), b.Clean.Data(), rows, width)
	appendRows(bldr.Field(2).(*array.FixedSizeListBuilder), b.Corrupt.Data(), rows, width)

	rec := bldr.NewRecord()
	defer rec.Release()
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("batch %d: failed to write record: %w", b.Key, err)
	}
	return nil
}

func appendRows(lb *array.FixedSizeListBuilder, data []float32, rows, width int) {
	vb := lb.ValueBuilder().(*array.Float32Builder)
	for r := 0; r < rows; r++ {
		lb.Append(true)
		vb.AppendValues(data[r*width:(r+1)*width], nil)
	}
}

// ReadArrow reads a dataset written by WriteArrow. Each IPC record becomes
// one batch.
func ReadArrow(r io.Reader) (SliceLoader, error) {
	rdr, err := ipc.NewReader(r, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to open IPC stream: %w", err)
	}
	defer rdr.Release()

	schema := rdr.Schema()
	for i, name := range []string{colBatch, colClean, colCorrupt} {
		if schema.NumFields() <= i || schema.Field(i).Name != name {
			return nil, fmt.Errorf("unexpected dataset schema: %s", schema)
		}
	}

	var out SliceLoader
	for rdr.Next() {
		rec := rdr.Record()
		if rec.NumRows() == 0 {
			continue
		}
		key := int(rec.Column(0).(*array.Int64).Value(0))
		clean, err := readRows(rec.Column(1))
		if err != nil {
			return nil, fmt.Errorf("batch %d clean: %w", key, err)
		}
		corrupt, err := readRows(rec.Column(2))
		if err != nil {
			return nil, fmt.Errorf("batch %d corrupt: %w", key, err)
		}
		b, err := NewBatch(key, clean, corrupt)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if err := rdr.Err(); err != nil {
		return nil, fmt.Errorf("failed to read IPC stream: %w", err)
	}
	return out, nil
}

func readRows(col arrow.Array) (*tensor.Tensor, error) {
	list, ok := col.(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("column type %s, want fixed_size_list", col.DataType())
	}
	width := int(list.DataType().(*arrow.FixedSizeListType).Len())
	values, ok := list.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("list values %s, want float32", list.ListValues().DataType())
	}
	raw := values.Float32Values()
	rows := list.Len()
	start := list.Data().Offset() * width
	if start+rows*width > len(raw) {
		return nil, fmt.Errorf("list values truncated: %d rows of %d need %d values, have %d", rows, width, rows*width, len(raw)-start)
	}
	return tensor.FromSlice(raw[start:start+rows*width], rows, width)
}
