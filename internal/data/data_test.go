package data

import (
	"bytes"
	"testing"

	"github.com/23skdu/longbow-circuit/internal/tensor"
)

func TestNewBatchShapeMismatch(t *testing.T) {
	if _, err := NewBatch(0, tensor.New(1, 2), tensor.New(1, 3)); err == nil {
		t.Error("expected shape mismatch error")
	}
	if _, err := NewBatch(0, tensor.New(1, 2), tensor.New(2)); err == nil {
		t.Error("expected rank mismatch error")
	}
}

func TestSynthetic(t *testing.T) {
	cfg := SyntheticConfig{Batches: 3, BatchSize: 2, Width: 4, Seed: 42}
	a, err := Synthetic(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Synthetic(cfg)

	if len(a.Batches()) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(a.Batches()))
	}
	for i, batch := range a.Batches() {
		if batch.Key != i {
			t.Errorf("batch %d has key %d", i, batch.Key)
		}
		if !tensor.Equal(batch.Clean, b[i].Clean) {
			t.Error("synthetic data should be deterministic for a seed")
		}
		cd, rd := batch.Clean.Data(), batch.Corrupt.Data()
		for r := 0; r < 2; r++ {
			for j := 0; j < 4; j++ {
				if rd[r*4+j] != cd[r*4+3-j] {
					t.Fatalf("corrupt row %d is not the reversed clean row", r)
				}
			}
		}
	}

	if _, err := Synthetic(SyntheticConfig{Batches: 1, BatchSize: 0, Width: 2}); err == nil {
		t.Error("expected error for zero batch size")
	}
}

func TestArrowRoundTrip(t *testing.T) {
	src, err := Synthetic(SyntheticConfig{Batches: 2, BatchSize: 3, Width: 5, Seed: 1})
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := WriteArrow(&buf, src); err != nil {
		t.Fatalf("WriteArrow: %v", err)
	}
	got, err := ReadArrow(&buf)
	if err != nil {
		t.Fatalf("ReadArrow: %v", err)
	}
	if len(got) != len(src) {
		t.Fatalf("expected %d batches, got %d", len(src), len(got))
	}
	for i := range src {
		if got[i].Key != src[i].Key {
			t.Errorf("batch %d key %d, want %d", i, got[i].Key, src[i].Key)
		}
		if !tensor.Equal(got[i].Clean, src[i].Clean) || !tensor.Equal(got[i].Corrupt, src[i].Corrupt) {
			t.Errorf("batch %d contents changed in round trip", i)
		}
	}
}

func TestWriteArrowErrors(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteArrow(&buf, nil); err == nil {
		t.Error("expected error for empty dataset")
	}
	bad := []Batch{
		{Key: 0, Clean: tensor.New(1, 2), Corrupt: tensor.New(1, 2)},
		{Key: 1, Clean: tensor.New(1, 3), Corrupt: tensor.New(1, 3)},
	}
	if err := WriteArrow(&buf, bad); err == nil {
		t.Error("expected width mismatch error")
	}
}

func TestReadArrowRejectsGarbage(t *testing.T) {
	if _, err := ReadArrow(bytes.NewReader([]byte("not arrow"))); err == nil {
		t.Error("expected error for non-IPC input")
	}
}
