// Package data provides paired clean/corrupt batches for pruning runs.
package data

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-circuit/internal/tensor"
)

// Batch pairs a clean input with its corrupted counterpart. Both have the
// same shape.
type Batch struct {
	Key     int
	Clean   *tensor.Tensor
	Corrupt *tensor.Tensor
}

// Loader yields a finite sequence of batches. Every call to Batches must
// return the same batches in the same order.
type Loader interface {
	Batches() []Batch
}

// SliceLoader serves batches from memory.
type SliceLoader []Batch

func (s SliceLoader) Batches() []Batch { return s }

// NewBatch validates that clean and corrupt share a shape.
func NewBatch(key int, clean, corrupt *tensor.Tensor) (Batch, error) {
	cs, rs := clean.Shape(), corrupt.Shape()
	if len(cs) != len(rs) {
		return Batch{}, fmt.Errorf("batch %d: clean shape %v != corrupt shape %v", key, cs, rs)
	}
	for i := range cs {
		if cs[i] != rs[i] {
			return Batch{}, fmt.Errorf("batch %d: clean shape %v != corrupt shape %v", key, cs, rs)
		}
	}
	return Batch{Key: key, Clean: clean, Corrupt: corrupt}, nil
}

type SyntheticConfig struct {
	Batches   int   `mapstructure:"batches" yaml:"batches"`
	BatchSize int   `mapstructure:"batch_size" yaml:"batch_size"`
	Width     int   `mapstructure:"width" yaml:"width"`
	Seed      int64 `mapstructure:"seed" yaml:"seed"`
}

// Synthetic draws clean rows from a standard normal; the corrupt row is the
// clean row reversed, so each pair shares magnitude but not position.
func Synthetic(cfg SyntheticConfig) (SliceLoader, error) {
	if cfg.Batches <= 0 || cfg.BatchSize <= 0 || cfg.Width <= 0 {
		return nil, fmt.Errorf("synthetic data needs positive batches, batch_size and width, got %+v", cfg)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))
	out := make(SliceLoader, 0, cfg.Batches)
	for b := 0; b < cfg.Batches; b++ {
		clean := tensor.New(cfg.BatchSize, cfg.Width)
		corrupt := tensor.New(cfg.BatchSize, cfg.Width)
		cd, rd := clean.Data(), corrupt.Data()
		for r := 0; r < cfg.BatchSize; r++ {
			row := cd[r*cfg.Width : (r+1)*cfg.Width]
			for i := range row {
				row[i] = float32(rng.NormFloat64())
			}
			for i := range row {
				rd[r*cfg.Width+i] = row[cfg.Width-1-i]
			}
		}
		out = append(out, Batch{Key: b, Clean: clean, Corrupt: corrupt})
	}
	return out, nil
}
