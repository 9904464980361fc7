package experiment

import "fmt"

// EdgeCountMode chooses how checkpoints are generated when none are listed.
type EdgeCountMode string

const (
	CountsAll EdgeCountMode = "all"
	CountsLog EdgeCountMode = "log"
)

// EdgeCounts generates checkpoints for a graph of total edges. Zero is left
// out; RunPruned records it separately.
func EdgeCounts(mode EdgeCountMode, total int) ([]int, error) {
	switch mode {
	case CountsAll, "":
		out := make([]int, 0, total)
		for n := 1; n <= total; n++ {
			out = append(out, n)
		}
		return out, nil
	case CountsLog:
		var out []int
		for n := 1; n < total; n *= 2 {
			out = append(out, n)
		}
		if total > 0 {
			out = append(out, total)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown edge count mode %q", mode)
	}
}
