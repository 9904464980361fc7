// Command circuit runs edge-pruning ablation experiments on residual
// networks and reports how the pruned outputs diverge from the clean and
// corrupt baselines.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
