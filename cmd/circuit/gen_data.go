package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-circuit/internal/data"
	"github.com/23skdu/longbow-circuit/internal/logger"
)

func newGenDataCmd() *cobra.Command {
	var (
		out string
		cfg data.SyntheticConfig
	)
	cmd := &cobra.Command{
		Use:   "gen-data",
		Short: "Write a synthetic clean/corrupt dataset as Arrow IPC",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader, err := data.Synthetic(cfg)
			if err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", out, err)
			}
			if err := data.WriteArrow(f, loader); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			logger.Log.Info("Wrote dataset", "path", out, "batches", cfg.Batches, "batch_size", cfg.BatchSize, "width", cfg.Width)
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d batches to %s\n", len(loader), out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "dataset.arrow", "output file")
	cmd.Flags().IntVar(&cfg.Batches, "batches", 4, "number of batches")
	cmd.Flags().IntVar(&cfg.BatchSize, "batch-size", 8, "examples per batch")
	cmd.Flags().IntVar(&cfg.Width, "width", 8, "input width")
	cmd.Flags().Int64Var(&cfg.Seed, "seed", 1, "random seed")
	return cmd
}
