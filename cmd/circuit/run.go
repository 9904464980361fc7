package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-circuit/internal/algos"
	"github.com/23skdu/longbow-circuit/internal/config"
	"github.com/23skdu/longbow-circuit/internal/data"
	"github.com/23skdu/longbow-circuit/internal/experiment"
	"github.com/23skdu/longbow-circuit/internal/logger"
	"github.com/23skdu/longbow-circuit/internal/metrics"
	"github.com/23skdu/longbow-circuit/internal/model"
	"github.com/23skdu/longbow-circuit/internal/monitoring"
	"github.com/23skdu/longbow-circuit/internal/render"
	"github.com/23skdu/longbow-circuit/internal/results"
)

// newPublisher opens the results sink for a Flight address.
var newPublisher = func(ctx context.Context, addr string) (results.Publisher, error) {
	p := results.NewFlightPublisher(addr)
	if err := p.Connect(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func newRunCmd(a *app) *cobra.Command {
	d := config.Default()
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Score, prune and measure one experiment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd.Flags(), map[string]string{
				"algorithm":    "algorithm.key",
				"input":        "experiment.input",
				"patch":        "experiment.patch",
				"high-to-low":  "experiment.sort_high_to_low",
				"factorized":   "experiment.factorized",
				"edge-counts":  "experiment.test_edge_counts",
				"exclude-zero": "experiment.exclude_zero_edges",
				"data":         "data.path",
				"output":       "output.dir",
				"render-dot":   "output.render_dot",
				"flight-addr":  "output.flight_addr",
				"metrics-addr": "metrics_addr",
				"log-level":    "log.level",
				"log-format":   "log.format",
			})
			if err != nil {
				return err
			}
			mon := monitoring.NewMonitor()
			if cfg.MetricsAddr != "" {
				mon.Start(cfg.MetricsAddr)
				defer mon.Stop(context.Background())
			}
			_, err = runExperiment(cmd.Context(), cfg, cmd.OutOrStdout(), mon)
			return err
		},
	}

	f := cmd.Flags()
	f.String("algorithm", d.Algorithm.Key, "prune score algorithm (random, act-mag, ground-truth)")
	f.String("input", d.Experiment.Input, "input run through the model (clean or corrupt)")
	f.String("patch", d.Experiment.Patch, "activations patched into pruned edges (clean, corrupt or zero)")
	f.Bool("high-to-low", d.Experiment.SortHighToLow, "prune highest scoring edges first")
	f.Bool("factorized", d.Experiment.Factorized, "use the factorized edge set")
	f.IntSlice("edge-counts", nil, "checkpoints to record (default: every edge count)")
	f.Bool("exclude-zero", d.Experiment.ExcludeZeroEdges, "skip the unpruned checkpoint")
	f.String("data", d.Data.Path, "Arrow IPC dataset (default: synthetic)")
	f.StringP("output", "o", d.Output.Dir, "directory for results")
	f.Bool("render-dot", d.Output.RenderDOT, "write a Graphviz file per batch")
	f.String("flight-addr", d.Output.FlightAddr, "Arrow Flight server to publish results to")
	f.String("metrics-addr", d.MetricsAddr, "address to serve Prometheus metrics")
	f.String("log-level", d.Log.Level, "log level")
	f.String("log-format", d.Log.Format, "log format (console or json)")
	return cmd
}

type runResult struct {
	RunID string
	Dir   string
	Rows  []experiment.Row
}

func loadData(cfg config.Config) (data.Loader, error) {
	if cfg.Data.Path == "" {
		return data.Synthetic(cfg.Data.Synthetic)
	}
	f, err := os.Open(cfg.Data.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()
	return data.ReadArrow(f)
}

func runExperiment(ctx context.Context, cfg config.Config, out io.Writer, mon *monitoring.Monitor) (_ *runResult, err error) {
	start := time.Now()
	res := &runResult{RunID: uuid.NewString()}
	res.Dir = filepath.Join(cfg.Output.Dir, res.RunID)
	log := logger.Log.With("run_id", res.RunID)

	mon.Begin(res.RunID)
	defer func() {
		if err != nil {
			mon.Fail(err)
			log.Error("Run failed", "error", err)
		}
	}()

	m, err := model.NewResidual(cfg.Model)
	if err != nil {
		return nil, err
	}
	loader, err := loadData(cfg)
	if err != nil {
		return nil, err
	}
	exp, err := cfg.ExperimentType()
	if err != nil {
		return nil, err
	}

	algo, err := algos.NewRegistry(cfg.Algorithm).Lookup(cfg.Algorithm.Key)
	if err != nil {
		return nil, err
	}
	task := algos.Task{Model: m, Loader: loader, Factorized: cfg.Experiment.Factorized}
	scores, err := algo.Run(ctx, task)
	if err != nil {
		return nil, err
	}
	log.Info("Scored edges", "algorithm", algo.Name, "edges", len(scores))

	edges, err := m.Edges(cfg.Experiment.Factorized)
	if err != nil {
		return nil, err
	}
	counts, err := cfg.EdgeCounts(len(edges))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(res.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}
	opts := experiment.Options{
		Factorized:       cfg.Experiment.Factorized,
		TestEdgeCounts:   counts,
		ExcludeZeroEdges: cfg.Experiment.ExcludeZeroEdges,
	}
	if cfg.Output.RenderDOT {
		opts.Renderer = render.NewDOT(filepath.Join(res.Dir, "dot"), algo.ShortName)
	}

	mon.SetPhase(monitoring.PhasePruning)
	pruned, err := experiment.RunPruned(ctx, m, loader, exp, scores, opts)
	if err != nil {
		return nil, err
	}
	mon.SetCheckpoints(len(pruned))
	mon.SetPhase(monitoring.PhaseMeasuring)
	klClean, klCorrupt, err := experiment.MeasureKLDiv(ctx, m, loader, pruned, opts.OutputSlice)
	if err != nil {
		return nil, err
	}
	res.Rows = experiment.Summarize(klClean, klCorrupt)

	printSummary(out, res.Rows)
	mon.SetPhase(monitoring.PhaseWriting)
	if err := writeResults(ctx, cfg, res, pruned); err != nil {
		return nil, err
	}
	mon.SetPhase(monitoring.PhaseDone)
	log.Info("Run complete", "dir", res.Dir, "checkpoints", len(res.Rows),
		"forward_passes", metrics.TotalForwardPasses(), "duration", time.Since(start))
	return res, nil
}

func printSummary(w io.Writer, rows []experiment.Row) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Edges", "KL clean", "KL corrupt"})
	table.SetBorder(false)
	table.SetColumnAlignment([]int{tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT})
	for _, r := range rows {
		table.Append([]string{
			fmt.Sprintf("%d", r.EdgeCount),
			fmt.Sprintf("%.6f", r.KLClean),
			fmt.Sprintf("%.6f", r.KLCorrupt),
		})
	}
	table.Render()
}

func writeFile(path string, fn func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}
	return f.Close()
}

// writeResults stores outputs, summary and the resolved config under the
// run directory, then publishes the records if a Flight address is set.
func writeResults(ctx context.Context, cfg config.Config, res *runResult, pruned experiment.PrunedOuts) error {
	mem := memory.NewGoAllocator()
	outputs, err := results.OutputsRecord(mem, pruned)
	if err != nil {
		return err
	}
	defer outputs.Release()
	summary := results.SummaryRecord(mem, res.Rows)
	defer summary.Release()

	records := map[string]arrow.Record{"outputs": outputs, "summary": summary}
	for name, rec := range records {
		if err := writeFile(filepath.Join(res.Dir, name+".arrow"), func(w io.Writer) error {
			return results.WriteStream(w, rec)
		}); err != nil {
			return err
		}
		metrics.RecordResultsPublished("file", int(rec.NumRows()))
	}
	if err := writeFile(filepath.Join(res.Dir, "config.yaml"), cfg.WriteSnapshot); err != nil {
		return err
	}

	if cfg.Output.FlightAddr == "" {
		return nil
	}
	pub, err := newPublisher(ctx, cfg.Output.FlightAddr)
	if err != nil {
		return err
	}
	defer pub.Close()
	for _, name := range []string{"summary", "outputs"} {
		if err := pub.Publish(ctx, []string{"circuit", res.RunID, name}, records[name]); err != nil {
			return err
		}
	}
	return nil
}
