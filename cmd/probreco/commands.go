package main

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/spf13/cobra"

	probreco "github.com/palexbg/ProbReco"
	"github.com/palexbg/ProbReco/internal/metrics"
)

func newScoreCmd(a *app) *cobra.Command {
	var reconciliation string
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Compute the total score of a reconciliation over the training window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, window, err := a.loadInputs()
			if err != nil {
				return err
			}
			G, err := a.structural(h, reconciliation)
			if err != nil {
				return err
			}

			start := time.Now()
			ev, err := probreco.Evaluate(cmd.Context(), h, window, G, a.cfg.Score.Options(a.logger))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "score %.6g (periods %d, skipped %d, seed %d)\n",
				ev.Score, ev.Periods, ev.Skipped, ev.Seed)

			if path := a.cfg.Metrics.Textfile; path != "" {
				label := reconciliation
				if a.cfg.Data.G != "" {
					label = "file"
				}
				m := metrics.New(a.runID, cmd.Name())
				m.Score(label, ev.Score)
				m.Finish(nil, time.Since(start))
				return m.WriteTextfile(path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reconciliation, "reconciliation", "bottomup", "structural G when --g is not given: bottomup, ols or wls")
	return cmd
}

func newOptimizeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "optimize",
		Short: "Find the reconciliation matrix minimizing the total score",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, window, err := a.loadInputs()
			if err != nil {
				return err
			}

			m := metrics.New(a.runID, cmd.Name())
			score := a.cfg.Score.Options(a.logger)
			opts := a.cfg.Optimize.Options(score)
			opts.Observer = m.Observe
			if a.cfg.Data.G != "" {
				if opts.InitialG, err = probreco.LoadG(a.cfg.Data.G, h); err != nil {
					return err
				}
			}

			start := time.Now()
			res, err := probreco.ScoreOptimize(cmd.Context(), h, window, opts)
			m.Finish(res, time.Since(start))
			if err != nil {
				_ = a.writeMetrics(m)
				return err
			}
			if errors.Is(res.Err(), probreco.ErrDidNotConverge) {
				a.logger.Warn("iteration cap reached; returning best reconciliation found",
					"iterations", res.Iterations)
			}

			// benchmark at the same seed
			bench := score
			bench.Seed = res.EvalSeed
			if bu, err := probreco.TotalScore(cmd.Context(), h, window, h.BottomUp(), bench); err == nil {
				m.Score("bottomup", bu)
				a.logger.Info("bottom-up benchmark", "score", bu, "optimized", res.Score)
			}

			probreco.PrintSummary(cmd.OutOrStdout(), h, res)

			if out := a.cfg.Data.Output; out != "" {
				paths, err := probreco.WriteResult(out, h, res)
				if err != nil {
					return err
				}
				a.logger.Info("reconciliation written", "paths", paths)
			}
			return a.writeMetrics(m)
		},
	}
}

func newReconcileCmd(a *app) *cobra.Command {
	var level float64
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile Gaussian base forecasts with a stored G and report prediction intervals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d := a.cfg.Data
			if d.Hierarchy == "" || d.G == "" || d.Means == "" || d.SDs == "" {
				return errors.New("--hierarchy, --g, --means and --sds are required")
			}
			if d.Output == "" {
				return errors.New("--output is required")
			}
			h, err := probreco.LoadHierarchy(d.Hierarchy)
			if err != nil {
				return err
			}
			G, err := probreco.LoadG(d.G, h)
			if err != nil {
				return err
			}
			Mu, err := probreco.LoadMatrix(d.Means, h)
			if err != nil {
				return err
			}
			Sd, err := probreco.LoadMatrix(d.SDs, h)
			if err != nil {
				return err
			}
			T, _ := Mu.Dims()
			if r, _ := Sd.Dims(); r != T {
				return fmt.Errorf("%w: %d mean rows but %d sd rows", probreco.ErrDimensionMismatch, T, r)
			}

			seed := a.cfg.Score.Seed
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}
			out := make([][]probreco.Interval, T)
			for t := 0; t < T; t++ {
				gen, err := probreco.Gaussian(Mu.RawRowView(t), Sd.RawRowView(t))
				if err != nil {
					return fmt.Errorf("period %d: %w", t+1, err)
				}
				X := gen.Draw(rand.New(rand.NewPCG(seed, uint64(t))), a.cfg.Score.Samples)
				R, err := probreco.Reconcile(h, G, nil, X)
				if err != nil {
					return err
				}
				if out[t], err = probreco.Intervals(h, R, 1-level); err != nil {
					return err
				}
			}

			if err := probreco.WriteIntervalsCSV(d.Output, out); err != nil {
				return err
			}
			a.logger.Info("intervals written", "path", d.Output, "periods", T, "level", level,
				"unbiased", h.Unbiased(G, 1e-6))
			return nil
		},
	}
	cmd.Flags().Float64Var(&level, "level", 0.9, "coverage of the central prediction intervals")
	return cmd
}

// writeMetrics writes the textfile when one is configured.
func (a *app) writeMetrics(m *metrics.Recorder) error {
	path := a.cfg.Metrics.Textfile
	if path == "" {
		return nil
	}
	if err := m.WriteTextfile(path); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}
