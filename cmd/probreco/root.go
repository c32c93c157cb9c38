package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/mat"

	probreco "github.com/palexbg/ProbReco"
	"github.com/palexbg/ProbReco/internal/config"
	"github.com/palexbg/ProbReco/internal/telemetry"
)

// app is the state shared by all commands of one invocation.
type app struct {
	configPath string
	data       config.DataConfig
	cfg        *config.Config
	logger     *slog.Logger
	runID      string
	shutdown   telemetry.ShutdownFunc
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "probreco",
		Short:         "Score-optimal reconciliation of probabilistic hierarchical forecasts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			if a.shutdown == nil {
				return nil
			}
			return a.shutdown(cmd.Context())
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "YAML configuration file")
	flags.StringVar(&a.data.Hierarchy, "hierarchy", "", "summing matrix file (CSV or XLSX)")
	flags.StringVar(&a.data.Realizations, "realizations", "", "observed values, one row per period")
	flags.StringVar(&a.data.Means, "means", "", "base forecast means, one row per period")
	flags.StringVar(&a.data.SDs, "sds", "", "base forecast standard deviations, one row per period")
	flags.StringVar(&a.data.Draws, "draws", "", "stored base forecast draws in long format")
	flags.StringVar(&a.data.G, "g", "", "reconciliation matrix written by optimize")
	flags.StringVar(&a.data.Output, "output", "", "output file")

	root.AddCommand(newScoreCmd(a), newOptimizeCmd(a), newReconcileCmd(a))
	return root
}

// setup loads the configuration, lets flags override data paths and installs
// logging and tracing.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	overlay(&cfg.Data, a.data)
	a.cfg = cfg

	a.runID = uuid.NewString()
	a.logger = cfg.Logging.NewLogger(cmd.ErrOrStderr()).With("run_id", a.runID, "command", cmd.Name())
	slog.SetDefault(a.logger)

	a.shutdown, err = telemetry.Setup(cfg.Tracing, cmd.ErrOrStderr(), a.runID)
	if err != nil {
		return err
	}
	a.logger.Debug("configuration loaded", "config", a.configPath)
	return nil
}

// overlay copies every non-empty flag value over the configured path.
func overlay(dst *config.DataConfig, flags config.DataConfig) {
	set := func(d *string, v string) {
		if v != "" {
			*d = v
		}
	}
	set(&dst.Hierarchy, flags.Hierarchy)
	set(&dst.Realizations, flags.Realizations)
	set(&dst.Means, flags.Means)
	set(&dst.SDs, flags.SDs)
	set(&dst.Draws, flags.Draws)
	set(&dst.G, flags.G)
	set(&dst.Output, flags.Output)
}

// loadInputs reads the hierarchy and the training window. Stored draws take
// precedence over Gaussian means and standard deviations.
func (a *app) loadInputs() (*probreco.Hierarchy, probreco.Window, error) {
	d := a.cfg.Data
	if d.Hierarchy == "" || d.Realizations == "" {
		return nil, nil, errors.New("--hierarchy and --realizations are required")
	}
	h, err := probreco.LoadHierarchy(d.Hierarchy)
	if err != nil {
		return nil, nil, err
	}

	var window probreco.Window
	switch {
	case d.Draws != "":
		window, err = probreco.LoadEmpiricalWindow(d.Realizations, d.Draws, h)
	case d.Means != "" && d.SDs != "":
		window, err = probreco.LoadGaussianWindow(d.Realizations, d.Means, d.SDs, h)
	default:
		return nil, nil, errors.New("either --draws or both --means and --sds are required")
	}
	if err != nil {
		return nil, nil, err
	}

	a.logger.Info("inputs loaded",
		"series", h.N(), "bottom", h.M(), "periods", len(window))
	return h, window, nil
}

// structural returns G from --g, or the named structural reconciliation.
func (a *app) structural(h *probreco.Hierarchy, name string) (*mat.Dense, error) {
	if a.cfg.Data.G != "" {
		return probreco.LoadG(a.cfg.Data.G, h)
	}
	switch name {
	case "bottomup":
		return h.BottomUp(), nil
	case "ols":
		return h.OLS(), nil
	case "wls":
		return h.WLSStructural(), nil
	}
	return nil, fmt.Errorf("unknown reconciliation %q", name)
}
