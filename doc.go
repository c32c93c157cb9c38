// Package probreco finds score-optimal linear reconciliations of
// probabilistic forecasts for hierarchical time series.
//
// A hierarchy of n series is described by its summing matrix S (n x m), whose
// last m rows are the identity over the bottom-level series. A reconciliation
// matrix G (m x n) maps any base forecast draw x to the coherent draw S·G·x,
// optionally shifted by a translation d to S·(d + G·x).
//
// # Scoring
//
// TotalScore draws K samples from each period's Generator, reconciles them and
// averages a proper scoring rule over the training window:
//
//	h, _ := probreco.NewHierarchy(S, 2, []string{"Total", "A", "B"})
//	score, err := probreco.TotalScore(ctx, h, window, h.BottomUp(), probreco.ScoreOptions{
//		Samples: 100,
//		Rule:    probreco.EnergyScore{Alpha: 1},
//		Seed:    42,
//	})
//
// EnergyScore and VariogramScore are provided. Periods are scored in
// parallel; the result for a given seed does not depend on the worker count.
//
// # Optimization
//
// ScoreOptimize searches for the G minimizing the total score, by default with
// Adam on the exact sample gradient, or with SPSA or Nelder–Mead:
//
//	res, err := probreco.ScoreOptimize(ctx, h, window, probreco.OptimizeOptions{
//		ScoreOptions: probreco.ScoreOptions{Seed: 42},
//		Method:       probreco.MethodAdam,
//		SeedPolicy:   probreco.SeedPerIteration,
//	})
//	if err != nil { ... }
//	if res.Err() != nil { ... } // iteration cap hit
//
// The returned G is never worse, at Result.EvalSeed, than the starting point
// (bottom-up unless OptimizeOptions.Init or InitialG say otherwise).
//
// # Files
//
// LoadHierarchy, LoadGaussianWindow and LoadEmpiricalWindow read CSV or XLSX
// inputs and match columns to series by name; WriteResult stores the result.
package probreco
