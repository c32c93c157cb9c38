// Command probreco scores and optimizes probabilistic forecast
// reconciliations from CSV or XLSX inputs.
//
//	probreco optimize --config probreco.yaml --hierarchy s.csv \
//	    --realizations y.csv --means mu.csv --sds sd.csv --output g.csv
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("probreco failed", "error", err)
		os.Exit(1)
	}
}
