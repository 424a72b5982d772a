// Command qsrgraph runs the equipment-manual ingestion service: PDF
// uploads in, a deduplicated knowledge graph with visual citations out,
// with progress streamed over WebSocket while the pipeline runs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/qsrgraph/qsrgraph/app"
	"github.com/qsrgraph/qsrgraph/common"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New()
	if err != nil {
		common.Logger.WithError(err).Error("startup failed")
		os.Exit(1)
	}
	if err := a.Run(ctx); err != nil {
		common.Logger.WithError(err).Error("service exited")
		os.Exit(1)
	}
}
