// orchestrator is the fan-out service: it selects integration
// services for each query, dispatches them in parallel through
// resilient envelopes, and returns the ranked aggregate.
//
// Configuration comes from the file named by ATLAS_CONFIG, falling
// back to built-in defaults.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"atlas/pkg/cache"
	"atlas/pkg/config"
	"atlas/pkg/logx"
	"atlas/pkg/metrics"
	"atlas/pkg/orchestrator"
	"atlas/pkg/version"
)

func main() {
	logger := logx.NewLogger("orchestrator-main")
	logger.Info("starting orchestrator %s", version.Version)

	cfg, err := config.Load(os.Getenv("ATLAS_CONFIG"))
	if err != nil {
		logger.Error("load config: %v", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	layered := cache.NewMultiLayer(ctx, cache.Config{
		RedisURL:  cfg.Cache.RedisURL,
		L1MaxSize: cfg.Cache.L1MaxSize,
		L1TTL:     cfg.Cache.L1TTL,
		L2TTL:     cfg.Cache.L2TTL,
	})
	defer layered.Close() //nolint:errcheck

	rec := metrics.NewRecorder()
	orch := orchestrator.New(cfg, layered, rec)
	orch.RefreshHealth(ctx)

	server := orchestrator.NewServer(orch)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
	}()

	if err := server.Start(ctx, cfg.Orchestrator.ListenAddr); err != nil {
		logger.Error("orchestrator: %v", err)
		os.Exit(1)
	}
}
