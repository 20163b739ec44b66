// atlas is the gateway service: the /api HTTP surface that routes
// questions, gathers context through the orchestrator, and streams
// grounded answers.
//
// Configuration comes from the file named by ATLAS_CONFIG, falling
// back to built-in defaults.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"atlas/pkg/config"
	"atlas/pkg/gateway"
	"atlas/pkg/logx"
	"atlas/pkg/metrics"
	"atlas/pkg/store"
	"atlas/pkg/version"
)

func main() {
	logger := logx.NewLogger("atlas")
	logger.Info("starting atlas gateway %s", version.Version)

	cfg, err := config.Load(os.Getenv("ATLAS_CONFIG"))
	if err != nil {
		logger.Error("load config: %v", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.Gateway.DBPath)
	if err != nil {
		logger.Error("open store: %v", err)
		os.Exit(1)
	}
	defer db.Close() //nolint:errcheck

	rec := metrics.NewRecorder()
	orch := gateway.NewOrchestratorClient(cfg.Gateway.OrchestratorURL)
	engine := gateway.NewEngine(cfg, db, orch, rec)
	server := gateway.NewServer(engine, db, orch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
	}()

	if err := server.Start(ctx, cfg.Gateway.ListenAddr); err != nil {
		logger.Error("gateway: %v", err)
		os.Exit(1)
	}
}
