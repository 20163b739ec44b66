// integration hosts one vendor adapter as a standalone integration
// service with the uniform API: POST /search, GET /health,
// GET /health/detailed, GET /metrics.
//
// The adapter is selected by ATLAS_SERVICE (jira, confluence, slack,
// github, web); credentials come from the environment.
package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"atlas/pkg/adapters"
	"atlas/pkg/breaker"
	"atlas/pkg/cache"
	"atlas/pkg/chunker"
	"atlas/pkg/config"
	"atlas/pkg/envelope"
	"atlas/pkg/logx"
	"atlas/pkg/metrics"
	"atlas/pkg/ratelimit"
	"atlas/pkg/version"
)

func main() {
	name := os.Getenv("ATLAS_SERVICE")
	logger := logx.NewLogger("integration")
	logger.Info("starting %s integration service %s", name, version.Version)

	cfg, err := config.Load(os.Getenv("ATLAS_CONFIG"))
	if err != nil {
		logger.Error("load config: %v", err)
		os.Exit(1)
	}

	backend, err := adapters.New(name, adapters.Credentials{
		AtlassianBaseURL: os.Getenv("ATLAS_ATLASSIAN_URL"),
		AtlassianEmail:   os.Getenv("ATLAS_ATLASSIAN_EMAIL"),
		AtlassianToken:   os.Getenv("ATLAS_ATLASSIAN_TOKEN"),
		SlackBotToken:    os.Getenv("ATLAS_SLACK_BOT_TOKEN"),
		SlackUserToken:   os.Getenv("ATLAS_SLACK_USER_TOKEN"),
		GitHubToken:      os.Getenv("ATLAS_GITHUB_TOKEN"),
	})
	if err != nil {
		logger.Error("create adapter: %v", err)
		os.Exit(1)
	}

	svc := cfg.ServiceByName(name)
	if svc == nil {
		logger.Error("service %q not in config", name)
		os.Exit(1)
	}

	addr := os.Getenv("ATLAS_LISTEN_ADDR")
	if addr == "" {
		addr = listenAddrFrom(svc.BaseURL)
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

	splitter, err := chunker.New(chunker.Config{
		MaxChunkSize:    cfg.Chunker.MaxChunkSize,
		MinChunkSize:    cfg.Chunker.MinChunkSize,
		ChunkOverlap:    cfg.Chunker.ChunkOverlap,
		MaxChunksPerDoc: cfg.Chunker.MaxChunksPerDoc,
	})
	if err != nil {
		logger.Error("create chunker: %v", err)
		os.Exit(1)
	}

	app := envelope.NewApp(backend, envelope.AppConfig{
		Version:     version.Version,
		WaitTimeout: cfg.RateLimit.WaitTimeout,
		RateLimit: ratelimit.Config{
			RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
			WindowSeconds:     cfg.RateLimit.WindowSeconds,
			BurstSize:         cfg.RateLimit.BurstSize,
		},
		Breaker: breaker.Config{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
			Timeout:          cfg.Breaker.Timeout,
			MaxProbeCalls:    breaker.DefaultConfig.MaxProbeCalls,
		},
	}, layered, splitter, metrics.NewRecorder())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		cancel()
	}()

	if err := app.Start(ctx, addr); err != nil {
		logger.Error("integration service: %v", err)
		os.Exit(1)
	}
}

// listenAddrFrom derives ":port" from the configured base URL.
func listenAddrFrom(baseURL string) string {
	if i := strings.LastIndexByte(baseURL, ':'); i >= 0 {
		return ":" + baseURL[i+1:]
	}
	return ":8080"
}
