package envelope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"atlas/pkg/breaker"
	"atlas/pkg/cache"
	"atlas/pkg/chunker"
	"atlas/pkg/logx"
	"atlas/pkg/metrics"
	"atlas/pkg/ratelimit"
	"atlas/pkg/record"
)

// Backend is the vendor-specific half of an integration service. The
// App supplies everything else: limiting, breaking, caching, retries,
// chunking, health, and the HTTP surface.
type Backend interface {
	// Name returns the service tag stamped onto every record.
	Name() string

	// Search translates the uniform query into vendor API calls and
	// returns records in the common shape.
	Search(ctx context.Context, q record.SearchQuery) ([]record.Record, error)

	// Ping verifies connectivity to the vendor API.
	Ping(ctx context.Context) error
}

// AppConfig tunes one integration service app.
type AppConfig struct {
	Version     string
	WaitTimeout time.Duration
	RateLimit   ratelimit.Config
	Breaker     breaker.Config
	Retry       RetryConfig
}

// App is the fault-tolerant runtime hosting one Backend as an
// integration service.
type App struct {
	backend Backend
	config  AppConfig
	limiter *ratelimit.AdaptiveLimiter
	breaker *breaker.Breaker
	cache   *cache.MultiLayer
	chunker *chunker.Chunker
	metrics *metrics.Recorder
	logger  *logx.Logger
	started time.Time
}

// NewApp wraps a backend in the full resilience pipeline. c, ch, and
// rec may each be nil, disabling caching, content bounding, and
// metrics respectively.
func NewApp(backend Backend, cfg AppConfig, c *cache.MultiLayer, ch *chunker.Chunker, rec *metrics.Recorder) *App {
	if cfg.Version == "" {
		cfg.Version = "1.0.0"
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = DefaultRetryConfig
	}

	return &App{
		backend: backend,
		config:  cfg,
		limiter: ratelimit.NewAdaptiveLimiter(backend.Name(), cfg.RateLimit),
		breaker: breaker.New(backend.Name(), cfg.Breaker),
		cache:   c,
		chunker: ch,
		metrics: rec,
		logger:  logx.NewLogger("service-" + backend.Name()),
		started: time.Now(),
	}
}

// Search runs one query through the full pipeline: cache, rate limit,
// breaker-guarded backend call with retries, content bounding, source
// tagging, cache write.
func (a *App) Search(ctx context.Context, q record.SearchQuery) ([]record.Record, error) {
	q.Normalize()
	name := a.backend.Name()
	start := time.Now()

	key := cache.Key(name, map[string]any{
		"query":   q.Query,
		"limit":   q.Limit,
		"filters": q.Filters,
	})

	if a.cache != nil {
		var cached []record.Record
		if a.cache.Get(ctx, key, &cached) {
			a.recordEvent("hit")
			return cached, nil
		}
		a.recordEvent("miss")
	}

	if !a.limiter.WaitForSlot(ctx, a.config.WaitTimeout) {
		return nil, &RateLimitedError{Service: name}
	}

	records, err := a.callWithProtection(ctx, q)

	if a.metrics != nil {
		status := "ok"
		if err != nil {
			status = classify(err)
		}
		a.metrics.RecordServiceRequest(name, status, time.Since(start))
		a.metrics.SetBreakerState(name, int(a.breaker.State()))
	}
	if err != nil {
		return nil, err
	}

	for i := range records {
		if records[i].Source == "" {
			records[i].Source = name
		}
		records[i].Content = a.boundContent(records[i].Content)
	}

	if a.cache != nil && len(records) > 0 {
		if cerr := a.cache.Set(ctx, key, records); cerr != nil {
			a.logger.Warn("cache write failed: %v", cerr)
		}
	}
	if a.metrics != nil {
		a.metrics.RecordRetrieval(name, len(records))
	}
	return records, nil
}

// callWithProtection runs the backend call under the breaker with
// exponential-backoff retries. Circuit rejections are final.
func (a *App) callWithProtection(ctx context.Context, q record.SearchQuery) ([]record.Record, error) {
	var lastErr error

	for attempt := 0; attempt <= a.config.Retry.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(a.config.Retry, attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := a.breaker.Allow(); err != nil {
			return nil, err
		}

		records, err := a.backend.Search(ctx, q)
		rateLimited := isRateLimited(err)
		a.breaker.RecordResult(!breakerFailure(err))

		if err == nil {
			a.limiter.RecordSuccess()
			return records, nil
		}
		lastErr = err
		a.logger.Warn("attempt %d/%d failed: %v", attempt+1, a.config.Retry.MaxRetries+1, err)

		if rateLimited {
			a.limiter.RecordRateLimitError()
		}
		if !shouldRetry(err) {
			break
		}
	}

	return nil, fmt.Errorf("%s search failed after retries: %w", a.backend.Name(), lastErr)
}

// boundContent keeps record content within one chunk of the configured
// token budget.
func (a *App) boundContent(content string) string {
	if a.chunker == nil || content == "" {
		return content
	}
	chunks := a.chunker.Split(content, "")
	if len(chunks) == 0 {
		return content
	}
	return chunks[0].Text
}

// HealthChecks is the per-dependency breakdown of a health probe.
type HealthChecks struct {
	CircuitClosed bool `json:"circuit_closed"`
	RateLimitOK   bool `json:"rate_limit_ok"`
	APIConnection bool `json:"api_connection"`
}

// Health is the service health report.
type Health struct {
	Status        string       `json:"status"`
	Service       string       `json:"service"`
	Version       string       `json:"version"`
	UptimeSeconds float64      `json:"uptime"`
	Checks        HealthChecks `json:"checks"`
}

// CheckHealth probes the backend and summarizes component state.
// Degraded means the vendor API answers but a protection layer is
// tripped.
func (a *App) CheckHealth(ctx context.Context) Health {
	checks := HealthChecks{
		CircuitClosed: a.breaker.State() == breaker.StateClosed,
		RateLimitOK:   a.limiter.Remaining() > 0,
	}
	if err := a.backend.Ping(ctx); err != nil {
		a.logger.Warn("health check failed: %v", err)
	} else {
		checks.APIConnection = true
	}

	status := "unhealthy"
	switch {
	case checks.CircuitClosed && checks.RateLimitOK && checks.APIConnection:
		status = "healthy"
	case checks.APIConnection:
		status = "degraded"
	}

	return Health{
		Status:        status,
		Service:       a.backend.Name(),
		Version:       a.config.Version,
		UptimeSeconds: time.Since(a.started).Seconds(),
		Checks:        checks,
	}
}

// RegisterRoutes sets up the uniform integration service HTTP surface.
func (a *App) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/search", a.handleSearch)
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/health/detailed", a.handleHealthDetailed)
	mux.Handle("/metrics", metrics.Handler())
}

// Start runs the integration service until ctx is cancelled.
func (a *App) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("%s service listening on %s", a.backend.Name(), addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("%s service: %w", a.backend.Name(), err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	//nolint:contextcheck // parent context is cancelled; shutdown needs a fresh one
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s service shutdown: %w", a.backend.Name(), err)
	}
	return nil
}

func (a *App) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var q record.SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	records, err := a.Search(r.Context(), q)
	if err != nil {
		switch {
		case breaker.IsOpen(err):
			http.Error(w, "service temporarily unavailable", http.StatusServiceUnavailable)
		case isRateLimited(err):
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		default:
			a.logger.Error("search failed: %v", err)
			http.Error(w, "search failed", http.StatusInternalServerError)
		}
		return
	}

	if records == nil {
		records = []record.Record{}
	}
	writeAppJSON(w, map[string]any{"results": records})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeAppJSON(w, a.CheckHealth(r.Context()))
}

func (a *App) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	detailed := map[string]any{
		"health":          a.CheckHealth(r.Context()),
		"circuit_breaker": a.breaker.GetStats(),
	}
	if a.cache != nil {
		detailed["cache_stats"] = a.cache.GetStats()
	}
	writeAppJSON(w, detailed)
}

func (a *App) recordEvent(outcome string) {
	if a.metrics != nil {
		a.metrics.RecordCacheEvent(a.backend.Name(), outcome)
	}
}

func writeAppJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}
