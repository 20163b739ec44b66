// Package orchestrator coordinates one logical query across the enabled
// integration services: keyword-based source selection, bounded parallel
// fan-out, aggregation, deterministic ranking, and streaming delivery.
package orchestrator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"atlas/pkg/breaker"
	"atlas/pkg/cache"
	"atlas/pkg/config"
	"atlas/pkg/envelope"
	"atlas/pkg/logx"
	"atlas/pkg/metrics"
	"atlas/pkg/ratelimit"
	"atlas/pkg/record"
)

// Status is the health classification of one integration service.
type Status string

// Service health states.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// fallbackServiceCount limits the no-keyword-match fallback set.
const fallbackServiceCount = 5

// Service is one managed integration: its config, its resilient
// envelope, and its last observed health.
type Service struct {
	mu      sync.RWMutex
	config  *config.ServiceConfig
	client  *envelope.Client
	status  Status
	checked time.Time
}

// Enabled reports whether the service participates in fan-outs.
func (s *Service) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.Enabled
}

// SetEnabled toggles participation.
func (s *Service) SetEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config.Enabled = enabled
}

// Status returns the last observed health.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Service) setStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
	s.checked = time.Now()
}

// Query is one orchestrator search request. SourceQueries carries the
// router's per-source optimized phrasings; services without an entry
// fall back to the raw query.
type Query struct {
	Query           string            `json:"query"`
	Limit           int               `json:"limit"`
	Services        []string          `json:"services,omitempty"`
	SourceQueries   map[string]string `json:"source_queries,omitempty"`
	Parallel        bool              `json:"parallel"`
	IncludeMetadata bool              `json:"include_metadata"`
}

// queryFor resolves the query text used for one service.
func (q *Query) queryFor(name string) string {
	if opt, ok := q.SourceQueries[name]; ok && opt != "" {
		return opt
	}
	return q.Query
}

// Response is the aggregated, ranked result of one fan-out.
type Response struct {
	Results          []record.Record    `json:"results"`
	SourcesQueried   []string           `json:"sources_queried"`
	SourcesResponded []string           `json:"sources_responded"`
	TotalTimeMs      float64            `json:"total_time_ms"`
	PerServiceTime   map[string]float64 `json:"per_service_time"`
}

// outcome is one settled service call.
type outcome struct {
	name      string
	records   []record.Record
	elapsedMs float64
	err       error
}

// Orchestrator coordinates queries across integration services.
type Orchestrator struct {
	services    map[string]*Service
	order       []string // registration order, for stable listings
	maxParallel int
	logger      *logx.Logger
	metrics     *metrics.Recorder
}

// New builds an orchestrator from configuration, wrapping every service
// in its own resilience envelope. cache and rec may be nil.
func New(cfg *config.Config, c *cache.MultiLayer, rec *metrics.Recorder) *Orchestrator {
	o := &Orchestrator{
		services:    make(map[string]*Service, len(cfg.Services)),
		maxParallel: cfg.Orchestrator.MaxParallel,
		logger:      logx.NewLogger("orchestrator"),
		metrics:     rec,
	}

	for i := range cfg.Services {
		sc := &cfg.Services[i]
		env := envelope.New(envelope.Config{
			Name:        sc.Name,
			BaseURL:     sc.BaseURL,
			Timeout:     sc.Timeout,
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
		}, c, rec)

		o.services[sc.Name] = &Service{config: sc, client: env, status: StatusUnknown}
		o.order = append(o.order, sc.Name)
	}

	o.logger.Info("orchestrator initialized with %d services", len(o.services))
	return o
}

// SelectServices decides which services a query should fan out to.
// Explicitly requested services are filtered to known+enabled ones and
// keep their input order. Otherwise keyword matches win, sorted by
// priority; with no match, the top services by priority are used.
func (o *Orchestrator) SelectServices(query string, requested []string) []string {
	if len(requested) > 0 {
		var out []string
		for _, name := range requested {
			if svc, ok := o.services[name]; ok && svc.Enabled() {
				out = append(out, name)
			}
		}
		return out
	}

	lower := strings.ToLower(query)
	type cand struct {
		priority int
		name     string
	}
	var matched, fallback []cand

	for _, name := range o.order {
		svc := o.services[name]
		if !svc.Enabled() {
			continue
		}
		c := cand{priority: svc.config.Priority, name: name}
		if keywordMatch(lower, svc.config.Keywords) {
			matched = append(matched, c)
		} else {
			fallback = append(fallback, c)
		}
	}

	pick := matched
	limit := len(matched)
	if len(matched) == 0 {
		pick = fallback
		limit = fallbackServiceCount
		if limit > len(fallback) {
			limit = len(fallback)
		}
	}

	sort.SliceStable(pick, func(i, j int) bool { return pick[i].priority < pick[j].priority })

	out := make([]string, 0, limit)
	for _, c := range pick[:limit] {
		out = append(out, c.name)
	}
	return out
}

func keywordMatch(lowerQuery string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(lowerQuery, kw) {
			return true
		}
	}
	return false
}

// Search fans the query out and returns the ranked aggregate. A failed
// or timed-out service contributes an empty result set; it never aborts
// the aggregation.
func (o *Orchestrator) Search(ctx context.Context, q Query) (*Response, error) {
	start := time.Now()
	if q.Limit <= 0 {
		q.Limit = record.DefaultLimit
	}

	selected := o.SelectServices(q.Query, q.Services)
	o.logger.Info("querying services: %v", selected)

	outcomes := o.fanOut(ctx, selected, q)

	var all []record.Record
	var responded []string
	perService := make(map[string]float64, len(outcomes))

	for _, oc := range outcomes {
		perService[oc.name] = oc.elapsedMs
		if oc.err != nil {
			o.logger.Warn("service %s failed: %v", oc.name, oc.err)
			continue
		}
		if len(oc.records) > 0 {
			responded = append(responded, oc.name)
			all = append(all, oc.records...)
		}
	}

	ranked := o.Rank(all, q.Query)
	if len(ranked) > q.Limit {
		ranked = ranked[:q.Limit]
	}

	return &Response{
		Results:          ranked,
		SourcesQueried:   selected,
		SourcesResponded: responded,
		TotalTimeMs:      float64(time.Since(start).Microseconds()) / 1000.0,
		PerServiceTime:   perService,
	}, nil
}

// fanOut queries the selected services, bounded by maxParallel, and
// waits for all of them to settle.
func (o *Orchestrator) fanOut(ctx context.Context, names []string, q Query) []outcome {
	results := make(chan outcome, len(names))
	sem := make(chan struct{}, o.maxParallel)
	var wg sync.WaitGroup

	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results <- o.queryService(ctx, name, q)
		}(name)
	}

	wg.Wait()
	close(results)

	out := make([]outcome, 0, len(names))
	for oc := range results {
		out = append(out, oc)
	}
	return out
}

// queryService runs one service call under its own timeout and backfills
// the source tag on returned records.
func (o *Orchestrator) queryService(ctx context.Context, name string, q Query) outcome {
	svc := o.services[name]
	start := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, svc.config.Timeout)
	defer cancel()

	res, err := svc.client.Search(callCtx, record.SearchQuery{Query: q.queryFor(name), Limit: q.Limit})
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	if err != nil {
		return outcome{name: name, elapsedMs: elapsed, err: err}
	}

	records := res.Records
	for i := range records {
		if records[i].Source == "" {
			records[i].Source = name
		}
		if !q.IncludeMetadata {
			records[i].Metadata = nil
		}
	}
	return outcome{name: name, records: records, elapsedMs: elapsed}
}

// Rank scores, deduplicates, and orders records. Scoring: two points per
// query term found in the title, one per term in the content, plus
// (5 - service priority). Duplicate (source, id) keys keep the first
// occurrence; ties preserve pre-sort order, so ranking is deterministic.
func (o *Orchestrator) Rank(records []record.Record, query string) []record.Record {
	terms := strings.Fields(strings.ToLower(query))
	seen := make(map[string]bool, len(records))
	out := make([]record.Record, 0, len(records))

	for _, r := range records {
		key := r.Key()
		if seen[key] {
			continue
		}
		seen[key] = true

		title := strings.ToLower(r.Title)
		content := strings.ToLower(r.Content)

		score := 0.0
		for _, term := range terms {
			if strings.Contains(title, term) {
				score += 2.0
			}
			if strings.Contains(content, term) {
				score += 1.0
			}
		}
		if svc, ok := o.services[r.Source]; ok {
			score += float64(5 - svc.config.Priority)
		}

		r.Score = score
		out = append(out, r)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// ServiceStatus is the admin view of one service.
type ServiceStatus struct {
	Enabled  bool          `json:"enabled"`
	URL      string        `json:"url"`
	Status   Status        `json:"status"`
	Priority int           `json:"priority"`
	Breaker  breaker.Stats `json:"breaker"`
}

// ServicesStatus returns the admin view of every service.
func (o *Orchestrator) ServicesStatus() map[string]ServiceStatus {
	out := make(map[string]ServiceStatus, len(o.services))
	for _, name := range o.order {
		svc := o.services[name]
		out[name] = ServiceStatus{
			Enabled:  svc.Enabled(),
			URL:      svc.config.BaseURL,
			Status:   svc.Status(),
			Priority: svc.config.Priority,
			Breaker:  svc.client.BreakerStats(),
		}
	}
	return out
}

// SetServiceEnabled toggles one service. Returns false if unknown.
func (o *Orchestrator) SetServiceEnabled(name string, enabled bool) bool {
	svc, ok := o.services[name]
	if !ok {
		return false
	}
	svc.SetEnabled(enabled)
	o.logger.Info("service %s enabled=%v", name, enabled)
	return true
}

// HasEnabledService reports whether the named service exists and is
// enabled. Used by the router's required-source policy.
func (o *Orchestrator) HasEnabledService(name string) bool {
	svc, ok := o.services[name]
	return ok && svc.Enabled()
}

// RefreshHealth probes every enabled service's health endpoint in
// parallel and records the outcome.
func (o *Orchestrator) RefreshHealth(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range o.order {
		svc := o.services[name]
		if !svc.Enabled() {
			svc.setStatus(StatusUnknown)
			continue
		}
		wg.Add(1)
		go func(svc *Service) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := svc.client.Health(checkCtx); err != nil {
				svc.setStatus(StatusUnhealthy)
				return
			}
			svc.setStatus(StatusHealthy)
		}(svc)
	}
	wg.Wait()
}
