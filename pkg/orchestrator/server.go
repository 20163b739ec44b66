package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"atlas/pkg/metrics"
	"atlas/pkg/sse"
)

// Server exposes the orchestrator over HTTP: search, streaming search,
// and service administration.
type Server struct {
	orch *Orchestrator
}

// NewServer creates the HTTP surface for an orchestrator.
func NewServer(orch *Orchestrator) *Server {
	return &Server{orch: orch}
}

// RegisterRoutes sets up HTTP routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/search/stream", s.handleSearchStream)
	mux.HandleFunc("/services", s.handleServices)
	mux.HandleFunc("/services/", s.handleServiceAction)
	mux.Handle("/metrics", metrics.Handler())
}

// Start runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.orch.logger.Info("orchestrator server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("orchestrator server: %w", err)
	case <-ctx.Done():
	}

	s.orch.logger.Info("shutting down orchestrator server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	//nolint:contextcheck // parent context is cancelled; shutdown needs a fresh one
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("orchestrator server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"services": s.orch.ServicesStatus(),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q, ok := decodeQuery(w, r)
	if !ok {
		return
	}

	resp, err := s.orch.Search(r.Context(), q)
	if err != nil {
		http.Error(w, "search failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSearchStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q, ok := decodeQuery(w, r)
	if !ok {
		return
	}

	stream, err := sse.NewWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	emit := func(ev StreamEvent) error { return stream.Send(ev) }
	if err := s.orch.StreamSearch(r.Context(), q, emit); err != nil {
		// The client is usually gone at this point; just log.
		s.orch.logger.Debug("stream search ended early: %v", err)
	}
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.ServicesStatus())
}

// handleServiceAction implements POST /services/{name}/enable|disable
// and POST /services/refresh.
func (s *Server) handleServiceAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/services/")
	if rest == "refresh" {
		s.orch.RefreshHealth(r.Context())
		writeJSON(w, http.StatusOK, s.orch.ServicesStatus())
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	name, action := parts[0], parts[1]

	var enabled bool
	switch action {
	case "enable":
		enabled = true
	case "disable":
		enabled = false
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if !s.orch.SetServiceEnabled(name, enabled) {
		http.Error(w, fmt.Sprintf("service %s not found", name), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  action + "d",
		"service": name,
	})
}

func decodeQuery(w http.ResponseWriter, r *http.Request) (Query, bool) {
	var q Query
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return q, false
	}
	if strings.TrimSpace(q.Query) == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return q, false
	}
	return q, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // response already committed
}
