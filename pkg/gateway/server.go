package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"atlas/pkg/adapters"
	"atlas/pkg/llm"
	"atlas/pkg/logx"
	"atlas/pkg/metrics"
	"atlas/pkg/sse"
	"atlas/pkg/store"
	"atlas/pkg/version"
)

// defaultUserID keys settings when the client sends no user_id.
const defaultUserID = "default"

// probeTimeout bounds each test-connection probe.
const probeTimeout = 15 * time.Second

// Server is the gateway HTTP surface. All paths live under /api.
type Server struct {
	engine *Engine
	store  *store.Store
	orch   *OrchestratorClient
	logger *logx.Logger
}

// NewServer creates the gateway HTTP surface.
func NewServer(engine *Engine, db *store.Store, orch *OrchestratorClient) *Server {
	return &Server{
		engine: engine,
		store:  db,
		orch:   orch,
		logger: logx.NewLogger("gateway-http"),
	}
}

// RegisterRoutes sets up HTTP routes.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/", s.handleRoot)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/settings", s.handleSettingsSave)
	mux.HandleFunc("/api/settings/", s.handleSettingsGet)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/chat/stream", s.handleChatStream)
	mux.HandleFunc("/api/chat/history/", s.handleChatHistory)
	mux.HandleFunc("/api/services", s.handleServices)
	mux.HandleFunc("/api/test-connection", s.handleTestConnection)
	mux.HandleFunc("/api/test-integration/", s.handleTestIntegration)
	mux.Handle("/metrics", metrics.Handler())
}

// Start runs the gateway until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           withCORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("gateway server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	//nolint:contextcheck // parent context is cancelled; shutdown needs a fresh one
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	return nil
}

// withCORS allows the browser client to call the API from any origin.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userID(r *http.Request) string {
	if id := r.URL.Query().Get("user_id"); id != "" {
		return id
	}
	return defaultUserID
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/" && r.URL.Path != "/api" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "Atlas gateway is running",
		"version": version.Version,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	orchStatus := "disconnected"
	if s.orch.HealthCheck(r.Context()) {
		orchStatus = "connected"
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":       "healthy",
		"orchestrator": orchStatus,
		"database":     "connected",
	})
}

func (s *Server) handleSettingsSave(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var settings Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.engine.Settings().Save(userID(r), &settings); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Settings saved successfully",
	})
}

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/api/settings/")
	if id == "" {
		id = defaultUserID
	}

	settings, err := s.engine.Settings().Load(id)
	if errors.Is(err, ErrNotConfigured) {
		writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "settings": nil})
		return
	}
	if err != nil {
		s.logger.Error("load settings: %v", err)
		http.Error(w, "failed to load settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "settings": settings})
}

// chatRequest is the body of /api/chat and /api/chat/stream.
type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

func (s *Server) decodeChat(w http.ResponseWriter, r *http.Request) (chatRequest, bool) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.SessionID == "" {
		req.SessionID = newSessionID()
	}
	return req, true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	result, err := s.engine.Chat(r.Context(), userID(r), req.SessionID, req.Message)
	if err != nil {
		s.writeChatError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	req, ok := s.decodeChat(w, r)
	if !ok {
		return
	}

	// Settings problems surface before the stream opens so the client
	// gets a proper status code.
	if _, err := s.engine.Settings().Load(userID(r)); err != nil {
		s.writeChatError(w, err)
		return
	}

	stream, err := sse.NewWriter(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	emit := func(ev Event) error { return stream.Send(ev) }
	if err := s.engine.ChatStream(r.Context(), userID(r), req.SessionID, req.Message, emit); err != nil {
		s.logger.Debug("chat stream ended early: %v", err)
	}
}

func (s *Server) writeChatError(w http.ResponseWriter, err error) {
	var invalid *InvalidInputError
	switch {
	case errors.Is(err, ErrNotConfigured):
		http.Error(w, "User settings not configured.", http.StatusBadRequest)
	case errors.As(err, &invalid):
		http.Error(w, invalid.Reason, http.StatusBadRequest)
	default:
		s.logger.Error("chat failed: %v", err)
		http.Error(w, "chat failed", http.StatusInternalServerError)
	}
}

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimPrefix(r.URL.Path, "/api/chat/history/")
	if sessionID == "" {
		http.Error(w, "session id is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		history, err := s.store.History(sessionID, 100)
		if err != nil {
			s.logger.Error("load history: %v", err)
			http.Error(w, "failed to load history", http.StatusInternalServerError)
			return
		}
		if history == nil {
			history = []store.ChatMessage{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": history})

	case http.MethodDelete:
		deleted, err := s.store.ClearHistory(sessionID)
		if err != nil {
			s.logger.Error("clear history: %v", err)
			http.Error(w, "failed to clear history", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "success",
			"deleted_count": deleted,
		})

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := s.orch.ServicesStatus(r.Context())
	if err != nil {
		s.logger.Error("services status: %v", err)
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// probeResult is one integration's test outcome.
type probeResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var settings Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	results := map[string]probeResult{
		"llm": s.probeLLM(ctx, &settings),
	}
	if s.orch.HealthCheck(ctx) {
		results["orchestrator"] = probeResult{Status: "success", Message: "Orchestrator connected"}
	} else {
		results["orchestrator"] = probeResult{Status: "error", Message: "Orchestrator not reachable"}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleTestIntegration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/api/test-integration/")

	var settings Settings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	var result probeResult
	switch name {
	case "llm":
		result = s.probeLLM(ctx, &settings)
	case "atlassian":
		result = probeBackend(ctx, adapters.NewJira(credentialsFrom(&settings)), "Atlassian connection successful")
	case "slack":
		result = probeBackend(ctx, adapters.NewSlack(credentialsFrom(&settings)), "Slack connection successful")
	case "github":
		result = probeBackend(ctx, adapters.NewGitHub(credentialsFrom(&settings)), "GitHub connection successful")
	default:
		http.Error(w, fmt.Sprintf("unknown integration %q", name), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) probeLLM(ctx context.Context, settings *Settings) probeResult {
	client, err := s.engine.buildLLM(settings)
	if err != nil {
		return probeResult{Status: "error", Message: err.Error()}
	}

	req := llm.NewCompletionRequest([]llm.Message{
		llm.NewUserMessage("Say 'Connection successful'"),
	})
	req.MaxTokens = 32
	if _, err := client.Complete(ctx, req); err != nil {
		return probeResult{Status: "error", Message: err.Error()}
	}
	return probeResult{Status: "success", Message: "LLM connection successful"}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func probeBackend(ctx context.Context, backend pinger, success string) probeResult {
	if err := backend.Ping(ctx); err != nil {
		return probeResult{Status: "error", Message: err.Error()}
	}
	return probeResult{Status: "success", Message: success}
}

func credentialsFrom(settings *Settings) adapters.Credentials {
	return adapters.Credentials{
		AtlassianBaseURL: settings.AtlassianDomain,
		AtlassianEmail:   settings.AtlassianEmail,
		AtlassianToken:   settings.AtlassianAPIToken,
		SlackBotToken:    settings.SlackBotToken,
		SlackUserToken:   settings.SlackUserToken,
		GitHubToken:      settings.GitHubToken,
	}
}

func newSessionID() string {
	return uuid.New().String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // response already committed
}
