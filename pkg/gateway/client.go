package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"atlas/pkg/logx"
	"atlas/pkg/orchestrator"
	"atlas/pkg/record"
)

// OrchestratorClient talks to the orchestrator service over HTTP.
type OrchestratorClient struct {
	baseURL string
	http    *http.Client
	logger  *logx.Logger
}

// NewOrchestratorClient creates a client for the given base URL.
func NewOrchestratorClient(baseURL string) *OrchestratorClient {
	return &OrchestratorClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logx.NewLogger("orchestrator-client"),
	}
}

// Search fans one query out through the orchestrator. A down
// orchestrator degrades to an empty result set rather than failing the
// chat.
func (c *OrchestratorClient) Search(ctx context.Context, q orchestrator.Query) []record.Record {
	q.Parallel = true
	q.IncludeMetadata = true

	body, err := json.Marshal(q)
	if err != nil {
		c.logger.Error("marshal orchestrator query: %v", err)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		c.logger.Error("build orchestrator request: %v", err)
		return nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("could not reach orchestrator at %s: %v", c.baseURL, err)
		return nil
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512)) //nolint:errcheck
		c.logger.Error("orchestrator error: %d - %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return nil
	}

	var payload orchestrator.Response
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.logger.Error("decode orchestrator response: %v", err)
		return nil
	}

	c.logger.Info("orchestrator returned %d results from %v", len(payload.Results), payload.SourcesResponded)
	return payload.Results
}

// ServicesStatus fetches the admin view of every integration service.
func (c *OrchestratorClient) ServicesStatus(ctx context.Context) (map[string]orchestrator.ServiceStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/services", nil)
	if err != nil {
		return nil, fmt.Errorf("build services request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("orchestrator services: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("orchestrator services: status %d", resp.StatusCode)
	}

	var out map[string]orchestrator.ServiceStatus
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode services status: %w", err)
	}
	return out, nil
}

// HealthCheck reports whether the orchestrator answers its health
// endpoint.
func (c *OrchestratorClient) HealthCheck(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close() //nolint:errcheck
	return resp.StatusCode == http.StatusOK
}
