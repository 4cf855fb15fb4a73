// Package hosted implements the sandbox provider over a remote serverless
// sandbox API. Every operation is a thin HTTP call; the remote service owns
// the real isolation and the core trusts only the documented surface.
package hosted

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/opencode/sandbox/internal/common/config"
	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/events"
	"github.com/opencode/sandbox/internal/events/bus"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

const defaultRequestTimeout = 30 * time.Second

// Provider speaks the hosted sandbox API.
type Provider struct {
	cfg      config.HostedProviderConfig
	baseURL  string
	eventBus bus.EventBus
	logger   *logger.Logger

	httpClient *http.Client
	// streamClient has no timeout so long-lived log streams are bounded
	// only by the caller's context.
	streamClient *http.Client
}

// NewProvider creates a hosted provider from config. TokenID, TokenSecret
// and APIBaseURL must be set.
func NewProvider(cfg config.HostedProviderConfig, eventBus bus.EventBus, log *logger.Logger) (*Provider, error) {
	if cfg.APIBaseURL == "" {
		return nil, apperrors.ValidationError("apiBaseUrl", "must not be empty")
	}
	if cfg.TokenID == "" || cfg.TokenSecret == "" {
		return nil, apperrors.ValidationError("token", "tokenId and tokenSecret must both be set")
	}

	timeout := cfg.RequestTimeoutDuration()
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &Provider{
		cfg:          cfg,
		baseURL:      cfg.APIBaseURL,
		eventBus:     eventBus,
		logger:       log.WithFields(zap.String("component", "hosted-provider")),
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}, nil
}

// Name identifies the backend.
func (p *Provider) Name() string {
	return "hosted"
}

// doJSON performs one authenticated request and decodes a 2xx JSON response
// into out. A 404 maps to NotFound for the given resource; any other non-2xx
// becomes a BackendUnavailable error carrying the upstream status and body.
func (p *Provider) doJSON(ctx context.Context, method, path string, payload, out interface{}, resource, id string) error {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return apperrors.InternalError("failed to encode request", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return apperrors.InternalError("failed to build request", err)
	}
	req.SetBasicAuth(p.cfg.TokenID, p.cfg.TokenSecret)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return apperrors.BackendFailure("sandbox API request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := readResponseBody(resp)
	if err != nil {
		return apperrors.BackendFailure("failed to read sandbox API response", err)
	}

	if resp.StatusCode == http.StatusNotFound && resource != "" {
		return apperrors.NotFound(resource, id)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperrors.BackendUnavailable(resp.StatusCode, truncateBody(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return apperrors.BackendFailure(
				fmt.Sprintf("failed to parse sandbox API response (status %d, body: %s)", resp.StatusCode, truncateBody(respBody)), err)
		}
	}
	return nil
}

// readResponseBody reads and returns the response body.
func readResponseBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// truncateBody truncates body for error messages to avoid huge logs.
func truncateBody(body []byte) string {
	const maxLen = 200
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}

func (p *Provider) publishEvent(ctx context.Context, subject, eventType string, sb *v1.Sandbox) {
	if p.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"sandbox_id": sb.ID,
		"project_id": sb.ProjectID,
		"status":     string(sb.Status),
		"repo":       sb.Git.Repo,
		"branch":     sb.Git.Branch,
	}
	event := bus.NewEvent(eventType, "hosted-provider", data)
	if err := p.eventBus.Publish(ctx, subject, event); err != nil {
		p.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("sandbox_id", sb.ID),
			zap.Error(err))
	}
}

func (p *Provider) publishStatus(ctx context.Context, id string, status v1.SandboxStatus) {
	if p.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"sandbox_id": id,
		"status":     string(status),
	}
	event := bus.NewEvent(events.SandboxStatus, "hosted-provider", data)
	if err := p.eventBus.Publish(ctx, events.BuildSandboxStatusSubject(id), event); err != nil {
		p.logger.Error("failed to publish status event",
			zap.String("sandbox_id", id),
			zap.Error(err))
	}
}
