// Package githubauth mints GitHub App installation tokens for repository
// access during image builds. Tokens are cached until shortly before expiry
// and never allowed to leak into error strings.
package githubauth

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/opencode/sandbox/internal/common/config"
	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/logger"
)

const (
	defaultAPIBaseURL = "https://api.github.com"

	// tokenExpiryMargin is subtracted from the token's expires_at when
	// deciding whether a cached token is still usable.
	tokenExpiryMargin = 5 * time.Minute

	appJWTBackdate = 60 * time.Second
	appJWTLifetime = 10 * time.Minute
)

// Authenticator exchanges a GitHub App private key for short-lived
// installation tokens.
type Authenticator struct {
	appID          string
	installationID string
	privateKey     *rsa.PrivateKey
	baseURL        string

	httpClient *http.Client
	logger     *logger.Logger
	now        func() time.Time

	mu          sync.Mutex
	cachedToken string
	cachedUntil time.Time
	// lastToken survives ClearCache so redaction still covers errors that
	// embed a token minted before the cache was dropped.
	lastToken string
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewAuthenticator parses the configured private key and returns a ready
// authenticator. AppID, InstallationID and PrivateKey must all be set.
func NewAuthenticator(cfg config.GitHubAppConfig, log *logger.Logger) (*Authenticator, error) {
	if cfg.AppID == "" {
		return nil, apperrors.ValidationError("appId", "must not be empty")
	}
	if cfg.InstallationID == "" {
		return nil, apperrors.ValidationError("installationId", "must not be empty")
	}
	if cfg.PrivateKey == "" {
		return nil, apperrors.ValidationError("privateKey", "must not be empty")
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(NormalizePrivateKey(cfg.PrivateKey)))
	if err != nil {
		return nil, apperrors.ValidationError("privateKey", fmt.Sprintf("not a parseable RSA key: %v", err))
	}

	baseURL := cfg.APIBaseURL
	if baseURL == "" {
		baseURL = defaultAPIBaseURL
	}

	return &Authenticator{
		appID:          cfg.AppID,
		installationID: cfg.InstallationID,
		privateKey:     key,
		baseURL:        baseURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         log.WithFields(zap.String("component", "github-auth")),
		now:            time.Now,
	}, nil
}

// AppJWT signs a fresh App-level JWT. The issued-at claim is backdated one
// minute to absorb clock skew between us and GitHub.
func (a *Authenticator) AppJWT() (string, error) {
	now := a.now()
	claims := jwt.MapClaims{
		"iat": now.Add(-appJWTBackdate).Unix(),
		"exp": now.Add(appJWTLifetime).Unix(),
		"iss": a.appID,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.privateKey)
	if err != nil {
		return "", apperrors.InternalError("failed to sign app JWT", err)
	}
	return signed, nil
}

// InstallationToken returns a token scoped to the configured installation.
// A cached token is reused until five minutes before its expiry.
func (a *Authenticator) InstallationToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cachedToken != "" && a.now().Before(a.cachedUntil) {
		return a.cachedToken, nil
	}

	appJWT, err := a.AppJWT()
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", a.baseURL, a.installationID)
	req, err := http.NewRequestWithContext(ctx, "POST", url, nil)
	if err != nil {
		return "", apperrors.InternalError("failed to build token request", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", apperrors.BackendFailure("github token exchange failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return "", apperrors.BackendFailure("failed to read github response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// The failure body never contains a token but is truncated anyway.
		body := buf.String()
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		return "", apperrors.BackendUnavailable(resp.StatusCode, body)
	}

	var tok tokenResponse
	if err := json.Unmarshal(buf.Bytes(), &tok); err != nil {
		return "", apperrors.BackendFailure("failed to parse github token response", err)
	}
	if tok.Token == "" {
		return "", apperrors.BackendFailure("github returned an empty token", nil)
	}

	a.cachedToken = tok.Token
	a.cachedUntil = tok.ExpiresAt.Add(-tokenExpiryMargin)
	a.lastToken = tok.Token
	a.logger.Debug("installation token refreshed",
		zap.Time("expires_at", tok.ExpiresAt))

	return a.cachedToken, nil
}

// ClearCache drops the cached installation token so the next call mints a
// fresh one.
func (a *Authenticator) ClearCache() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cachedToken = ""
	a.cachedUntil = time.Time{}
}

// Redact strips any token this authenticator has minted from msg. Safe to
// call when no token has been minted yet.
func (a *Authenticator) Redact(msg string) string {
	a.mu.Lock()
	cached, last := a.cachedToken, a.lastToken
	a.mu.Unlock()
	return RedactToken(RedactToken(msg, cached), last)
}
