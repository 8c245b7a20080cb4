// Package remote talks to the flag authority over HTTP: it exchanges API keys
// for tokens and fetches evaluations for an authenticated identity.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/matt-riley/flagsync/internal/core"
)

const defaultTimeout = 30 * time.Second

// Config holds configuration for the authority client.
type Config struct {
	// BaseURL is the authority's client API root, e.g.
	// "https://config.example.com/api/1.0".
	BaseURL string
	// Timeout bounds every request. Defaults to 30s.
	Timeout time.Duration
	// HTTPClient is optional; the default client is instrumented with
	// OpenTelemetry and honours Timeout.
	HTTPClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: hc,
	}
}

// WithToken returns a copy of c that sends token as a bearer credential.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = token
	return &clone
}

// -- wire types --------------------------------------------------------------

type wireTarget struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

type wireAuthRequest struct {
	APIKey string     `json:"apiKey"`
	Target wireTarget `json:"target"`
}

type wireAuthResponse struct {
	AuthToken string `json:"authToken"`
}

// -- helpers -----------------------------------------------------------------

// APIError is returned when the authority responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flagsync: HTTP %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("flagsync: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("flagsync: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", core.ErrParsing, err)
	}
	return nil
}

func evaluationsPath(id core.SyncIdentity) string {
	return "/client/env/" + url.PathEscape(id.EnvironmentID) +
		"/target/" + url.PathEscape(id.TargetID) + "/evaluations"
}

// -- authentication ----------------------------------------------------------

// Authenticate exchanges apiKey for a bearer token scoped to target.
func (c *Client) Authenticate(ctx context.Context, apiKey, target string) (string, error) {
	var out wireAuthResponse
	err := c.do(ctx, http.MethodPost, "/client/auth", wireAuthRequest{
		APIKey: apiKey,
		Target: wireTarget{Identifier: target, Name: target},
	}, &out)
	if err != nil {
		return "", err
	}
	if out.AuthToken == "" {
		return "", fmt.Errorf("%w: empty authToken", core.ErrParsing)
	}
	return out.AuthToken, nil
}

// -- evaluations -------------------------------------------------------------

func (c *Client) FetchAll(ctx context.Context, id core.SyncIdentity) ([]core.Evaluation, error) {
	var out []core.Evaluation
	if err := c.do(ctx, http.MethodGet, evaluationsPath(id), nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []core.Evaluation{}
	}
	return out, nil
}

func (c *Client) FetchOne(ctx context.Context, id core.SyncIdentity, flag string) (core.Evaluation, error) {
	var out core.Evaluation
	if err := c.do(ctx, http.MethodGet, evaluationsPath(id)+"/"+url.PathEscape(flag), nil, &out); err != nil {
		return core.Evaluation{}, err
	}
	return out, nil
}
