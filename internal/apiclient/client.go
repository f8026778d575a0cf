// Package apiclient is the typed HTTP client for the relay service. It
// implements the collaborator interfaces the client core depends on:
// verification delivery, session join, rotating-token fetch, chain
// operations, the realtime event stream, and the reachability probe.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"batonrelay/internal/connectivity"
	"batonrelay/internal/token"
	"batonrelay/internal/wire"
)

// DefaultTimeout bounds every non-streaming request.
const DefaultTimeout = 10 * time.Second

// Client talks to one relay service. Transport outcomes are reported to
// the connectivity monitor when one is attached: any HTTP answer counts
// as online, a failed dial or timeout counts as offline.
type Client struct {
	log     *zap.Logger
	base    string
	http    *http.Client
	stream  *http.Client
	bearer  string
	ua      string
	monitor *connectivity.Monitor
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout overrides the request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.Timeout = d }
}

// WithBearerToken attaches an Authorization header to every request.
func WithBearerToken(tok string) Option {
	return func(c *Client) { c.bearer = tok }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.ua = ua }
}

// WithMonitor reports transport outcomes to the connectivity monitor.
func WithMonitor(m *connectivity.Monitor) Option {
	return func(c *Client) { c.monitor = m }
}

func New(log *zap.Logger, baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("apiclient: base url is empty")
	}
	c := &Client{
		log:  log,
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: DefaultTimeout},
		// The event stream stays open for the session's lifetime; only
		// the caller's context bounds it.
		stream: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Verify submits one verification request to the endpoint for kind.
func (c *Client) Verify(ctx context.Context, kind token.Kind, req wire.VerifyRequest) (wire.VerifyResponse, error) {
	var out wire.VerifyResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/verify/"+string(kind), req, &out)
	return out, err
}

// Join exchanges a session-join token for roster membership.
func (c *Client) Join(ctx context.Context, sessionID string, req wire.JoinRequest) (wire.JoinResponse, error) {
	var out wire.JoinResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/join", req, &out)
	return out, err
}

// FetchRotating returns the rotating window's current token for kind.
func (c *Client) FetchRotating(ctx context.Context, sessionID string, kind token.Kind) (wire.RotatingFetchResponse, error) {
	var out wire.RotatingFetchResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID+"/rotating/"+string(kind), nil, &out)
	return out, err
}

// OpenRotating opens the rotating window for kind.
func (c *Client) OpenRotating(ctx context.Context, sessionID string, kind token.Kind) error {
	return c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/rotating/"+string(kind)+"/open", nil, nil)
}

// CloseRotating closes the rotating window for kind.
func (c *Client) CloseRotating(ctx context.Context, sessionID string, kind token.Kind) error {
	return c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/rotating/"+string(kind)+"/close", nil, nil)
}

// SeedChains creates count fresh entry chains. All-or-nothing.
func (c *Client) SeedChains(ctx context.Context, sessionID string, count int) (wire.SeedResponse, error) {
	var out wire.SeedResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/chains/seed", wire.SeedRequest{Count: count}, &out)
	return out, err
}

// StartExitChains seeds count exit-phase chains.
func (c *Client) StartExitChains(ctx context.Context, sessionID string, count int) (wire.SeedResponse, error) {
	var out wire.SeedResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/chains/start-exit", wire.SeedRequest{Count: count}, &out)
	return out, err
}

// ReseedChains replaces count stalled chains with fresh ones.
func (c *Client) ReseedChains(ctx context.Context, sessionID string, count int) (wire.SeedResponse, error) {
	var out wire.SeedResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/sessions/"+sessionID+"/chains/reseed", wire.SeedRequest{Count: count}, &out)
	return out, err
}

// ListChains returns the session's chain roster.
func (c *Client) ListChains(ctx context.Context, sessionID string) (wire.ChainListResponse, error) {
	var out wire.ChainListResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID+"/chains", nil, &out)
	return out, err
}

// MyChain returns the authenticated participant's own active chain with
// the baton they carry. Initial holders call this after seeding to get
// their first baton; subsequent batons arrive in verify responses.
func (c *Client) MyChain(ctx context.Context, sessionID string) (wire.HolderChainResponse, error) {
	var out wire.HolderChainResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/sessions/"+sessionID+"/chains/mine", nil, &out)
	return out, err
}

// Probe checks service reachability. Satisfies connectivity.Probe via
// connectivity.ProbeFunc(client.Probe).
func (c *Client) Probe(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// RotatingSource binds the client to one session so it satisfies the
// rotating-window fetcher, which does not know about sessions.
type RotatingSource struct {
	c         *Client
	sessionID string
}

func (c *Client) RotatingSource(sessionID string) *RotatingSource {
	return &RotatingSource{c: c, sessionID: sessionID}
}

func (s *RotatingSource) FetchRotating(ctx context.Context, kind token.Kind) (wire.RotatingFetchResponse, error) {
	return s.c.FetchRotating(ctx, s.sessionID, kind)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ua != "" {
		req.Header.Set("User-Agent", c.ua)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.observe(false)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	c.observe(true)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
		return nil
	}

	var eb wire.ErrorBody
	if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error.Code == "" {
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	return &wire.EndpointError{Code: eb.Error.Code, Message: eb.Error.Message}
}

// observe reports a transport outcome. Any answer from the service,
// including a rejection, proves reachability.
func (c *Client) observe(online bool) {
	if c.monitor == nil {
		return
	}
	if online {
		c.monitor.Set(connectivity.StateOnline)
	} else {
		c.monitor.Set(connectivity.StateOffline)
	}
}
