// Package gateway is the HTTP client for the fleet router.
//
// Agents self-register at startup, heartbeat every few seconds, and emit
// handoff transfers through the gateway. Every call is bounded by a short
// deadline and guarded by a circuit breaker: a dead gateway must never slow
// down live conversations.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/crosstalk/internal/handoff"
	"github.com/MrWong99/crosstalk/internal/resilience"
)

const defaultTimeout = 5 * time.Second

// maxSuggestDistance bounds how far a fuzzy agent-name suggestion may be
// from the requested name.
const maxSuggestDistance = 3

// Capabilities describes what an agent can do, published on registration.
type Capabilities struct {
	Voice     bool     `json:"voice"`
	Text      bool     `json:"text"`
	Mode      string   `json:"mode"`
	PersonaID string   `json:"persona_id"`
	Tools     []string `json:"tools"`
}

// Registration is the register request body.
type Registration struct {
	ID           string       `json:"id"`
	URL          string       `json:"url"`
	Port         int          `json:"port"`
	Capabilities Capabilities `json:"capabilities"`
}

// Heartbeat is the periodic liveness report.
type Heartbeat struct {
	AgentID        string `json:"agent_id"`
	ActiveSessions int    `json:"active_sessions"`
	UptimeSeconds  int64  `json:"uptime"`
}

// AgentInfo is one entry of the gateway's agent listing.
type AgentInfo struct {
	ID           string       `json:"id"`
	URL          string       `json:"url"`
	Capabilities Capabilities `json:"capabilities"`
	Healthy      bool         `json:"healthy"`
}

// Client talks to the gateway. Safe for concurrent use; the underlying HTTP
// client pools connections.
type Client struct {
	baseURL string
	client  *http.Client
	breaker *resilience.Breaker
	logger  *slog.Logger
	timeout time.Duration
}

// Option is a functional option for a Client.
type Option func(*Client)

// WithTimeout sets the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client, for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.client = h }
}

// New creates a gateway Client for baseURL.
func New(baseURL string, logger *slog.Logger, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("gateway: base URL must not be empty")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:  logger,
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	c.breaker = resilience.New(resilience.Options{
		Name:   "gateway",
		Logger: logger,
	})
	return c, nil
}

// Register announces the agent to the gateway.
func (c *Client) Register(ctx context.Context, reg Registration) error {
	return c.post(ctx, "/api/agents/register", reg, nil)
}

// SendHeartbeat reports liveness to the gateway.
func (c *Client) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	return c.post(ctx, "/api/agents/heartbeat", hb, nil)
}

// PublishMemory pushes a session's memory snapshot to the gateway so other
// agents can see it before the session arrives.
func (c *Client) PublishMemory(ctx context.Context, sessionID string, memory map[string]any) error {
	path := "/api/sessions/" + url.PathEscape(sessionID) + "/memory"
	return c.post(ctx, path, map[string]any{"memory": memory}, nil)
}

// Transfer emits a handoff record, asking the gateway to move the session to
// the record's target agent.
func (c *Client) Transfer(ctx context.Context, rec handoff.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	path := "/api/sessions/" + url.PathEscape(rec.SessionID) + "/transfer"
	return c.post(ctx, path, rec, nil)
}

// Agent probes the availability of one agent.
func (c *Client) Agent(ctx context.Context, id string) (*AgentInfo, error) {
	var info AgentInfo
	if err := c.get(ctx, "/api/agents/"+url.PathEscape(id), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Agents lists the registered agents.
func (c *Client) Agents(ctx context.Context) ([]AgentInfo, error) {
	var body struct {
		Agents []AgentInfo `json:"agents"`
	}
	if err := c.get(ctx, "/api/agents", &body); err != nil {
		return nil, err
	}
	return body.Agents, nil
}

// SuggestAgent returns the registered agent id closest to name by edit
// distance, for "did you mean" diagnostics when a handoff names an unknown
// agent. Returns false when nothing is close enough.
func (c *Client) SuggestAgent(ctx context.Context, name string) (string, bool) {
	agents, err := c.Agents(ctx)
	if err != nil {
		return "", false
	}
	return suggestClosest(name, agents)
}

func suggestClosest(name string, agents []AgentInfo) (string, bool) {
	best := ""
	bestDist := maxSuggestDistance + 1
	for _, a := range agents {
		if a.ID == "" || a.ID == name {
			continue
		}
		d := matchr.DamerauLevenshtein(strings.ToLower(name), strings.ToLower(a.ID))
		if d < bestDist {
			best = a.ID
			bestDist = d
		}
	}
	if best == "" || bestDist > maxSuggestDistance {
		return "", false
	}
	return best, true
}

// post issues a JSON POST through the breaker. out may be nil.
func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("gateway: encode %s request: %w", path, err)
	}
	return c.breaker.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("gateway: build %s request: %w", path, err)
		}
		req.Header.Set("Content-Type", "application/json")
		return c.do(req, out)
	})
}

// get issues a GET through the breaker.
func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.breaker.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return fmt.Errorf("gateway: build %s request: %w", path, err)
		}
		return c.do(req, out)
	})
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway: %s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gateway: decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
