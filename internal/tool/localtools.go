package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// LocalToolsClient is the HTTP backend for the local tool server. The
// underlying http.Client is shared and safe for concurrent use; per-call
// deadlines come from the context the dispatcher supplies.
type LocalToolsClient struct {
	baseURL string
	client  *http.Client
}

// Compile-time check: LocalToolsClient must implement Backend.
var _ Backend = (*LocalToolsClient)(nil)

// NewLocalToolsClient creates a client for the local tool server at baseURL.
func NewLocalToolsClient(baseURL string) (*LocalToolsClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("tool: local tools base URL must not be empty")
	}
	return &LocalToolsClient{
		baseURL: baseURL,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 8,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}, nil
}

// listedTool is one entry of the /tools/list response.
type listedTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ListTools fetches the tool catalogue from the server and returns specs
// wired to this client as their backend.
func (c *LocalToolsClient) ListTools(ctx context.Context) ([]Spec, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("tool: build list request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool: list tools: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tool: list tools: unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Tools []listedTool `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("tool: decode tool list: %w", err)
	}

	specs := make([]Spec, 0, len(body.Tools))
	for _, t := range body.Tools {
		if t.Name == "" {
			continue
		}
		specs = append(specs, Spec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Backend:     c,
		})
	}
	return specs, nil
}

// Execute implements Backend via POST /tools/execute.
func (c *LocalToolsClient) Execute(ctx context.Context, name string, input Input) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"tool":  name,
		"input": input.Value(),
	})
	if err != nil {
		return "", fmt.Errorf("tool: encode execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tools/execute", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("tool: build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tool: execute %s: %w", name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("tool: read execute response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
			return "", fmt.Errorf("tool: execute %s: %s", name, errBody.Error)
		}
		return "", fmt.Errorf("tool: execute %s: unexpected status %d", name, resp.StatusCode)
	}

	var body struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return "", fmt.Errorf("tool: decode execute response: %w", err)
	}
	return string(body.Result), nil
}
