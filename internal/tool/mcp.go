package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPBackend exposes the tools of one MCP server (streamable-HTTP transport)
// as dispatcher backends. Optional: it is only constructed when an MCP
// server endpoint is configured.
type MCPBackend struct {
	endpoint string
	client   *mcpsdk.Client

	mu      sync.Mutex
	session *mcpsdk.ClientSession
}

// Compile-time check: MCPBackend must implement Backend.
var _ Backend = (*MCPBackend)(nil)

// NewMCPBackend connects to the MCP server at endpoint and returns a backend
// ready to list and execute its tools.
func NewMCPBackend(ctx context.Context, endpoint string) (*MCPBackend, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("tool: mcp endpoint must not be empty")
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "crosstalk-agent", Version: "1.0.0"},
		nil,
	)
	session, err := client.Connect(ctx, &mcpsdk.StreamableClientTransport{Endpoint: endpoint}, nil)
	if err != nil {
		return nil, fmt.Errorf("tool: connect mcp server %s: %w", endpoint, err)
	}

	return &MCPBackend{endpoint: endpoint, client: client, session: session}, nil
}

// ListTools discovers the server's tool catalogue and returns specs wired to
// this backend.
func (b *MCPBackend) ListTools(ctx context.Context) ([]Spec, error) {
	b.mu.Lock()
	session := b.session
	b.mu.Unlock()

	var specs []Spec
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			return nil, fmt.Errorf("tool: list mcp tools: %w", err)
		}
		specs = append(specs, Spec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
			Backend:     b,
		})
	}
	return specs, nil
}

// Execute implements Backend by calling the tool on the MCP session and
// concatenating the text content of the result.
func (b *MCPBackend) Execute(ctx context.Context, name string, input Input) (string, error) {
	b.mu.Lock()
	session := b.session
	b.mu.Unlock()

	args, _ := input.Value().(map[string]any)

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return "", fmt.Errorf("tool: mcp call %s: %w", name, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("tool: mcp call %s: %s", name, sb.String())
	}
	return sb.String(), nil
}

// Close shuts down the MCP session.
func (b *MCPBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return nil
	}
	err := b.session.Close()
	b.session = nil
	return err
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
