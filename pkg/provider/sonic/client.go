package sonic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/crosstalk/pkg/types"
)

// Compile-time assertions that Client and wsSession satisfy the interfaces.
var _ Provider = (*Client)(nil)
var _ SessionHandle = (*wsSession)(nil)

// ErrSessionClosed is returned by SessionHandle methods after Close.
var ErrSessionClosed = errors.New("sonic: session closed")

const defaultVoiceID = "matthew"

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithVoice sets the default voice used when SessionConfig.VoiceID is empty.
func WithVoice(voiceID string) Option {
	return func(c *Client) { c.voiceID = voiceID }
}

// WithHTTPHeader adds extra headers to the WebSocket handshake. Primarily used
// in tests and for proxy setups.
func WithHTTPHeader(h http.Header) Option {
	return func(c *Client) { c.header = h }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client implements Provider over a WebSocket transport speaking the Sonic
// event protocol.
type Client struct {
	url    string
	apiKey string

	voiceID string
	header  http.Header
}

// NewClient creates a Client that dials url for each session. apiKey is sent
// as a bearer token in the handshake; empty means no auth header.
func NewClient(url, apiKey string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("sonic: url must not be empty")
	}
	c := &Client{
		url:     url,
		apiKey:  apiKey,
		voiceID: defaultVoiceID,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Connect implements Provider. It dials the backend, sends the initial
// session.update, and starts the receive loop.
func (c *Client) Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error) {
	header := http.Header{}
	for k, v := range c.header {
		header[k] = v
	}
	if c.apiKey != "" {
		header.Set("Authorization", "Bearer "+c.apiKey)
	}

	conn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("sonic: dial: %w", err)
	}
	// Audio chunks arrive faster than the adapter drains them during long
	// responses.
	conn.SetReadLimit(1 << 22)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &wsSession{
		conn:   conn,
		events: make(chan Event, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}

	voice := cfg.VoiceID
	if voice == "" {
		voice = c.voiceID
	}
	if err := sess.sendSessionUpdate(voice, cfg.Instructions, cfg.Tools); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("sonic: session update: %w", err)
	}

	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice        string      `json:"voice,omitempty"`
	Instructions string      `json:"instructions,omitempty"`
	Tools        []sonicTool `json:"tools"`
	AudioFormat  string      `json:"audio_format"`
}

type sonicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type textInputMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolResultMessage struct {
	Type      string `json:"type"`
	ToolUseID string `json:"tool_use_id"`
	Output    string `json:"output"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverEvent is the superset of all inbound event shapes; Type selects which
// fields are meaningful.
type serverEvent struct {
	Type string `json:"type"`

	// transcript
	Role  string `json:"role,omitempty"`
	Text  string `json:"text,omitempty"`
	Final bool   `json:"final,omitempty"`

	// audio.delta
	Delta string `json:"delta,omitempty"`

	// tool_use
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`

	// usage
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	// error
	Error *serverErrorDetail `json:"error,omitempty"`
}

type serverErrorDetail struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── wsSession ──────────────────────────────────────────────────────────────────

type wsSession struct {
	conn   *websocket.Conn
	events chan Event

	mu     sync.Mutex
	errVal error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *wsSession) sendSessionUpdate(voice, instructions string, tools []types.ToolDefinition) error {
	params := sessionParams{
		Voice:        voice,
		Instructions: instructions,
		Tools:        toSonicTools(tools),
		AudioFormat:  "pcm16",
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *wsSession) writeJSON(v any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("sonic: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns the
// events channel and closes it when it exits.
func (s *wsSession) receiveLoop() {
	defer s.closeEvents()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *wsSession) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "transcript":
		if evt.Text == "" {
			return
		}
		s.emit(TranscriptEvent{Role: evt.Role, Text: evt.Text, Final: evt.Final})

	case "audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		s.emit(AudioEvent{Data: audioData})

	case "tool_use":
		if evt.ToolUseID == "" || evt.Name == "" {
			return
		}
		s.emit(ToolUseEvent{
			ToolUseID: evt.ToolUseID,
			Name:      evt.Name,
			Input:     string(evt.Input),
		})

	case "interruption":
		s.emit(InterruptionEvent{})

	case "usage":
		s.emit(UsageEvent{InputTokens: evt.InputTokens, OutputTokens: evt.OutputTokens})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		s.emit(ErrorEvent{Err: fmt.Errorf("sonic: %s", msg)})
	}
	// Unknown event types are dropped: the protocol adds event types over time
	// and old clients must keep working.
}

func (s *wsSession) emit(evt Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

func (s *wsSession) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

func (s *wsSession) closeEvents() {
	s.closeOnce.Do(func() {
		close(s.events)
	})
}

// toSonicTools converts tool definitions to the wire format.
func toSonicTools(tools []types.ToolDefinition) []sonicTool {
	out := make([]sonicTool, len(tools))
	for i, t := range tools {
		out[i] = sonicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		}
	}
	return out
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 audio chunk to the model.
func (s *wsSession) SendAudio(chunk []byte) error {
	encoded := base64.StdEncoding.EncodeToString(chunk)
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio.append",
		Audio: encoded,
	})
}

// EndAudio signals the end of the user's speaking turn.
func (s *wsSession) EndAudio() error {
	return s.writeJSON(map[string]string{"type": "input_audio.end"})
}

// SendText injects a user text utterance into the session.
func (s *wsSession) SendText(text string) error {
	return s.writeJSON(textInputMessage{Type: "text.input", Text: text})
}

// SendToolResult delivers a tool invocation outcome back to the model.
func (s *wsSession) SendToolResult(toolUseID string, output string) error {
	return s.writeJSON(toolResultMessage{
		Type:      "tool_result",
		ToolUseID: toolUseID,
		Output:    output,
	})
}

// UpdateInstructions replaces the system instructions via session.update.
func (s *wsSession) UpdateInstructions(instructions string) error {
	return s.writeJSON(sessionUpdateMessage{
		Type:    "session.update",
		Session: sessionParams{Instructions: instructions, AudioFormat: "pcm16"},
	})
}

// SetTools replaces the active tools via session.update.
func (s *wsSession) SetTools(tools []types.ToolDefinition) error {
	return s.writeJSON(sessionUpdateMessage{
		Type:    "session.update",
		Session: sessionParams{Tools: toSonicTools(tools), AudioFormat: "pcm16"},
	})
}

// Cancel sends a response.cancel event to stop the current model response.
func (s *wsSession) Cancel() error {
	return s.writeJSON(map[string]string{"type": "response.cancel"})
}

// Events returns the session event channel.
func (s *wsSession) Events() <-chan Event { return s.events }

// Err returns the error that terminated the session, if any.
func (s *wsSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *wsSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
