// Package mock provides test doubles for the sonic package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to drive the event stream and inspect which methods the voice
// adapter invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(sonic.TranscriptEvent{Role: "user", Text: "hello", Final: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/crosstalk/pkg/provider/sonic"
	"github.com/MrWong99/crosstalk/pkg/types"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg sonic.SessionConfig
}

// Provider is a mock implementation of sonic.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a fresh NewSession().
	Session sonic.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Compile-time check: Provider must implement sonic.Provider.
var _ sonic.Provider = (*Provider)(nil)

// Connect records the call and returns Session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg sonic.SessionConfig) (sonic.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// SendToolResultCall records a single invocation of Session.SendToolResult.
type SendToolResultCall struct {
	ToolUseID string
	Output    string
}

// Session is a mock implementation of sonic.SessionHandle.
//
// Tests feed model events through Emit and end the session with CloseEvents.
// All method invocations are recorded.
type Session struct {
	mu sync.Mutex

	events    chan sonic.Event
	closeOnce sync.Once

	// --- Configurable behaviour ---

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendTextErr, if non-nil, is returned by every SendText call.
	SendTextErr error

	// SendToolResultErr, if non-nil, is returned by every SendToolResult call.
	SendToolResultErr error

	// UpdateInstructionsErr, if non-nil, is returned by every
	// UpdateInstructions call.
	UpdateInstructionsErr error

	// SetToolsErr, if non-nil, is returned by every SetTools call.
	SetToolsErr error

	// CancelErr, if non-nil, is returned by every Cancel call.
	CancelErr error

	// ErrVal is returned by Err.
	ErrVal error

	// --- Call records (read after test) ---

	// SendAudioCalls records a copy of every chunk passed to SendAudio.
	SendAudioCalls [][]byte

	// SendTextCalls records every text passed to SendText in order.
	SendTextCalls []string

	// SendToolResultCalls records every call to SendToolResult in order.
	SendToolResultCalls []SendToolResultCall

	// UpdateInstructionsCalls records every instructions string in order.
	UpdateInstructionsCalls []string

	// SetToolsCalls records a copy of every tool set passed to SetTools.
	SetToolsCalls [][]types.ToolDefinition

	// EndAudioCallCount is the number of times EndAudio was called.
	EndAudioCallCount int

	// CancelCallCount is the number of times Cancel was called.
	CancelCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Compile-time check: Session must implement sonic.SessionHandle.
var _ sonic.SessionHandle = (*Session)(nil)

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan sonic.Event, 64)}
}

// Emit delivers an event to the session's event channel. Blocks if the buffer
// is full, so tests can assert backpressure behaviour.
func (s *Session) Emit(evt sonic.Event) {
	s.events <- evt
}

// CloseEvents closes the event channel, signalling end-of-session to the
// consumer. Idempotent.
func (s *Session) CloseEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}

// SendAudio records the call and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	return s.SendAudioErr
}

// EndAudio records the call.
func (s *Session) EndAudio() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EndAudioCallCount++
	return nil
}

// SendText records the call and returns SendTextErr.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendTextCalls = append(s.SendTextCalls, text)
	return s.SendTextErr
}

// SendToolResult records the call and returns SendToolResultErr.
func (s *Session) SendToolResult(toolUseID string, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendToolResultCalls = append(s.SendToolResultCalls, SendToolResultCall{
		ToolUseID: toolUseID,
		Output:    output,
	})
	return s.SendToolResultErr
}

// UpdateInstructions records the call and returns UpdateInstructionsErr.
func (s *Session) UpdateInstructions(instructions string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateInstructionsCalls = append(s.UpdateInstructionsCalls, instructions)
	return s.UpdateInstructionsErr
}

// SetTools records the call and returns SetToolsErr.
func (s *Session) SetTools(tools []types.ToolDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]types.ToolDefinition, len(tools))
	copy(cp, tools)
	s.SetToolsCalls = append(s.SetToolsCalls, cp)
	return s.SetToolsErr
}

// Cancel records the call and returns CancelErr.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCallCount++
	return s.CancelErr
}

// Events returns the mock event channel.
func (s *Session) Events() <-chan sonic.Event { return s.events }

// Err returns ErrVal.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close records the call and closes the event channel.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.CloseEvents()
	return nil
}
