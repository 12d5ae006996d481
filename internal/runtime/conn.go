package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/crosstalk/internal/agent"
	voiceadapter "github.com/MrWong99/crosstalk/internal/adapter/voice"
	"github.com/MrWong99/crosstalk/internal/handoff"
	"github.com/MrWong99/crosstalk/internal/protocol"
	"github.com/MrWong99/crosstalk/internal/session"
)

const (
	// writeTimeout bounds one outbound frame write.
	writeTimeout = 10 * time.Second

	// handoffRetryDelay is the pause before the single transfer RPC retry.
	handoffRetryDelay = 500 * time.Millisecond
)

// wsSink adapts a websocket connection to protocol.Sink. Writes are
// serialised; adapters and the runtime emit from different goroutines.
type wsSink struct {
	mu   sync.Mutex
	sock *websocket.Conn
}

var _ protocol.Sink = (*wsSink)(nil)

func (s *wsSink) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("runtime: encode outbound message: %w", err)
	}
	return s.write(websocket.MessageText, data)
}

func (s *wsSink) SendAudio(data []byte) error {
	return s.write(websocket.MessageBinary, data)
}

func (s *wsSink) write(typ websocket.MessageType, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return s.sock.Write(ctx, typ, data)
}

// conn serves one client stream. The read loop is single-goroutine; only the
// delayed handoff and auto-trigger goroutines touch it from the side, and
// they go through the store and the concurrency-safe sink.
type conn struct {
	rt   *Runtime
	sock *websocket.Conn
	sink *wsSink

	sessionID string
	sess      *session.Session
	stream    *voiceadapter.Stream

	closeOnce sync.Once
}

func newConn(rt *Runtime, sock *websocket.Conn) *conn {
	return &conn{
		rt:   rt,
		sock: sock,
		sink: &wsSink{sock: sock},
	}
}

// serve reads frames until the client disconnects, then releases the
// session.
func (c *conn) serve(ctx context.Context) {
	defer func() {
		if c.current() != nil {
			c.rt.store.Delete(c.sessionID)
		}
		c.close(websocket.StatusNormalClosure, "")
	}()

	for {
		typ, data, err := c.sock.Read(ctx)
		if err != nil {
			return
		}
		switch typ {
		case websocket.MessageBinary:
			c.handleAudio(ctx, data)
		case websocket.MessageText:
			c.handleTextFrame(ctx, data)
		}
	}
}

func (c *conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.sock.Close(code, reason)
	})
}

// handleAudio forwards one binary chunk into the voice stream. Zero-length
// chunks pass through unchanged.
func (c *conn) handleAudio(ctx context.Context, data []byte) {
	if c.stream == nil {
		c.protocolError("audio not supported", fmt.Sprintf("agent runs in %s mode", c.rt.cfg.Mode))
		return
	}
	if err := c.stream.HandleAudio(ctx, data); err != nil {
		c.rt.logger.Warn("audio forward failed", "session_id", c.sessionID, "error", err)
	}
}

// handleTextFrame disambiguates a text frame: a leading '{' is tried as
// JSON; anything else is audio when the agent supports voice, a protocol
// error otherwise.
func (c *conn) handleTextFrame(ctx context.Context, data []byte) {
	if len(data) > 0 && data[0] == '{' {
		if msg, err := protocol.ParseInbound(data); err == nil {
			c.handleMessage(ctx, msg)
			return
		}
	}
	if c.rt.cfg.Mode.UsesVoice() {
		c.handleAudio(ctx, data)
		return
	}
	c.protocolError("malformed frame", "expected a JSON object with a type field")
}

// handleMessage routes one inbound JSON message. A session whose error
// budget is already exhausted is terminated before the message is processed.
func (c *conn) handleMessage(ctx context.Context, msg *protocol.Inbound) {
	if msg.Type == protocol.TypeSessionInit {
		c.handleSessionInit(ctx, msg)
		return
	}
	if c.current() == nil {
		c.protocolError("no session", "send session_init first")
		return
	}
	if c.rt.core.ErrorBudgetExhausted(c.sessionID) {
		c.terminate("session error budget exhausted")
		return
	}

	switch msg.Type {
	case protocol.TypeUserInput:
		c.handleUtterance(ctx, msg.Text, false)
	case protocol.TypeTextInput:
		c.handleUtterance(ctx, msg.Text, msg.SkipTranscript)
	case protocol.TypeEndAudio:
		if c.stream != nil {
			if err := c.stream.EndAudio(); err != nil {
				c.rt.logger.Warn("end_audio failed", "session_id", c.sessionID, "error", err)
			}
		}
	case protocol.TypeUpdateConfig:
		if c.stream != nil {
			if err := c.stream.UpdateConfig(msg.Config); err != nil {
				c.rt.logger.Warn("config update failed", "session_id", c.sessionID, "error", err)
			}
		}
	case protocol.TypeMemoryUpdate:
		c.handleMemoryUpdate(msg)
	default:
		c.protocolError(fmt.Sprintf("unknown message type %q", msg.Type), "")
	}
}

// handleSessionInit creates the session and, in voice modes, its stream. An
// id still live on this agent is replaced: the newest stream wins.
func (c *conn) handleSessionInit(ctx context.Context, msg *protocol.Inbound) {
	rt := c.rt
	if c.sessionID != "" {
		c.protocolError("stream already bound to a session", c.sessionID)
		return
	}
	id := msg.SessionID
	if id == "" {
		id = uuid.NewString()
	}

	if existing := rt.store.Get(id); existing != nil {
		rt.logger.Warn("session id already in use, replacing", "session_id", id)
		rt.store.Delete(id)
	}

	sess := session.New(id, rt.cfg.Mode, msg.Memory)
	sess.TraceID = msg.TraceID
	if err := rt.store.Create(sess); err != nil {
		c.protocolError("session create failed", err.Error())
		return
	}
	c.sessionID = id
	c.sess = sess

	rt.metrics.ActiveSessions.Add(ctx, 1)
	rt.store.OnDelete(id, func(*session.Session) {
		rt.metrics.ActiveSessions.Add(context.Background(), -1)
	})

	if rt.voice != nil {
		stream := rt.voice.NewStream(id, c.sink,
			voiceadapter.OnHandoff(c.emitHandoff),
			voiceadapter.OnFatal(func() {
				// The voice adapter already surfaced the fatal error.
				c.terminate("")
			}),
		)
		c.stream = stream
		rt.store.OnDelete(id, func(*session.Session) { _ = stream.Close() })
	}
	rt.store.OnDelete(id, func(*session.Session) {
		c.close(websocket.StatusNormalClosure, "session closed")
	})

	rt.logger.Info("session started",
		"session_id", id, "mode", string(rt.cfg.Mode), "trace_id", sess.TraceID)
	if err := c.sink.SendJSON(protocol.NewConnected(id, rt.cfg.AgentID, string(rt.cfg.Mode))); err != nil {
		rt.logger.Warn("connected ack failed", "session_id", id, "error", err)
	}

	c.scheduleAutoTrigger(ctx)
}

// handleUtterance runs one text utterance through the adapter for this
// surface.
func (c *conn) handleUtterance(ctx context.Context, text string, skipTranscript bool) {
	rt := c.rt
	rt.metrics.RecordUtterance(ctx, "user")

	var (
		h   *agent.Handoff
		err error
	)
	if c.stream != nil {
		h, err = c.stream.HandleText(ctx, text, skipTranscript)
	} else {
		h, err = rt.text.HandleUserInput(ctx, c.sessionID, text, skipTranscript, c.sink)
	}
	if err != nil {
		rt.logger.Warn("utterance handling failed", "session_id", c.sessionID, "error", err)
		c.protocolError("utterance handling failed", err.Error())
		return
	}
	if h != nil {
		c.emitHandoff(*h)
		return
	}
	if rt.core.ErrorBudgetExhausted(c.sessionID) {
		// The adapter already delivered the fatal error message.
		c.terminate("")
	}
}

// handleMemoryUpdate merges a gateway-pushed context refresh into the
// session.
func (c *conn) handleMemoryUpdate(msg *protocol.Inbound) {
	sess := c.current()
	if sess == nil {
		c.protocolError("unknown session", c.sessionID)
		return
	}
	sess.Do(func() {
		sess.MergeMemory(msg.Memory)
		if msg.GraphState != nil {
			sess.Workflow.Node = msg.GraphState.Node
			sess.Workflow.Outcome = msg.GraphState.Outcome
		}
	})
	if c.stream != nil {
		if err := c.stream.RefreshPrompt(); err != nil {
			c.rt.logger.Warn("prompt refresh after memory update failed",
				"session_id", c.sessionID, "error", err)
		}
	}
}

// emitHandoff schedules the delayed handoff emission. The delay lets the
// assistant's spoken confirmation finish rendering before the session moves.
func (c *conn) emitHandoff(h agent.Handoff) {
	go func() {
		time.Sleep(c.rt.cfg.HandoffDelay)
		c.deliverHandoff(h)
	}()
}

// deliverHandoff emits one handoff: target probe, memory publish, transfer
// RPC with a single retry, then the client-facing handoff_request and
// session teardown. Failure keeps the session alive with the pending handoff
// cleared, so a later tool call can retry from scratch.
func (c *conn) deliverHandoff(h agent.Handoff) {
	rt := c.rt
	ctx := context.Background()
	sess := c.current()
	if sess == nil || sess.Terminated() {
		return
	}

	if rt.gw != nil {
		if known, suggestion := rt.lookupTarget(ctx, h.TargetAgent); !known {
			detail := ""
			if suggestion != "" {
				detail = fmt.Sprintf("did you mean %q?", suggestion)
			}
			rt.logger.Warn("handoff to unknown agent rejected",
				"session_id", c.sessionID, "target_agent", h.TargetAgent, "suggestion", suggestion)
			_ = c.sink.SendJSON(protocol.NewError(
				fmt.Sprintf("unknown target agent %q", h.TargetAgent), detail, false))
			c.clearPendingHandoff()
			rt.metrics.RecordHandoff(ctx, h.TargetAgent, "rejected")
			return
		}

		if err := rt.gw.PublishMemory(ctx, c.sessionID, h.Context.Memory); err != nil {
			rt.logger.Debug("memory publish failed", "session_id", c.sessionID, "error", err)
		}

		rec := handoff.Record{
			SourceAgent: rt.cfg.AgentID,
			TargetAgent: h.TargetAgent,
			SessionID:   c.sessionID,
			Context:     h.Context,
			InitiatedAt: time.Now(),
		}
		start := time.Now()
		err := rt.gw.Transfer(ctx, rec)
		if err != nil {
			time.Sleep(handoffRetryDelay)
			err = rt.gw.Transfer(ctx, rec)
		}
		rt.metrics.GatewayDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("rpc", "transfer")))
		if err != nil {
			rt.logger.Error("handoff transfer failed",
				"session_id", c.sessionID, "target_agent", h.TargetAgent, "error", err)
			_ = c.sink.SendJSON(protocol.NewError("handoff failed, please continue here", err.Error(), false))
			c.clearPendingHandoff()
			rt.metrics.RecordHandoff(ctx, h.TargetAgent, "failed")
			return
		}
	}

	_ = c.sink.SendJSON(protocol.NewHandoffRequest(c.sessionID, h.TargetAgent, h.Context, &protocol.GraphState{
		Node:    h.Context.WorkflowNode,
		Outcome: h.Context.WorkflowOutcome,
	}))
	rt.metrics.RecordHandoff(ctx, h.TargetAgent, "emitted")
	rt.logger.Info("handoff emitted",
		"session_id", c.sessionID, "target_agent", h.TargetAgent)
	rt.store.Delete(c.sessionID)
}

// lookupTarget checks the target agent against the gateway's listing. When
// the listing itself is unreachable the transfer RPC decides.
func (rt *Runtime) lookupTarget(ctx context.Context, target string) (known bool, suggestion string) {
	agents, err := rt.gw.Agents(ctx)
	if err != nil {
		return true, ""
	}
	for _, a := range agents {
		if a.ID == target {
			return true, ""
		}
	}
	s, _ := rt.gw.SuggestAgent(ctx, target)
	return false, s
}

// clearPendingHandoff drops the stashed handoff so the session can continue
// on this agent.
func (c *conn) clearPendingHandoff() {
	sess := c.current()
	if sess == nil {
		return
	}
	sess.Do(func() {
		sess.PendingHandoff = nil
		if sess.State == session.StateHandoffPending {
			sess.State = session.StateIdle
		}
	})
}

// terminate tears the session down with an optional final fatal error
// message. Pass an empty message when the failure was already surfaced.
func (c *conn) terminate(msg string) {
	if msg != "" {
		_ = c.sink.SendJSON(protocol.NewError(msg, "", true))
	}
	c.rt.logger.Warn("session terminated", "session_id", c.sessionID, "reason", msg)
	if c.current() != nil {
		c.rt.store.Delete(c.sessionID)
	}
}

// current returns this stream's session while it is still the one registered
// under its id. Nil before session_init, after teardown, and once a newer
// stream replaced the id.
func (c *conn) current() *session.Session {
	if c.sess == nil || c.rt.store.Get(c.sessionID) != c.sess {
		return nil
	}
	return c.sess
}

func (c *conn) protocolError(msg, details string) {
	c.rt.logger.Warn("protocol error",
		"session_id", c.sessionID, "message", msg, "details", details)
	_ = c.sink.SendJSON(protocol.NewError(msg, details, false))
}
