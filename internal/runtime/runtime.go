// Package runtime ties one agent process together: it serves the client
// websocket stream, demultiplexes mixed audio/JSON frames into the adapters,
// emits handoff requests through the gateway, and runs the register/heartbeat
// loop. One Runtime per process.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/crosstalk/internal/agent"
	textadapter "github.com/MrWong99/crosstalk/internal/adapter/text"
	voiceadapter "github.com/MrWong99/crosstalk/internal/adapter/voice"
	"github.com/MrWong99/crosstalk/internal/config"
	"github.com/MrWong99/crosstalk/internal/gateway"
	"github.com/MrWong99/crosstalk/internal/health"
	"github.com/MrWong99/crosstalk/internal/observe"
	"github.com/MrWong99/crosstalk/internal/persona"
	"github.com/MrWong99/crosstalk/internal/session"
	"github.com/MrWong99/crosstalk/internal/tool"
)

// shutdownGrace bounds how long Run waits for handlers to finish after the
// sessions are drained.
const shutdownGrace = 5 * time.Second

// Runtime is the agent process server. Safe for concurrent use once built.
type Runtime struct {
	cfg     *config.Config
	core    *agent.Core
	store   *session.Store
	persona *persona.Persona
	logger  *slog.Logger

	voice    *voiceadapter.Adapter
	text     *textadapter.Adapter
	gw       *gateway.Client
	registry *tool.Registry
	metrics  *observe.Metrics
	health   *health.Handler
}

// Option is a functional option for a Runtime.
type Option func(*Runtime)

// WithVoiceAdapter installs the voice adapter. Required in voice and hybrid
// modes.
func WithVoiceAdapter(a *voiceadapter.Adapter) Option {
	return func(rt *Runtime) { rt.voice = a }
}

// WithTextAdapter installs the text adapter. Required in text mode.
func WithTextAdapter(a *textadapter.Adapter) Option {
	return func(rt *Runtime) { rt.text = a }
}

// WithGateway installs the gateway client. Without it the agent serves
// sessions standalone: no registration, no heartbeats, handoff requests go to
// the client only.
func WithGateway(gw *gateway.Client) Option {
	return func(rt *Runtime) { rt.gw = gw }
}

// WithRegistry installs the tool registry, used to publish the agent's tool
// list on registration.
func WithRegistry(r *tool.Registry) Option {
	return func(rt *Runtime) { rt.registry = r }
}

// WithMetrics replaces the metric instruments, for tests.
func WithMetrics(m *observe.Metrics) Option {
	return func(rt *Runtime) { rt.metrics = m }
}

// New creates a Runtime. The adapter matching cfg.Mode must be provided:
// voice and hybrid need the voice adapter, text needs the text adapter.
func New(cfg *config.Config, core *agent.Core, store *session.Store,
	pers *persona.Persona, logger *slog.Logger, opts ...Option) (*Runtime, error) {
	if cfg == nil || core == nil || store == nil || pers == nil {
		return nil, fmt.Errorf("runtime: config, core, store and persona are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{
		cfg:     cfg,
		core:    core,
		store:   store,
		persona: pers,
		logger:  logger,
	}
	for _, o := range opts {
		o(rt)
	}
	if cfg.Mode.UsesVoice() && rt.voice == nil {
		return nil, fmt.Errorf("runtime: %s mode requires a voice adapter", cfg.Mode)
	}
	if cfg.Mode == config.ModeText && rt.text == nil {
		return nil, fmt.Errorf("runtime: text mode requires a text adapter")
	}
	if rt.metrics == nil {
		rt.metrics = observe.DefaultMetrics()
	}
	rt.health = health.New(cfg.AgentID, string(cfg.Mode), store.Len)
	return rt, nil
}

// Handler returns the agent's HTTP surface: the websocket stream, health, and
// the Prometheus exposition.
func (rt *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /health", rt.health)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ws", rt.handleStream)
	return mux
}

// Run serves until ctx is cancelled, then drains the live sessions and shuts
// the listener down. The gateway register/heartbeat loop runs alongside when
// a gateway client is configured.
func (rt *Runtime) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", rt.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("runtime: listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.Info("agent listening",
			"agent_id", rt.cfg.AgentID, "mode", string(rt.cfg.Mode), "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("runtime: serve: %w", err)
		}
		return nil
	})
	if rt.gw != nil {
		g.Go(func() error {
			rt.gatewayLoop(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		rt.drain()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return srv.Close()
		}
		return nil
	})
	return g.Wait()
}

// handleStream upgrades one client connection and serves its message loop
// until disconnect.
func (rt *Runtime) handleStream(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		rt.logger.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	newConn(rt, sock).serve(r.Context())
}

// drain terminates every live session, running their releasers (Sonic
// streams, client sockets).
func (rt *Runtime) drain() {
	ids := rt.store.IDs()
	for _, id := range ids {
		rt.store.Delete(id)
	}
	if len(ids) > 0 {
		rt.logger.Info("drained sessions", "count", len(ids))
	}
}

// gatewayLoop registers once and heartbeats until ctx is cancelled.
func (rt *Runtime) gatewayLoop(ctx context.Context) {
	rt.register(ctx)

	ticker := time.NewTicker(rt.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := gateway.Heartbeat{
				AgentID:        rt.cfg.AgentID,
				ActiveSessions: rt.store.Len(),
				UptimeSeconds:  int64(rt.health.Uptime().Seconds()),
			}
			if err := rt.gw.SendHeartbeat(ctx, hb); err != nil {
				rt.logger.Debug("heartbeat failed", "error", err)
			}
		}
	}
}

// register announces the agent to the gateway. Failure is logged and
// tolerated: the agent keeps serving, it just receives no routed sessions
// until the gateway comes back.
func (rt *Runtime) register(ctx context.Context) {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	reg := gateway.Registration{
		ID:   rt.cfg.AgentID,
		URL:  fmt.Sprintf("ws://%s:%d/ws", host, rt.cfg.Port),
		Port: rt.cfg.Port,
		Capabilities: gateway.Capabilities{
			Voice:     rt.cfg.Mode.UsesVoice(),
			Text:      true,
			Mode:      string(rt.cfg.Mode),
			PersonaID: rt.persona.ID,
			Tools:     rt.toolNames(),
		},
	}
	if err := rt.gw.Register(ctx, reg); err != nil {
		rt.logger.Warn("gateway registration failed, continuing", "error", err)
		return
	}
	rt.logger.Info("registered with gateway", "agent_id", reg.ID, "url", reg.URL)
}

// toolNames lists the tools this persona may invoke, for the registration
// capabilities.
func (rt *Runtime) toolNames() []string {
	if rt.registry == nil {
		return nil
	}
	specs := rt.registry.AllowedFor(rt.persona)
	names := make([]string, len(specs))
	for i, s := range specs {
		names[i] = s.Name
	}
	return names
}
