package shadowcat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kevinswiber/shadowcat/auth"
	"github.com/kevinswiber/shadowcat/envelope"
	"github.com/kevinswiber/shadowcat/events"
	"github.com/kevinswiber/shadowcat/interceptor"
	"github.com/kevinswiber/shadowcat/jsonrpc"
	"github.com/kevinswiber/shadowcat/mcp"
	"github.com/kevinswiber/shadowcat/metrics"
	"github.com/kevinswiber/shadowcat/sessions"
)

var (
	// ErrIncompleteContext mirrors envelope.ErrIncompleteContext at the
	// routing boundary: the proxy refuses to guess a direction.
	ErrIncompleteContext = envelope.ErrIncompleteContext
	// ErrUpstreamTimeout indicates no response envelope arrived within the
	// configured window.
	ErrUpstreamTimeout = errors.New("upstream response timeout")
)

// DefaultClientStreamID is the per-session stream carrying server-to-client
// traffic toward the client-facing endpoint (e.g. an open SSE stream).
const DefaultClientStreamID = "client"

// Upstream forwards envelopes toward the upstream MCP server. Responses
// return through Proxy.HandleEnvelope as separate inbound envelopes; Send
// must not block waiting for them.
type Upstream interface {
	Send(ctx context.Context, env envelope.Envelope) error
}

// Config configures the proxy core. Values are plain; loading happens at
// the boundary (see cmd/shadowcat).
type Config struct {
	Sessions sessions.Config
	Events   events.Config

	// UpstreamTimeout bounds how long a forwarded request waits for its
	// correlated response. Zero means 30s.
	UpstreamTimeout time.Duration

	Metrics metrics.Sink
	Logger  *slog.Logger
	Clock   clockwork.Clock
}

func (c *Config) applyDefaults() {
	if c.UpstreamTimeout == 0 {
		c.UpstreamTimeout = 30 * time.Second
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Nop()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Sessions.Metrics == nil {
		c.Sessions.Metrics = c.Metrics
	}
	if c.Sessions.Logger == nil {
		c.Sessions.Logger = c.Logger
	}
	if c.Sessions.Clock == nil {
		c.Sessions.Clock = c.Clock
	}
	if c.Events.Metrics == nil {
		c.Events.Metrics = c.Metrics
	}
	if c.Events.Logger == nil {
		c.Events.Logger = c.Logger
	}
	if c.Events.Clock == nil {
		c.Events.Clock = c.Clock
	}
}

// Proxy is the session- and direction-aware router at the center of the
// system. It accepts envelopes from boundary transports, resolves sessions,
// runs the interceptor chain, forwards requests upstream, correlates
// responses, and routes notifications by explicit direction — never by the
// transport edge a message arrived on.
type Proxy struct {
	cfg      Config
	sessions *sessions.Manager
	chain    *interceptor.Chain
	tracker  *events.Tracker
	upstream Upstream
	pending  *pendingTable

	clock   clockwork.Clock
	log     *slog.Logger
	metrics metrics.Sink
}

// New constructs a Proxy over the given upstream and session store.
func New(upstream Upstream, store sessions.Store, cfg Config) *Proxy {
	cfg.applyDefaults()

	mgr := sessions.NewManager(store, cfg.Sessions)
	tracker := events.NewTracker(cfg.Events)
	// Session eviction releases the session's stream buffers so neither
	// table can leak entries the other no longer knows about.
	mgr.SetEvictionHook(tracker.CloseSession)

	return &Proxy{
		cfg:      cfg,
		sessions: mgr,
		chain: interceptor.NewChain(interceptor.ChainConfig{
			Metrics: cfg.Metrics,
			Logger:  cfg.Logger,
			Clock:   cfg.Clock,
		}),
		tracker:  tracker,
		upstream: upstream,
		pending:  newPendingTable(),
		clock:    cfg.Clock,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

// Use registers interceptors; execution order is registration order.
func (p *Proxy) Use(is ...interceptor.Interceptor) { p.chain.Use(is...) }

// Sessions exposes the session manager to boundary transports.
func (p *Proxy) Sessions() *sessions.Manager { return p.sessions }

// Events exposes the stream tracker to boundary transports (SSE resume).
func (p *Proxy) Events() *events.Tracker { return p.tracker }

// Start launches the background session tasks (cleanup, heartbeat).
func (p *Proxy) Start(ctx context.Context) { p.sessions.Start(ctx) }

// Shutdown stops background tasks and cancels in-flight requests.
func (p *Proxy) Shutdown(ctx context.Context) error {
	p.pending.close(ErrProxyClosed)
	return p.sessions.Shutdown(ctx)
}

// HandleEnvelope accepts one inbound envelope. Requests return their
// correlated response envelope; responses and notifications return nil.
func (p *Proxy) HandleEnvelope(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	switch env.Message.Type() {
	case jsonrpc.MessageTypeRequest:
		resp, err := p.handleRequest(ctx, env)
		if err != nil {
			return nil, err
		}
		return &resp, nil
	case jsonrpc.MessageTypeResponse:
		return nil, p.handleResponse(ctx, env)
	default:
		return nil, p.handleNotification(ctx, env)
	}
}

// handleRequest forwards a request upstream and awaits the correlated
// response. Per-session request/response pairs resolve in correlation
// order because each waiter blocks on its own rendezvous.
func (p *Proxy) handleRequest(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error) {
	// Every request flows client-to-server; the boundary stamped something
	// else only if it is misconfigured.
	if !env.Context.Direction.ShouldForwardToServer() {
		return envelope.Envelope{}, fmt.Errorf("%w: request with direction %s", ErrIncompleteContext, env.Context.Direction)
	}

	sess, err := p.resolveSession(ctx, env)
	if err != nil {
		return envelope.Envelope{}, err
	}
	env = env.WithSession(sess.Info())

	isInitialize := mcp.Method(env.Message.Method) == mcp.InitializeMethod
	if isInitialize {
		if err := p.sessions.BeginInitialize(ctx, sess.ID); err != nil {
			p.log.WarnContext(ctx, "proxy.initialize.transition.failed",
				slog.String("session_id", sess.ID), slog.String("err", err.Error()))
		}
	}

	env, ic, err := p.runChain(ctx, env, interceptor.PhaseRequest)
	if err != nil {
		return envelope.Envelope{}, err
	}

	reqID := env.Message.ID.String()
	pc, err := p.pending.register(sess.ID, reqID)
	if err != nil {
		return envelope.Envelope{}, err
	}

	if err := p.upstream.Send(ctx, env); err != nil {
		p.pending.remove(sess.ID, reqID)
		return envelope.Envelope{}, fmt.Errorf("upstream send: %w", err)
	}

	resp, err := p.awaitResponse(ctx, pc, sess.ID, reqID)
	if err != nil {
		return envelope.Envelope{}, err
	}

	// The response direction is the reverse of its request's, regardless of
	// which edge delivered it.
	resp = resp.WithDirection(env.Context.Direction.Reverse()).WithSession(env.Context.Session)

	resp, _, err = p.runChainWith(ctx, resp, ic, interceptor.PhaseResponse)
	if err != nil {
		return envelope.Envelope{}, err
	}

	if isInitialize {
		p.trackInitializeResult(ctx, sess.ID, resp)
	}

	return resp, nil
}

// awaitResponse blocks on the rendezvous with no locks held.
func (p *Proxy) awaitResponse(ctx context.Context, pc *pendingCall, sessionID, requestID string) (envelope.Envelope, error) {
	select {
	case resp := <-pc.respCh:
		return resp, nil
	case err := <-pc.errCh:
		return envelope.Envelope{}, err
	case <-p.clock.After(p.cfg.UpstreamTimeout):
		p.pending.remove(sessionID, requestID)
		return envelope.Envelope{}, ErrUpstreamTimeout
	case <-ctx.Done():
		p.pending.remove(sessionID, requestID)
		return envelope.Envelope{}, ctx.Err()
	}
}

// handleResponse correlates an inbound response envelope to its pending
// request. Unmatched responses are logged and dropped.
func (p *Proxy) handleResponse(ctx context.Context, env envelope.Envelope) error {
	sessionID := env.Context.Session.SessionID
	reqID := env.Message.ID.String()
	if p.pending.fulfill(sessionID, reqID, env) {
		return nil
	}
	p.log.DebugContext(ctx, "proxy.response.unmatched",
		slog.String("session_id", sessionID), slog.String("request_id", reqID))
	return nil
}

// handleNotification runs the chain once and routes purely by the
// envelope's direction. A server-to-client notification that physically
// arrived over an HTTP POST still goes to the client-facing stream; a
// client-to-server one always goes upstream.
func (p *Proxy) handleNotification(ctx context.Context, env envelope.Envelope) error {
	sess, err := p.resolveSession(ctx, env)
	if err != nil {
		return err
	}
	env = env.WithSession(sess.Info())

	if mcp.Method(env.Message.Method) == mcp.CancelledNotificationMethod {
		p.cancelPending(ctx, env)
	}

	env, _, err = p.runChain(ctx, env, interceptor.PhaseRequest)
	if err != nil {
		return err
	}

	switch {
	case env.Context.Direction.ShouldSendToClient():
		err = p.deliverToClient(ctx, env)
	case env.Context.Direction.ShouldForwardToServer():
		err = p.upstream.Send(ctx, env)
	default:
		// Internal notifications are consumed by the proxy itself.
		p.log.DebugContext(ctx, "proxy.notification.internal",
			slog.String("method", env.Message.Method))
	}
	if err != nil {
		return err
	}

	// A shutdown notification, from either side or injected internally,
	// drives the session through closing to closed after routing.
	if mcp.Method(env.Message.Method) == mcp.ShutdownNotificationMethod {
		if cerr := p.CloseSession(ctx, env.Context.Session.SessionID); cerr != nil {
			p.log.WarnContext(ctx, "proxy.shutdown.close.failed",
				slog.String("session_id", env.Context.Session.SessionID),
				slog.String("err", cerr.Error()))
		}
	}
	return nil
}

// deliverToClient records the notification on the session's client stream;
// the client-facing endpoint consumes it via the events tracker.
func (p *Proxy) deliverToClient(ctx context.Context, env envelope.Envelope) error {
	payload, err := json.Marshal(env.Message)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	_, err = p.tracker.StoreEvent(env.Context.Session.SessionID, DefaultClientStreamID, payload)
	return err
}

// cancelPending aborts the in-flight request named by a cancelled
// notification so its waiter does not wait out the upstream timeout.
func (p *Proxy) cancelPending(ctx context.Context, env envelope.Envelope) {
	var params struct {
		RequestID string `json:"requestId"`
	}
	if err := json.Unmarshal(env.Message.Params, &params); err != nil || params.RequestID == "" {
		return
	}
	p.pending.cancel(env.Context.Session.SessionID, params.RequestID, context.Canceled)
}

// CloseSession cancels the session's in-flight requests and drives it to
// the closed state. Boundary transports call this on DELETE or EOF.
func (p *Proxy) CloseSession(ctx context.Context, sessionID string) error {
	p.pending.cancelSession(sessionID, ErrProxyClosed)
	return p.sessions.CloseSession(ctx, sessionID)
}

// resolveSession loads the session named by the envelope, creating it on
// first contact. The manager degrades statelessly when its store is down,
// so resolution never fails on backend errors.
func (p *Proxy) resolveSession(ctx context.Context, env envelope.Envelope) (*sessions.Session, error) {
	id := env.Context.Session.SessionID
	sess, err := p.sessions.GetSession(ctx, id)
	if err == nil {
		p.sessions.Touch(ctx, id)
		return sess, nil
	}
	return p.sessions.CreateSession(ctx, sessions.CreateHint{
		SessionID: id,
		Transport: env.Context.Transport,
	})
}

// runChain executes one chain pass with a fresh per-pass context.
func (p *Proxy) runChain(ctx context.Context, env envelope.Envelope, phase interceptor.Phase) (envelope.Envelope, *interceptor.Context, error) {
	ic := interceptor.NewContext(phase, env.Context.Session.SessionID)
	if ac, ok := auth.FromContext(ctx); ok {
		ic.SetAuth(ac)
	}
	return p.runChainWith(ctx, env, ic, phase)
}

// runChainWith executes a pass reusing an existing per-pass context, so the
// response phase sees data the request phase stored.
func (p *Proxy) runChainWith(ctx context.Context, env envelope.Envelope, ic *interceptor.Context, phase interceptor.Phase) (envelope.Envelope, *interceptor.Context, error) {
	ic.Phase = phase
	out, err := p.chain.Process(ctx, env, ic)
	if err != nil {
		return envelope.Envelope{}, ic, err
	}
	return out, ic, nil
}

// trackInitializeResult records the negotiated protocol version from an
// initialize response and activates the session.
func (p *Proxy) trackInitializeResult(ctx context.Context, sessionID string, resp envelope.Envelope) {
	if resp.Message == nil || len(resp.Message.Result) == 0 {
		return
	}
	var result mcp.InitializeResult
	if err := json.Unmarshal(resp.Message.Result, &result); err != nil {
		p.log.WarnContext(ctx, "proxy.initialize.result.unparseable",
			slog.String("session_id", sessionID), slog.String("err", err.Error()))
		return
	}
	if result.ProtocolVersion == "" {
		return
	}
	if !mcp.IsSupportedProtocolVersion(result.ProtocolVersion) {
		p.log.WarnContext(ctx, "proxy.initialize.version.unknown",
			slog.String("session_id", sessionID),
			slog.String("protocol_version", result.ProtocolVersion))
	}
	if err := p.sessions.TrackInitialize(ctx, sessionID, result.ProtocolVersion); err != nil {
		p.log.WarnContext(ctx, "proxy.initialize.track.failed",
			slog.String("session_id", sessionID), slog.String("err", err.Error()))
	}
}
