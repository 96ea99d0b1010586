package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/kevinswiber/shadowcat"
	"github.com/kevinswiber/shadowcat/auth"
	"github.com/kevinswiber/shadowcat/envelope"
	"github.com/kevinswiber/shadowcat/events"
	"github.com/kevinswiber/shadowcat/interceptor"
	"github.com/kevinswiber/shadowcat/internal/logctx"
	"github.com/kevinswiber/shadowcat/jsonrpc"
	"github.com/kevinswiber/shadowcat/mcp"
	"github.com/kevinswiber/shadowcat/sessions"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

// Authenticator validates a bearer token and returns the auth context the
// proxy hands to interceptors. Optional: a nil authenticator disables the
// check entirely.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*auth.AuthContext, error)
}

// ErrUnauthorized is the sentinel an Authenticator returns for a rejected
// token; it maps to 401 with a Bearer challenge.
var ErrUnauthorized = errors.New("unauthorized")

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. This is transport-level, not JSON-RPC
// framing. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger        *slog.Logger
	authenticator Authenticator
	realm         string
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithAuthenticator enables bearer-token authentication at the boundary.
func WithAuthenticator(a Authenticator) Option {
	return func(c *newConfig) { c.authenticator = a }
}

// WithRealm sets the realm attribute of WWW-Authenticate challenges. Empty
// (the default) omits the attribute per RFC 6750.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// Handler is the client-facing streamable HTTP boundary. It parses inbound
// POST bodies into envelopes stamped with the client-to-server direction,
// serves the session's server-to-client stream over GET as SSE (with
// Last-Event-ID resume), and terminates sessions on DELETE.
type Handler struct {
	mux   *http.ServeMux
	log   *slog.Logger
	proxy *shadowcat.Proxy
	auth  Authenticator
	realm string

	// streamsMu/streams enforce a single live SSE stream per session. A
	// second stream would clobber the session's liveness probe, leaving the
	// first with no heartbeat coverage once either request ends.
	streamsMu sync.Mutex
	streams   map[string]struct{}
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a Handler mounted at the endpoint's path.
func New(publicEndpoint string, proxy *shadowcat.Proxy, opts ...Option) (*Handler, error) {
	if proxy == nil {
		return nil, fmt.Errorf("proxy is required")
	}
	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL %q: %w", publicEndpoint, err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("endpoint URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:     slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		proxy:   proxy,
		auth:    cfg.authenticator,
		realm:   cfg.realm,
		streams: make(map[string]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", pathOnly(mcpURL)), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", pathOnly(mcpURL)), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", pathOnly(mcpURL)), h.handleDeleteMCP)
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// handlePostMCP accepts one JSON-RPC message from the client, stamps it into
// a client-to-server envelope, and routes it through the proxy. Requests
// return their correlated response body; notifications and responses return
// 202 Accepted.
func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	ctx, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on streaming HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   string(msg.Type()),
	})

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		// First contact must be an initialize request; mint the session here
		// so the envelope the proxy sees is already complete.
		if !msg.IsRequest() || mcp.Method(msg.Method) != mcp.InitializeMethod {
			writeJSONError(w, http.StatusNotFound, "expected initialize request")
			h.log.InfoContext(ctx, "session.initialize.invalid")
			return
		}
		var initParams mcp.InitializeParams
		if len(msg.Params) > 0 {
			if err := json.Unmarshal(msg.Params, &initParams); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
				h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
				return
			}
		}
		sess, err := h.proxy.Sessions().CreateSession(ctx, sessions.CreateHint{
			Transport: envelope.TransportStreamableHTTP,
			Client:    initParams.ClientInfo,
		})
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to create session")
			h.log.ErrorContext(ctx, "session.create.fail", slog.String("err", err.Error()))
			return
		}
		sessID = sess.ID
	}

	sess, err := h.proxy.Sessions().GetSession(ctx, sessID)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID,
		ProtocolVersion: sess.ProtocolVersion,
		State:           sess.State,
	})

	if clientPV := r.Header.Get(mcpProtocolVersionHeader); clientPV != "" && sess.ProtocolVersion != "" && clientPV != sess.ProtocolVersion {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", clientPV))
		return
	}

	env := envelope.New(&msg).
		WithDirection(envelope.DirectionClientToServer).
		WithTransport(envelope.TransportStreamableHTTP).
		WithSession(sess.Info())

	resp, err := h.proxy.HandleEnvelope(ctx, env)
	if err != nil {
		h.writeHandleError(ctx, w, err)
		return
	}

	w.Header().Set(mcpSessionIDHeader, sessID)
	if spv := sess.ProtocolVersion; spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}

	if resp == nil {
		// Notification or client response: accepted, no body.
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "message.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	if mcp.Method(msg.Method) == mcp.InitializeMethod {
		// The negotiated version is only known after the initialize exchange.
		if updated, err := h.proxy.Sessions().GetSession(ctx, sessID); err == nil && updated.ProtocolVersion != "" {
			w.Header().Set(mcpProtocolVersionHeader, updated.ProtocolVersion)
		}
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp.Message); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// writeHandleError maps router failures onto transport status codes; chain
// blocks become JSON-RPC errors so the client sees a protocol-level answer.
func (h *Handler) writeHandleError(ctx context.Context, w http.ResponseWriter, err error) {
	var blocked *interceptor.BlockedError
	switch {
	case errors.As(err, &blocked):
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		resp := jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeInvalidRequest, blocked.Reason, nil)
		_ = json.NewEncoder(w).Encode(resp)
		h.log.InfoContext(ctx, "rpc.inbound.blocked", slog.String("reason", blocked.Reason))
	case errors.Is(err, shadowcat.ErrUpstreamTimeout):
		writeJSONError(w, http.StatusGatewayTimeout, "upstream timeout")
		h.log.WarnContext(ctx, "rpc.inbound.timeout")
	case errors.Is(err, envelope.ErrIncompleteContext):
		writeJSONError(w, http.StatusBadRequest, err.Error())
		h.log.WarnContext(ctx, "envelope.incomplete")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	ctx, authOK := h.checkAuthentication(ctx, r, w)
	if !authOK {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		w.WriteHeader(http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	sess, err := h.proxy.Sessions().GetSession(ctx, sessID)
	if err != nil {
		w.WriteHeader(http.StatusNotFound)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID,
		ProtocolVersion: sess.ProtocolVersion,
		State:           sess.State,
	})

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && sess.ProtocolVersion != "" && pv != sess.ProtocolVersion {
		w.WriteHeader(http.StatusPreconditionFailed)
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		return
	}

	if !h.claimStream(sessID) {
		w.WriteHeader(http.StatusConflict)
		h.log.InfoContext(ctx, "sse.stream.duplicate")
		return
	}
	defer h.releaseStream(sessID)

	var lastEventID events.EventID
	if raw := r.Header.Get(lastEventIDHeader); raw != "" {
		lastEventID, err = events.ParseEventID(raw)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			h.log.WarnContext(ctx, "sse.last_event_id.invalid", slog.String("value", raw))
			return
		}
	}

	sub, err := h.proxy.Events().Subscribe(ctx, sessID, shadowcat.DefaultClientStreamID, lastEventID)
	if err != nil {
		switch {
		case errors.Is(err, events.ErrReplayGap):
			// The client must re-synchronize; a silent partial replay would
			// be worse than an explicit refusal.
			w.WriteHeader(http.StatusConflict)
			h.log.InfoContext(ctx, "sse.replay.gap")
		case errors.Is(err, events.ErrStreamClosed):
			w.WriteHeader(http.StatusNotFound)
			h.log.InfoContext(ctx, "sse.stream.closed")
		default:
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "sse.subscribe.fail", slog.String("err", err.Error()))
		}
		return
	}
	defer sub.Close()

	// While this stream is open the session's connection is demonstrably
	// alive; the probe goes away with the request context.
	h.proxy.Sessions().RegisterLiveness(sessID, requestLiveness{ctx: ctx})
	defer h.proxy.Sessions().UnregisterLiveness(sessID)

	if spv := sess.ProtocolVersion; spv != "" {
		w.Header().Set(mcpProtocolVersionHeader, spv)
	}
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start")

	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			} else {
				h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
			}
			return
		}
		if err := writeSSEEvent(wf, ev.ID.String(), ev.Payload); err != nil {
			h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
		h.log.DebugContext(ctx, "sse.message.deliver", slog.String("event_id", ev.ID.String()))
	}
}

// handleDeleteMCP terminates an existing session.
func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	ctx, ok := h.checkAuthentication(ctx, r, w)
	if !ok {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.log.WarnContext(ctx, "delete.missing_session_id")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sess, err := h.proxy.Sessions().GetSession(ctx, sessID)
	if err != nil {
		h.log.InfoContext(ctx, "session.delete.miss")
		w.WriteHeader(http.StatusNotFound)
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID:       sess.ID,
		ProtocolVersion: sess.ProtocolVersion,
		State:           sess.State,
	})

	if pv := r.Header.Get(mcpProtocolVersionHeader); pv != "" && sess.ProtocolVersion != "" && pv != sess.ProtocolVersion {
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}

	if err := h.proxy.CloseSession(ctx, sessID); err != nil {
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if sess.ProtocolVersion != "" {
		w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

// checkAuthentication enforces bearer auth when an authenticator is
// configured. On success the auth context rides the request context so the
// router can surface it to interceptors.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) (context.Context, bool) {
	if h.auth == nil {
		return ctx, true
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		// RFC 6750 §3.1: no authentication information means no error code;
		// just a bare Bearer challenge.
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, h.bearerChallenge(nil))
		w.WriteHeader(http.StatusUnauthorized)
		return ctx, false
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, h.bearerChallenge(map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return ctx, false
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, h.bearerChallenge(map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return ctx, false
	}

	ac, err := h.auth.Authenticate(ctx, tok)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, h.bearerChallenge(map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			w.WriteHeader(http.StatusUnauthorized)
			return ctx, false
		}
		h.log.InfoContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return ctx, false
	}

	return auth.WithAuthContext(ctx, ac), true
}

// bearerChallenge builds a Bearer challenge header value. Realm is omitted
// if empty. Params are emitted in a fixed order (error, error_description)
// so challenges are stable.
func (h *Handler) bearerChallenge(params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if h.realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(h.realm)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// claimStream reserves the session's single SSE slot. The caller must
// releaseStream when the request ends.
func (h *Handler) claimStream(sessionID string) bool {
	h.streamsMu.Lock()
	defer h.streamsMu.Unlock()
	if _, open := h.streams[sessionID]; open {
		return false
	}
	h.streams[sessionID] = struct{}{}
	return true
}

func (h *Handler) releaseStream(sessionID string) {
	h.streamsMu.Lock()
	delete(h.streams, sessionID)
	h.streamsMu.Unlock()
}

// requestLiveness reports alive while the HTTP request context is open.
type requestLiveness struct {
	ctx context.Context
}

func (p requestLiveness) IsAlive(ctx context.Context) bool {
	return p.ctx.Err() == nil
}

// writeSSEEvent writes one Server-Sent Event frame and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
