package shadowcat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/kevinswiber/shadowcat/envelope"
	"github.com/kevinswiber/shadowcat/interceptor"
	"github.com/kevinswiber/shadowcat/jsonrpc"
	"github.com/kevinswiber/shadowcat/sessions"
	"github.com/kevinswiber/shadowcat/sessions/memstore"
)

// fakeUpstream records forwarded envelopes and optionally answers requests
// by re-injecting a response envelope, the way a real transport would.
type fakeUpstream struct {
	mu      sync.Mutex
	sent    []envelope.Envelope
	respond func(env envelope.Envelope) *jsonrpc.AnyMessage

	proxy *Proxy
}

func (u *fakeUpstream) Send(ctx context.Context, env envelope.Envelope) error {
	u.mu.Lock()
	u.sent = append(u.sent, env)
	u.mu.Unlock()

	if u.respond == nil || !env.Message.IsRequest() {
		return nil
	}
	reply := u.respond(env)
	if reply == nil {
		return nil
	}
	go func() {
		replyEnv := envelope.New(reply).
			WithDirection(envelope.DirectionServerToClient).
			WithSession(env.Context.Session)
		_, _ = u.proxy.HandleEnvelope(context.Background(), replyEnv)
	}()
	return nil
}

func (u *fakeUpstream) sentCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sent)
}

func newTestProxy(t *testing.T, cfg Config) (*Proxy, *fakeUpstream) {
	t.Helper()
	store, err := memstore.New(0)
	require.NoError(t, err)
	up := &fakeUpstream{}
	p := New(up, store, cfg)
	up.proxy = p
	return p, up
}

func requestEnvelope(sessionID, method string, id int) envelope.Envelope {
	msg := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), method, nil)
	return envelope.New(msg).
		WithDirection(envelope.DirectionClientToServer).
		WithSession(envelope.SessionInfo{SessionID: sessionID})
}

func notificationEnvelope(sessionID, method string, dir envelope.Direction) envelope.Envelope {
	msg := jsonrpc.NewNotification(method, nil)
	return envelope.New(msg).
		WithDirection(dir).
		WithSession(envelope.SessionInfo{SessionID: sessionID})
}

func TestRequestResponseCorrelation(t *testing.T) {
	p, up := newTestProxy(t, Config{})
	up.respond = func(env envelope.Envelope) *jsonrpc.AnyMessage {
		resp, err := jsonrpc.NewResultResponse(env.Message.ID, map[string]string{"ok": "yes"})
		if err != nil {
			panic(err)
		}
		return resp
	}

	resp, err := p.HandleEnvelope(context.Background(), requestEnvelope("s1", "tools/list", 1))
	require.NoError(t, err)
	require.NotNil(t, resp)
	require.True(t, resp.Message.IsResponse())
	require.Equal(t, "1", resp.Message.ID.String())

	// The response direction is the reverse of the request's, regardless of
	// how it physically arrived.
	require.Equal(t, envelope.DirectionServerToClient, resp.Context.Direction)
}

func TestInitializeActivatesSession(t *testing.T) {
	p, up := newTestProxy(t, Config{})
	up.respond = func(env envelope.Envelope) *jsonrpc.AnyMessage {
		resp, err := jsonrpc.NewResultResponse(env.Message.ID, map[string]string{
			"protocolVersion": "2025-06-18",
		})
		if err != nil {
			panic(err)
		}
		return resp
	}

	params, _ := json.Marshal(map[string]string{"protocolVersion": "2025-06-18"})
	msg := jsonrpc.NewRequest(jsonrpc.NewRequestID(1), "initialize", params)
	env := envelope.New(msg).
		WithDirection(envelope.DirectionClientToServer).
		WithSession(envelope.SessionInfo{SessionID: "s1"})

	resp, err := p.HandleEnvelope(context.Background(), env)
	require.NoError(t, err)
	require.NotNil(t, resp)

	sess, err := p.Sessions().GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "active", string(sess.State))
	require.Equal(t, "2025-06-18", sess.ProtocolVersion)
}

func TestNotificationRoutedByDirectionNotArrivalEdge(t *testing.T) {
	p, up := newTestProxy(t, Config{})
	ctx := context.Background()

	// A server-to-client notification goes to the client stream even though
	// the call path it arrived on is the same as every other envelope.
	_, err := p.HandleEnvelope(ctx, notificationEnvelope("s1", "notifications/progress", envelope.DirectionServerToClient))
	require.NoError(t, err)
	require.Equal(t, 0, up.sentCount(), "server-to-client notification must not be forwarded upstream")

	evs, err := p.Events().EventsAfter("s1", DefaultClientStreamID, 0)
	require.NoError(t, err)
	require.Len(t, evs, 1)

	var delivered jsonrpc.AnyMessage
	require.NoError(t, json.Unmarshal(evs[0].Payload, &delivered))
	require.Equal(t, "notifications/progress", delivered.Method)

	// A client-to-server notification goes upstream and nowhere near the
	// client stream.
	_, err = p.HandleEnvelope(ctx, notificationEnvelope("s1", "notifications/initialized", envelope.DirectionClientToServer))
	require.NoError(t, err)
	require.Equal(t, 1, up.sentCount())

	evs, err = p.Events().EventsAfter("s1", DefaultClientStreamID, 1)
	require.NoError(t, err)
	require.Empty(t, evs)
}

func TestInternalNotificationIsAbsorbed(t *testing.T) {
	p, up := newTestProxy(t, Config{})

	_, err := p.HandleEnvelope(context.Background(), notificationEnvelope("s1", "shadowcat/flush", envelope.DirectionInternal))
	require.NoError(t, err)
	require.Equal(t, 0, up.sentCount())
	evs, err := p.Events().EventsAfter("s1", DefaultClientStreamID, 0)
	require.NoError(t, err)
	require.Empty(t, evs)
}

func TestIncompleteContextIsRejected(t *testing.T) {
	p, _ := newTestProxy(t, Config{})

	msg := jsonrpc.NewRequest(jsonrpc.NewRequestID(1), "ping", nil)

	// Unknown direction.
	env := envelope.New(msg).WithSession(envelope.SessionInfo{SessionID: "s1"})
	_, err := p.HandleEnvelope(context.Background(), env)
	require.ErrorIs(t, err, envelope.ErrIncompleteContext)

	// Missing session.
	env = envelope.New(msg).WithDirection(envelope.DirectionClientToServer)
	_, err = p.HandleEnvelope(context.Background(), env)
	require.ErrorIs(t, err, envelope.ErrIncompleteContext)
}

func TestUnmatchedResponseIsDropped(t *testing.T) {
	p, _ := newTestProxy(t, Config{})

	resp, err := jsonrpc.NewResultResponse(jsonrpc.NewRequestID(99), map[string]string{})
	require.NoError(t, err)
	env := envelope.New(resp).
		WithDirection(envelope.DirectionServerToClient).
		WithSession(envelope.SessionInfo{SessionID: "s1"})

	out, err := p.HandleEnvelope(context.Background(), env)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestUpstreamTimeout(t *testing.T) {
	fc := clockwork.NewFakeClock()
	p, _ := newTestProxy(t, Config{UpstreamTimeout: 5 * time.Second, Clock: fc})

	done := make(chan error, 1)
	go func() {
		_, err := p.HandleEnvelope(context.Background(), requestEnvelope("s1", "tools/list", 1))
		done <- err
	}()

	fc.BlockUntil(1)
	fc.Advance(6 * time.Second)

	require.ErrorIs(t, <-done, ErrUpstreamTimeout)
}

func TestCancelledNotificationAbortsPendingRequest(t *testing.T) {
	p, _ := newTestProxy(t, Config{})
	ctx := context.Background()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		_, err := p.HandleEnvelope(ctx, requestEnvelope("s1", "tools/call", 7))
		done <- err
	}()
	<-started
	// Give the request time to register its rendezvous.
	require.Eventually(t, func() bool {
		p.pending.mu.Lock()
		defer p.pending.mu.Unlock()
		return len(p.pending.calls) == 1
	}, time.Second, time.Millisecond)

	params, _ := json.Marshal(map[string]string{"requestId": "7"})
	cancelMsg := jsonrpc.NewNotification("notifications/cancelled", params)
	cancelEnv := envelope.New(cancelMsg).
		WithDirection(envelope.DirectionClientToServer).
		WithSession(envelope.SessionInfo{SessionID: "s1"})
	_, err := p.HandleEnvelope(ctx, cancelEnv)
	require.NoError(t, err)

	require.ErrorIs(t, <-done, context.Canceled)
}

func TestShutdownNotificationClosesSession(t *testing.T) {
	p, up := newTestProxy(t, Config{})
	ctx := context.Background()

	// Populate the session and its client stream first.
	_, err := p.HandleEnvelope(ctx, notificationEnvelope("s1", "notifications/progress", envelope.DirectionServerToClient))
	require.NoError(t, err)
	require.Equal(t, 1, p.Events().StreamCount())

	_, err = p.HandleEnvelope(ctx, notificationEnvelope("s1", "notifications/shutdown", envelope.DirectionClientToServer))
	require.NoError(t, err)

	// The shutdown itself is still forwarded upstream before the session
	// is torn down.
	require.Equal(t, 1, up.sentCount())
	_, err = p.Sessions().GetSession(ctx, "s1")
	require.ErrorIs(t, err, sessions.ErrSessionNotFound)
	require.Equal(t, 0, p.Events().StreamCount())
}

func TestDuplicateRequestIDRejected(t *testing.T) {
	p, _ := newTestProxy(t, Config{})

	pc, err := p.pending.register("s1", "1")
	require.NoError(t, err)
	require.NotNil(t, pc)

	_, err = p.HandleEnvelope(context.Background(), requestEnvelope("s1", "ping", 1))
	require.ErrorIs(t, err, ErrDuplicateRequestID)

	// The same id under a different session is fine; keys are scoped.
	_, err = p.pending.register("s2", "1")
	require.NoError(t, err)
}

func TestBlockedRequestSurfacesBlockedError(t *testing.T) {
	p, up := newTestProxy(t, Config{})
	p.Use(blockAll{})

	_, err := p.HandleEnvelope(context.Background(), requestEnvelope("s1", "tools/call", 1))
	var blocked *interceptor.BlockedError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, 0, up.sentCount(), "blocked request must not reach upstream")
}

type blockAll struct{}

func (blockAll) Name() string { return "block-all" }

func (blockAll) Intercept(ctx context.Context, env envelope.Envelope, ic *interceptor.Context) (interceptor.Outcome, error) {
	return interceptor.Block("policy"), nil
}

func TestCloseSessionReleasesStreamsAndPendings(t *testing.T) {
	p, _ := newTestProxy(t, Config{})
	ctx := context.Background()

	_, err := p.HandleEnvelope(ctx, notificationEnvelope("s1", "notifications/progress", envelope.DirectionServerToClient))
	require.NoError(t, err)
	require.Equal(t, 1, p.Events().StreamCount())

	done := make(chan error, 1)
	go func() {
		_, err := p.HandleEnvelope(ctx, requestEnvelope("s1", "tools/call", 3))
		done <- err
	}()
	require.Eventually(t, func() bool {
		p.pending.mu.Lock()
		defer p.pending.mu.Unlock()
		return len(p.pending.calls) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, p.CloseSession(ctx, "s1"))

	require.ErrorIs(t, <-done, ErrProxyClosed)
	require.Equal(t, 0, p.Events().StreamCount())
	_, err = p.Sessions().GetSession(ctx, "s1")
	require.Error(t, err)
}

func TestShutdownCancelsInFlight(t *testing.T) {
	p, _ := newTestProxy(t, Config{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := p.HandleEnvelope(ctx, requestEnvelope("s1", "tools/call", 1))
		done <- err
	}()
	require.Eventually(t, func() bool {
		p.pending.mu.Lock()
		defer p.pending.mu.Unlock()
		return len(p.pending.calls) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, p.Shutdown(ctx))
	require.ErrorIs(t, <-done, ErrProxyClosed)

	// New requests are refused once closed.
	_, err := p.HandleEnvelope(ctx, requestEnvelope("s2", "ping", 1))
	require.ErrorIs(t, err, ErrProxyClosed)
}

var _ Upstream = (*fakeUpstream)(nil)
