package streaminghttp

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kevinswiber/shadowcat"
	"github.com/kevinswiber/shadowcat/auth"
	"github.com/kevinswiber/shadowcat/envelope"
	"github.com/kevinswiber/shadowcat/jsonrpc"
	"github.com/kevinswiber/shadowcat/sessions/memstore"
)

// echoUpstream answers every request with a canned result so the full POST
// round trip can be exercised without a real upstream server.
type echoUpstream struct {
	mu    sync.Mutex
	sent  []envelope.Envelope
	proxy *shadowcat.Proxy
}

func (u *echoUpstream) Send(ctx context.Context, env envelope.Envelope) error {
	u.mu.Lock()
	u.sent = append(u.sent, env)
	u.mu.Unlock()

	if !env.Message.IsRequest() {
		return nil
	}
	var result any = map[string]string{"ok": "yes"}
	if env.Message.Method == "initialize" {
		result = map[string]string{"protocolVersion": "2025-06-18"}
	}
	resp, err := jsonrpc.NewResultResponse(env.Message.ID, result)
	if err != nil {
		return err
	}
	go func() {
		replyEnv := envelope.New(resp).
			WithDirection(envelope.DirectionServerToClient).
			WithSession(env.Context.Session)
		_, _ = u.proxy.HandleEnvelope(context.Background(), replyEnv)
	}()
	return nil
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *shadowcat.Proxy) {
	t.Helper()
	store, err := memstore.New(0)
	if err != nil {
		t.Fatalf("memstore: %v", err)
	}
	up := &echoUpstream{}
	proxy := shadowcat.New(up, store, shadowcat.Config{})
	up.proxy = proxy

	h, err := New("http://example.test/mcp", proxy, opts...)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, proxy
}

func postJSON(t *testing.T, url, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func initializeSession(t *testing.T, url string) string {
	t.Helper()
	resp := postJSON(t, url, "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","clientInfo":{"name":"test"}}}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d, want 200", resp.StatusCode)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("initialize response missing Mcp-Session-Id header")
	}
	var msg jsonrpc.AnyMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !msg.IsResponse() {
		t.Fatalf("expected response body, got %s", msg.Type())
	}
	return sessID
}

func TestInitializeCreatesSession(t *testing.T) {
	srv, proxy := newTestServer(t)
	sessID := initializeSession(t, srv.URL+"/mcp")

	sess, err := proxy.Sessions().GetSession(context.Background(), sessID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.ProtocolVersion != "2025-06-18" {
		t.Fatalf("protocol version = %q, want 2025-06-18", sess.ProtocolVersion)
	}
}

func TestPostRequiresJSONContentType(t *testing.T) {
	srv, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestPostRejectsBatches(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/mcp", "", `[{"jsonrpc":"2.0","id":1,"method":"ping"}]`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPostWithoutSessionRequiresInitialize(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/mcp", "", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPostUnknownSession(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/mcp", "nope", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestNotificationAccepted(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL+"/mcp")

	resp := postJSON(t, srv.URL+"/mcp", sessID, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
}

func TestProtocolVersionMismatch(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL+"/mcp")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", sessID)
	req.Header.Set("Mcp-Protocol-Version", "1999-01-01")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func sseGet(t *testing.T, ctx context.Context, url, sessionID, lastEventID string) (*http.Response, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessionID)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	return http.DefaultClient.Do(req)
}

func TestSSEDeliversStoredEvents(t *testing.T) {
	srv, proxy := newTestServer(t)
	sessID := initializeSession(t, srv.URL+"/mcp")

	for _, payload := range []string{`{"jsonrpc":"2.0","method":"notifications/progress"}`, `{"jsonrpc":"2.0","method":"notifications/message"}`} {
		if _, err := proxy.Events().StoreEvent(sessID, shadowcat.DefaultClientStreamID, []byte(payload)); err != nil {
			t.Fatalf("store event: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := sseGet(t, ctx, srv.URL+"/mcp", sessID, "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q, want text/event-stream", ct)
	}

	var ids []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
		if len(ids) == 2 {
			cancel()
			break
		}
	}
	if len(ids) != 2 || ids[0] != "1" || ids[1] != "2" {
		t.Fatalf("event ids = %v, want [1 2]", ids)
	}
}

func TestSSEResumeSkipsDeliveredEvents(t *testing.T) {
	srv, proxy := newTestServer(t)
	sessID := initializeSession(t, srv.URL+"/mcp")

	for i := 0; i < 3; i++ {
		if _, err := proxy.Events().StoreEvent(sessID, shadowcat.DefaultClientStreamID, []byte(`{"jsonrpc":"2.0","method":"notifications/progress"}`)); err != nil {
			t.Fatalf("store event: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := sseGet(t, ctx, srv.URL+"/mcp", sessID, "2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "id: ") {
			if got := strings.TrimPrefix(line, "id: "); got != "3" {
				t.Fatalf("first replayed id = %s, want 3", got)
			}
			cancel()
			return
		}
	}
	t.Fatal("no event received")
}

func TestSSEGapReturnsConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL+"/mcp")

	// No stream buffer exists, so any resume point is unverifiable.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := sseGet(t, ctx, srv.URL+"/mcp", sessID, "42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestSecondSSEStreamForSessionRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	sessID := initializeSession(t, srv.URL+"/mcp")

	ctx1, cancel1 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel1()
	first, err := sseGet(t, ctx1, srv.URL+"/mcp", sessID, "")
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	defer first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first stream status = %d, want 200", first.StatusCode)
	}

	// A second stream for the same session would take over the liveness
	// probe; it must be refused while the first is open.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	second, err := sseGet(t, ctx2, srv.URL+"/mcp", sessID, "")
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	defer second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second stream status = %d, want 409", second.StatusCode)
	}

	// Once the first stream ends the session can reconnect.
	cancel1()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ctx3, cancel3 := context.WithTimeout(context.Background(), time.Second)
		third, err := sseGet(t, ctx3, srv.URL+"/mcp", sessID, "")
		if err == nil {
			status := third.StatusCode
			third.Body.Close()
			cancel3()
			if status == http.StatusOK {
				return
			}
		} else {
			cancel3()
		}
		if time.Now().After(deadline) {
			t.Fatal("session never accepted a new stream after the first closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDeleteTerminatesSession(t *testing.T) {
	srv, proxy := newTestServer(t)
	sessID := initializeSession(t, srv.URL+"/mcp")

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
	req.Header.Set("Mcp-Session-Id", sessID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	if _, err := proxy.Sessions().GetSession(context.Background(), sessID); err == nil {
		t.Fatal("session still present after DELETE")
	}
}

// staticAuth accepts exactly one token.
type staticAuth struct{ token string }

func (a staticAuth) Authenticate(ctx context.Context, token string) (*auth.AuthContext, error) {
	if token != a.token {
		return nil, ErrUnauthorized
	}
	return &auth.AuthContext{Subject: "tester"}, nil
}

func TestAuthenticatorGatesRequests(t *testing.T) {
	srv, _ := newTestServer(t, WithAuthenticator(staticAuth{token: "sekret"}), WithRealm("mcp"))

	// Missing token: 401 with a bare challenge.
	resp := postJSON(t, srv.URL+"/mcp", "", `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	if ch := resp.Header.Get("WWW-Authenticate"); !strings.HasPrefix(ch, "Bearer") {
		t.Fatalf("challenge = %q, want Bearer", ch)
	}

	// Wrong token: 401 invalid_token.
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer wrong")
	wrongResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	wrongResp.Body.Close()
	if wrongResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", wrongResp.StatusCode)
	}
	if ch := wrongResp.Header.Get("WWW-Authenticate"); !strings.Contains(ch, "invalid_token") {
		t.Fatalf("challenge = %q, want invalid_token", ch)
	}

	// Correct token: initialize succeeds.
	req, _ = http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sekret")
	okResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer okResp.Body.Close()
	if okResp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", okResp.StatusCode)
	}
}
