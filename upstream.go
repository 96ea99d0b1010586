package shadowcat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/kevinswiber/shadowcat/envelope"
	"github.com/kevinswiber/shadowcat/jsonrpc"
)

var _ Upstream = (*HTTPUpstream)(nil)

// HTTPUpstream forwards envelopes to an upstream MCP server over streamable
// HTTP POST. Responses come back in the POST body and are re-injected into
// the proxy as server-to-client envelopes, so the router's correlation path
// is the same regardless of upstream transport.
type HTTPUpstream struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger

	// deliver feeds upstream-originated envelopes back into the router.
	deliver func(ctx context.Context, env envelope.Envelope) (*envelope.Envelope, error)
}

// NewHTTPUpstream constructs an upstream forwarder for the given endpoint.
func NewHTTPUpstream(endpoint string, client *http.Client, log *slog.Logger) *HTTPUpstream {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPUpstream{endpoint: endpoint, client: client, log: log}
}

// Bind connects the forwarder to the proxy that consumes upstream replies.
// Must be called before the first Send.
func (u *HTTPUpstream) Bind(p *Proxy) { u.deliver = p.HandleEnvelope }

// Send POSTs the message to the upstream endpoint. For requests the reply
// body is consumed asynchronously and routed back through the proxy, so
// Send never blocks on upstream processing.
func (u *HTTPUpstream) Send(ctx context.Context, env envelope.Envelope) error {
	body, err := json.Marshal(env.Message)
	if err != nil {
		return fmt.Errorf("marshal upstream message: %w", err)
	}

	req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Mcp-Session-Id", env.Context.Session.SessionID)
	if pv := env.Context.Session.ProtocolVersion; pv != "" {
		req.Header.Set("Mcp-Protocol-Version", pv)
	}

	if !env.Message.IsRequest() {
		resp, err := u.client.Do(req)
		if err != nil {
			return fmt.Errorf("upstream post: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 300 {
			return fmt.Errorf("upstream rejected message: %s", resp.Status)
		}
		return nil
	}

	go u.exchange(req, env)
	return nil
}

// exchange performs the round trip for a request and re-injects the reply.
func (u *HTTPUpstream) exchange(req *http.Request, env envelope.Envelope) {
	ctx := req.Context()
	resp, err := u.client.Do(req)
	if err != nil {
		u.log.WarnContext(ctx, "upstream.post.fail", slog.String("err", err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		u.log.WarnContext(ctx, "upstream.post.rejected", slog.String("status", resp.Status))
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		u.log.WarnContext(ctx, "upstream.response.invalid", slog.String("err", err.Error()))
		return
	}

	reply := envelope.New(&msg).
		WithDirection(env.Context.Direction.Reverse()).
		WithTransport(envelope.TransportStreamableHTTP).
		WithSession(env.Context.Session)

	if u.deliver == nil {
		u.log.ErrorContext(ctx, "upstream.unbound")
		return
	}
	if _, err := u.deliver(ctx, reply); err != nil {
		u.log.WarnContext(ctx, "upstream.response.route.fail", slog.String("err", err.Error()))
	}
}
