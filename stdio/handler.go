// Package stdio is a minimal single-connection boundary over stdin/stdout:
// newline-delimited JSON-RPC in, newline-delimited JSON-RPC out. One process
// serves exactly one logical client, so a single session is created at
// startup and every inbound line is stamped into a client-to-server
// envelope for the proxy core.
//
// For multi-session deployments prefer the streaming HTTP boundary, which
// integrates session resumption and authentication.
package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/kevinswiber/shadowcat"
	"github.com/kevinswiber/shadowcat/envelope"
	"github.com/kevinswiber/shadowcat/events"
	"github.com/kevinswiber/shadowcat/jsonrpc"
	"github.com/kevinswiber/shadowcat/sessions"
)

// Handler is a single-connection stdio boundary. By default it reads from
// os.Stdin and writes to os.Stdout; tests swap in pipes via WithIO.
type Handler struct {
	proxy *shadowcat.Proxy
	in    io.Reader
	out   io.Writer
	log   *slog.Logger

	writeMu sync.Mutex
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(proxy *shadowcat.Proxy, opts ...Option) *Handler {
	h := &Handler{
		proxy: proxy,
		in:    defaultIn,
		out:   defaultOut,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve runs the read loop until EOF on the reader or context cancellation.
// Safe to call at most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	sess, err := h.proxy.Sessions().CreateSession(ctx, sessions.CreateHint{
		Transport: envelope.TransportStdio,
	})
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = h.proxy.CloseSession(context.WithoutCancel(ctx), sess.ID)
	}()

	// Server-to-client traffic arrives on the session's client stream; pump
	// it onto stdout alongside direct responses.
	sub, err := h.proxy.Events().Subscribe(ctx, sess.ID, shadowcat.DefaultClientStreamID, 0)
	if err != nil {
		return fmt.Errorf("subscribe client stream: %w", err)
	}
	defer sub.Close()
	go h.pumpClientStream(ctx, sub)

	// Each message is handled on its own goroutine so the read loop keeps
	// draining stdin: a request blocked on a slow upstream must not delay a
	// later notifications/cancelled aimed at it. Output stays interleaved
	// line-atomically through writeLine.
	var inflight sync.WaitGroup
	scanner := bufio.NewScanner(h.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			inflight.Wait()
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			h.log.WarnContext(ctx, "stdio.message.invalid", slog.String("err", err.Error()))
			h.writeMessage(ctx, jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message", nil))
			continue
		}

		env := envelope.New(&msg).
			WithDirection(envelope.DirectionClientToServer).
			WithTransport(envelope.TransportStdio).
			WithSession(envelope.SessionInfo{SessionID: sess.ID})

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			h.dispatch(ctx, env, &msg)
		}()
	}
	inflight.Wait()
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}

func (h *Handler) dispatch(ctx context.Context, env envelope.Envelope, msg *jsonrpc.AnyMessage) {
	resp, err := h.proxy.HandleEnvelope(ctx, env)
	if err != nil {
		h.log.WarnContext(ctx, "stdio.message.fail", slog.String("err", err.Error()))
		if msg.IsRequest() {
			code := jsonrpc.ErrorCodeInternalError
			text := "internal error"
			if errors.Is(err, context.Canceled) {
				code = jsonrpc.ErrorCodeRequestCancelled
				text = "request cancelled"
			}
			h.writeMessage(ctx, jsonrpc.NewErrorResponse(msg.ID, code, text, nil))
		}
		return
	}
	if resp != nil {
		h.writeMessage(ctx, resp.Message)
	}
}

func (h *Handler) pumpClientStream(ctx context.Context, sub *events.Subscription) {
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return
		}
		h.writeLine(ctx, ev.Payload)
	}
}

func (h *Handler) writeMessage(ctx context.Context, msg *jsonrpc.AnyMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		h.log.ErrorContext(ctx, "stdio.marshal.fail", slog.String("err", err.Error()))
		return
	}
	h.writeLine(ctx, b)
}

func (h *Handler) writeLine(ctx context.Context, b []byte) {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	if _, err := h.out.Write(append(b, '\n')); err != nil {
		h.log.ErrorContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}
