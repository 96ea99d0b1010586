// Package streaminghttp is the client-facing streamable HTTP boundary of
// the proxy. It mounts as a standard net/http handler: POST carries one
// JSON-RPC message per request into the proxy core, GET serves the
// session's server-to-client stream as Server-Sent Events, and DELETE
// terminates the session.
//
// Responsibilities
//   - Envelope construction: every POST body is parsed, validated, and
//     stamped with the client-to-server direction and the session resolved
//     from the Mcp-Session-Id header before it reaches the router
//   - Session creation on first contact (initialize request without a
//     session header)
//   - SSE resumability: GET honors Last-Event-ID; a resume point older than
//     the retention window is refused with 409 rather than silently
//     replayed partially
//   - Liveness: an open GET stream registers a probe so the heartbeat task
//     can tell the session's connection is alive
//   - Optional bearer-token authentication (pluggable Authenticator); the
//     resulting auth context is handed to the interceptor chain
//
// Example (mount in net/http):
//
//	h, err := streaminghttp.New("https://api.example/mcp", proxy)
//	mux := http.NewServeMux()
//	mux.Handle("/mcp", h)
//	http.ListenAndServe(":8080", mux)
package streaminghttp
