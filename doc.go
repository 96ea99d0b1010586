// Package shadowcat is the core of a bidirectional MCP proxy: it accepts
// JSON-RPC envelopes from boundary transports, resolves the session each
// one belongs to, runs them through an interceptor chain, forwards requests
// upstream, correlates responses, and routes notifications by the direction
// recorded on the envelope rather than the edge they arrived on.
//
// The boundary transports (streaminghttp, stdio) construct envelopes and
// hand them to Proxy.HandleEnvelope; everything below that call is
// transport-agnostic.
package shadowcat
