// Package sessions manages the lifecycle of proxied MCP sessions: a
// forward-only state machine (uninitialized → initializing → active →
// closing → closed), a pluggable metadata store, a heartbeat task that
// probes transport liveness, and tiered cleanup that keeps occupancy under
// the configured maximum.
//
// The Manager is the only writer of session state. Boundary transports and
// the router resolve, create, and touch sessions through it; background
// tasks evict. When the store backend is unavailable the Manager degrades
// to stateless operation (every request reads as a fresh/unknown session)
// instead of surfacing backend failures to callers.
//
// Store implementations live in the memstore and redisstore subpackages.
package sessions
