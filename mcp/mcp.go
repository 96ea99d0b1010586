// Package mcp contains the protocol constants the proxy core inspects.
// The proxy treats message payloads as opaque JSON-RPC; only the lifecycle
// methods below influence routing and session state.
package mcp

// Method is an MCP method identifier used in JSON-RPC messages.
type Method string

const (
	// Initialization
	InitializeMethod              Method = "initialize"
	InitializedNotificationMethod Method = "notifications/initialized"

	// Lifecycle
	CancelledNotificationMethod Method = "notifications/cancelled"
	ProgressNotificationMethod  Method = "notifications/progress"
	PingMethod                  Method = "ping"

	// ShutdownNotificationMethod announces the end of a session. The proxy
	// routes it like any notification, then closes the session.
	ShutdownNotificationMethod Method = "notifications/shutdown"
)

// Protocol versions the proxy has been validated against, newest first.
const (
	LatestProtocolVersion = "2025-06-18"

	ProtocolVersion20250326 = "2025-03-26"
	ProtocolVersion20241105 = "2024-11-05"
)

// SupportedProtocolVersions lists the versions the proxy passes through
// without downgrade, newest first.
var SupportedProtocolVersions = []string{
	LatestProtocolVersion,
	ProtocolVersion20250326,
	ProtocolVersion20241105,
}

// IsSupportedProtocolVersion reports whether v is a known protocol version.
func IsSupportedProtocolVersion(v string) bool {
	for _, sv := range SupportedProtocolVersions {
		if sv == v {
			return true
		}
	}
	return false
}

// InitializeResult is the subset of the initialize response the proxy reads
// to learn the negotiated protocol version.
type InitializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
}

// InitializeParams is the subset of the initialize request the proxy reads.
type InitializeParams struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ClientInfo      ClientInfo `json:"clientInfo"`
}

// ClientInfo identifies the client connecting through the proxy.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}
