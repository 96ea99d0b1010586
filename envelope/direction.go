package envelope

// Direction identifies which logical endpoint a message is flowing toward.
// Routing decisions consult the direction carried on the envelope, never the
// transport edge the message physically arrived on.
type Direction string

const (
	// DirectionUnknown means the boundary transport has not resolved a
	// direction. Envelopes with an unknown direction are rejected by the
	// router rather than routed on a guess.
	DirectionUnknown Direction = "unknown"
	// DirectionClientToServer flows toward the upstream server.
	DirectionClientToServer Direction = "client_to_server"
	// DirectionServerToClient flows toward the client-facing endpoint.
	DirectionServerToClient Direction = "server_to_client"
	// DirectionInternal is consumed by the proxy itself and never forwarded.
	DirectionInternal Direction = "internal"
)

// Reverse returns the opposite flow direction. Internal and Unknown are
// their own reverse.
func (d Direction) Reverse() Direction {
	switch d {
	case DirectionClientToServer:
		return DirectionServerToClient
	case DirectionServerToClient:
		return DirectionClientToServer
	default:
		return d
	}
}

// ShouldForwardToServer reports whether a message with this direction is
// destined for the upstream server.
func (d Direction) ShouldForwardToServer() bool {
	return d == DirectionClientToServer
}

// ShouldSendToClient reports whether a message with this direction is
// destined for the client-facing endpoint.
func (d Direction) ShouldSendToClient() bool {
	return d == DirectionServerToClient
}

// IsKnown reports whether the direction has been resolved by the boundary.
func (d Direction) IsKnown() bool {
	return d == DirectionClientToServer || d == DirectionServerToClient || d == DirectionInternal
}

func (d Direction) String() string { return string(d) }
