package jsonrpc

// ErrorCode is a JSON-RPC 2.0 error code. Negative codes in the -32768..-32000
// range are reserved by the protocol.
type ErrorCode int

const (
	// ErrorCodeParseError: the payload was not valid JSON.
	ErrorCodeParseError ErrorCode = -32700
	// ErrorCodeInvalidRequest: the payload was JSON but not a valid message.
	ErrorCodeInvalidRequest ErrorCode = -32600
	// ErrorCodeMethodNotFound: no handler for the requested method.
	ErrorCodeMethodNotFound ErrorCode = -32601
	// ErrorCodeInvalidParams: the method exists but the params are malformed.
	ErrorCodeInvalidParams ErrorCode = -32602
	// ErrorCodeInternalError: processing failed for an internal reason.
	ErrorCodeInternalError ErrorCode = -32603
	// ErrorCodeRequestCancelled: the request was cancelled before completion.
	ErrorCodeRequestCancelled ErrorCode = -32800
)
