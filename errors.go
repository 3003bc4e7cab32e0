package toolwire

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredential is returned by a connect attempt when the credential
	// source yields no token. The caller must supply a credential and retry.
	ErrNoCredential = errors.New("no credential available")

	// ErrNotConnected is returned by Call when the client is not in the
	// Connected state. Calls are never queued.
	ErrNotConnected = errors.New("not connected")

	// ErrConnectTimeout is returned by Connect when the connection handshake
	// does not complete within the handshake timeout.
	ErrConnectTimeout = errors.New("connect timeout")

	// ErrConnectionClosed completes every pending call when the connection is
	// lost or explicitly closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrReconnectExhausted signals that the maximum number of consecutive
	// reconnect attempts failed. The client stays disconnected until an
	// explicit Connect.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrConnectInProgress is returned by Connect while another connect or an
	// automatic reconnect is already underway.
	ErrConnectInProgress = errors.New("connect already in progress")

	// ErrClientClosed is returned by operations issued after Close.
	ErrClientClosed = errors.New("client closed")
)

// CallTimeoutError completes a call whose response did not arrive within the
// call timeout. It carries the tool name of the original request.
type CallTimeoutError struct {
	Tool string
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("call %q timed out", e.Tool)
}

// ToolError is a failure response from the server for a specific call.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %q failed: %s", e.Tool, e.Message)
}
