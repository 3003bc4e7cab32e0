package toolwire

import (
	"context"
	"iter"
)

// Transport provides the physical communication layer for a Client. A Transport
// produces at most one live Conn per Dial; the Client guarantees it never holds
// more than one live Conn at a time.
type Transport interface {
	// Dial establishes a new connection and completes the transport-level
	// handshake. Implementations must attach the caller's credential to the
	// connection request and must not return a half-open connection: on
	// handshake timeout the underlying socket is forced closed before the
	// error is surfaced.
	Dial(ctx context.Context) (Conn, error)
}

// Conn represents one physical duplex connection. The Client owns the Conn
// exclusively; no other component touches the underlying socket.
type Conn interface {
	// ID returns the unique identifier for this connection. Implementations
	// must guarantee ids are unique across connections of one process.
	ID() string

	// Send transmits a single frame. It fails once the connection is closed.
	Send(ctx context.Context, f Frame) error

	// Frames returns an iterator that yields raw inbound frames in the order
	// the connection delivers them. The iteration ends when the connection is
	// closed by either side; CloseInfo reports why afterwards.
	Frames() iter.Seq[[]byte]

	// CloseInfo returns the close code and error observed when the connection
	// ended. Valid only after the Frames iteration has returned. A code of
	// CloseCodeNormal indicates a clean, intentional closure.
	CloseInfo() (code int, err error)

	// Close shuts the connection down with the given close code and reason.
	// It is safe to call more than once.
	Close(code int, reason string) error
}

// CloseCodeNormal is the sentinel close code for a clean, caller-initiated
// closure. It matches websocket close code 1000 and suppresses reconnection.
const CloseCodeNormal = 1000

// CredentialSource supplies the opaque bearer token attached to the connection
// request. The client never interprets the token's contents.
type CredentialSource interface {
	// Token returns the current credential. Returning an empty token or an
	// error makes the connect attempt fail with ErrNoCredential.
	Token(ctx context.Context) (string, error)
}

// StaticToken is a CredentialSource backed by a fixed token string.
type StaticToken string

// Token implements CredentialSource.
func (s StaticToken) Token(context.Context) (string, error) {
	return string(s), nil
}
