package toolwire

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WSOption is a function that configures a WSTransport.
type WSOption func(*WSTransport)

// WSTransport dials websocket connections to the tool server. The endpoint
// port is resolved through a PortResolver at dial time, falling back to
// DefaultPort when discovery fails; the bearer token is attached as a query
// parameter on the connection request.
type WSTransport struct {
	host  string
	path  string
	creds CredentialSource

	resolver         PortResolver
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	logger           *slog.Logger
}

var (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWSWriteTimeout   = 10 * time.Second
)

// WithPortResolver sets the port discovery collaborator. Without one the
// transport dials DefaultPort.
func WithPortResolver(resolver PortResolver) WSOption {
	return func(t *WSTransport) {
		t.resolver = resolver
	}
}

// WithPath sets the websocket endpoint path. Defaults to "/ws".
func WithPath(path string) WSOption {
	return func(t *WSTransport) {
		t.path = path
	}
}

// WithHandshakeTimeout bounds the websocket handshake. Defaults to 10 seconds.
func WithHandshakeTimeout(timeout time.Duration) WSOption {
	return func(t *WSTransport) {
		t.handshakeTimeout = timeout
	}
}

// WithWSLogger sets the logger for the transport. Defaults to slog.Default().
func WithWSLogger(logger *slog.Logger) WSOption {
	return func(t *WSTransport) {
		t.logger = logger
	}
}

// NewWSTransport creates a websocket transport dialing the given host. The
// creds collaborator supplies the bearer token for each dial.
func NewWSTransport(host string, creds CredentialSource, options ...WSOption) *WSTransport {
	t := &WSTransport{
		host:  host,
		path:  "/ws",
		creds: creds,
	}
	for _, opt := range options {
		opt(t)
	}

	if t.handshakeTimeout == 0 {
		t.handshakeTimeout = defaultHandshakeTimeout
	}
	if t.writeTimeout == 0 {
		t.writeTimeout = defaultWSWriteTimeout
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}

	return t
}

// Dial implements the Transport interface. It resolves the endpoint port,
// attaches the credential, and completes the websocket handshake within the
// handshake timeout. A handshake that does not complete in time fails with
// ErrConnectTimeout; the underlying library closes the half-open socket
// before the error is returned.
func (t *WSTransport) Dial(ctx context.Context) (Conn, error) {
	if t.creds == nil {
		return nil, ErrNoCredential
	}
	token, err := t.creds.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCredential, err)
	}
	if token == "" {
		return nil, ErrNoCredential
	}

	port := t.resolvePort(ctx)

	u := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(t.host, strconv.Itoa(port)),
		Path:     t.path,
		RawQuery: url.Values{"token": {token}}.Encode(),
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: t.handshakeTimeout,
	}

	//nolint:bodyclose // gorilla only returns a body on handshake failure; closed below
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, fmt.Errorf("%w: %w", ErrConnectTimeout, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", u.Host, err)
	}

	wc := &wsConn{
		id:           uuid.New().String(),
		conn:         conn,
		logger:       t.logger,
		writeTimeout: t.writeTimeout,
		writes:       make(chan wsWrite),
		done:         make(chan struct{}),
	}
	go wc.processWrites()

	return wc, nil
}

func (t *WSTransport) resolvePort(ctx context.Context) int {
	if t.resolver == nil {
		return DefaultPort
	}
	port, err := t.resolver.ResolvePort(ctx)
	if err != nil {
		t.logger.Warn("port discovery failed, falling back to default port",
			"err", err, "port", DefaultPort)
		return DefaultPort
	}
	return port
}

type wsWrite struct {
	data []byte
	errs chan error
}

// wsConn wraps one gorilla websocket connection. Writes are queued through a
// dedicated goroutine because the library allows only one concurrent writer.
type wsConn struct {
	id           string
	conn         *websocket.Conn
	logger       *slog.Logger
	writeTimeout time.Duration

	writes    chan wsWrite
	done      chan struct{}
	closeOnce sync.Once

	closeMu   sync.Mutex
	closeCode int
	closeErr  error
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) Send(ctx context.Context, f Frame) error {
	data, err := encodeFrame(f)
	if err != nil {
		return err
	}

	w := wsWrite{
		data: data,
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionClosed
	case c.writes <- w:
	}

	select {
	case err := <-w.errs:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrConnectionClosed
	}
}

// Frames yields raw inbound frames until the connection ends. The close code
// and error are recorded for CloseInfo before the iteration returns.
func (c *wsConn) Frames() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				c.recordClose(err)
				return
			}
			if !yield(data) {
				return
			}
		}
	}
}

func (c *wsConn) CloseInfo() (int, error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeCode, c.closeErr
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.recordLocalClose(code)
		deadline := time.Now().Add(time.Second)
		msg := websocket.FormatCloseMessage(code, reason)
		if wErr := c.conn.WriteControl(websocket.CloseMessage, msg, deadline); wErr != nil {
			c.logger.Debug("failed to write close message", "err", wErr)
		}
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) processWrites() {
	for {
		var w wsWrite
		select {
		case <-c.done:
			return
		case w = <-c.writes:
		}

		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			w.errs <- err
			continue
		}
		w.errs <- c.conn.WriteMessage(websocket.TextMessage, w.data)
	}
}

func (c *wsConn) recordClose(err error) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeCode != 0 {
		return
	}

	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		c.closeCode = ce.Code
	} else {
		c.closeCode = -1
	}
	c.closeErr = err
}

func (c *wsConn) recordLocalClose(code int) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closeCode == 0 {
		c.closeCode = code
	}
}
