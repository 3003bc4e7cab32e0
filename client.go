package toolwire

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Lifecycle events published on the client's event bus alongside server-pushed
// events. Subscribers use them to track the connection without polling State.
const (
	// EventWelcome fires when the server acknowledges the handshake. Its
	// payload is the data field of the welcome frame.
	EventWelcome = "welcome"
	// EventError fires for server error frames not tied to any call.
	EventError = "error"
	// EventDisconnected fires whenever the connection ends, expected or not.
	EventDisconnected = "disconnected"
	// EventReconnectExhausted fires after the last failed reconnect attempt.
	// The client stays disconnected until an explicit Connect.
	EventReconnectExhausted = "reconnect_exhausted"
)

// Client issues request/response calls against a long-lived tool server and
// receives asynchronously pushed events over the same connection. It manages
// the connection lifecycle, correlates responses to calls, keeps the
// connection alive with periodic pings, and reconnects with exponential
// backoff after unexpected connection loss.
//
// All inbound frames and state transitions are processed by a single owner
// goroutine; callers may issue calls concurrently from any goroutine. A
// Client must be created with NewClient and requires Connect before calls can
// be issued. Disconnect tears the connection down but leaves the client
// reusable; Close releases the client for good.
type Client struct {
	transport Transport
	logger    *slog.Logger
	bus       *EventBus
	metrics   *clientMetrics

	callTimeout    time.Duration
	writeTimeout   time.Duration
	pingInterval   time.Duration
	connectTimeout time.Duration

	maxReconnects      int
	reconnectBaseDelay time.Duration

	state atomic.Int32

	connects    chan *connectReq
	disconnects chan chan struct{}
	calls       chan *callReq
	frames      chan connFrame
	closedConns chan closedConn
	dials       chan dialResult
	expired     chan string
	sendFails   chan sendFailure

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

var (
	defaultCallTimeout    = 30 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultConnectTimeout = 10 * time.Second

	defaultMaxReconnects      = 5
	defaultReconnectBaseDelay = time.Second
)

type connectReq struct {
	res chan error
}

type callReq struct {
	tool string
	args json.RawMessage
	res  chan callHandle
}

// callHandle is the run loop's reply to a call request: either an immediate
// rejection or the channel the caller waits on.
type callHandle struct {
	out chan callOutcome
	err error
}

type connFrame struct {
	conn Conn
	raw  []byte
}

type closedConn struct {
	conn Conn
	code int
	err  error
}

type dialResult struct {
	conn Conn
	err  error
}

type sendFailure struct {
	id  string
	err error
}

// WithLogger sets the logger for the client. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithCallTimeout sets the per-call deadline. Defaults to 30 seconds.
func WithCallTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.callTimeout = timeout
	}
}

// WithWriteTimeout bounds a single frame write. Defaults to 10 seconds.
func WithWriteTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.writeTimeout = timeout
	}
}

// WithPingInterval sets the keepalive probe period. Defaults to 30 seconds.
func WithPingInterval(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.pingInterval = interval
	}
}

// WithConnectTimeout bounds the wait for the server's welcome after the
// transport handshake. Defaults to 10 seconds.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.connectTimeout = timeout
	}
}

// WithMaxReconnectAttempts sets how many consecutive failed reconnect
// attempts are made before giving up. Defaults to 5.
func WithMaxReconnectAttempts(attempts int) ClientOption {
	return func(c *Client) {
		c.maxReconnects = attempts
	}
}

// WithReconnectBaseDelay sets the delay before the first reconnect attempt;
// subsequent attempts double it. Defaults to 1 second.
func WithReconnectBaseDelay(delay time.Duration) ClientOption {
	return func(c *Client) {
		c.reconnectBaseDelay = delay
	}
}

// WithMetricsSet registers the client's diagnostic counters on the given set
// instead of a private one.
func WithMetricsSet(set *metrics.Set) ClientOption {
	return func(c *Client) {
		c.metrics = newClientMetrics(set)
	}
}

// NewClient creates a client using the given transport. The client starts in
// the Disconnected state; call Connect to establish the connection.
func NewClient(transport Transport, options ...ClientOption) *Client {
	c := &Client{
		transport:   transport,
		connects:    make(chan *connectReq),
		disconnects: make(chan chan struct{}),
		calls:       make(chan *callReq),
		frames:      make(chan connFrame),
		closedConns: make(chan closedConn),
		dials:       make(chan dialResult),
		expired:     make(chan string),
		sendFails:   make(chan sendFailure),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}

	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.callTimeout == 0 {
		c.callTimeout = defaultCallTimeout
	}
	if c.writeTimeout == 0 {
		c.writeTimeout = defaultWriteTimeout
	}
	if c.pingInterval == 0 {
		c.pingInterval = defaultPingInterval
	}
	if c.connectTimeout == 0 {
		c.connectTimeout = defaultConnectTimeout
	}
	if c.maxReconnects == 0 {
		c.maxReconnects = defaultMaxReconnects
	}
	if c.reconnectBaseDelay == 0 {
		c.reconnectBaseDelay = defaultReconnectBaseDelay
	}
	if c.metrics == nil {
		c.metrics = newClientMetrics(nil)
	}

	c.bus = NewEventBus(c.logger)

	go c.run()

	return c
}

// Connect establishes the connection and completes the welcome handshake. It
// returns once the client is Connected, the attempt fails, or the connect
// timeout elapses. An explicit Connect resets the reconnect attempt counter.
func (c *Client) Connect(ctx context.Context) error {
	req := &connectReq{res: make(chan error, 1)}

	select {
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.connects <- req:
	}

	select {
	case err := <-req.res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClientClosed
	}
}

// Disconnect closes the connection intentionally. Every pending call
// completes immediately with ErrConnectionClosed, the keepalive is disarmed,
// and no reconnection attempt follows. The client stays usable; a later
// Connect re-establishes the connection.
func (c *Client) Disconnect() {
	ack := make(chan struct{})
	select {
	case <-c.done:
		return
	case c.disconnects <- ack:
	}
	select {
	case <-ack:
	case <-c.done:
	}
}

// Call invokes a named tool on the server and returns its result data. The
// call settles with the matching response, a ToolError for a failure
// response, a CallTimeoutError when no response arrives in time, or
// ErrConnectionClosed if the connection drops first; it never hangs
// indefinitely. Calls issued while not Connected are rejected immediately
// with ErrNotConnected, never queued.
func (c *Client) Call(ctx context.Context, tool string, args any) (json.RawMessage, error) {
	var argsBs json.RawMessage
	if args != nil {
		bs, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal args: %w", err)
		}
		argsBs = bs
	}

	req := &callReq{
		tool: tool,
		args: argsBs,
		res:  make(chan callHandle, 1),
	}

	select {
	case <-c.done:
		return nil, ErrClientClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case c.calls <- req:
	}

	handle := <-req.res
	if handle.err != nil {
		return nil, handle.err
	}

	select {
	case out := <-handle.out:
		return out.data, out.err
	case <-ctx.Done():
		// The entry stays registered and settles through its own deadline;
		// there is no per-call cancellation on the wire.
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// Subscribe registers handler for the named event. Server-pushed events and
// the lifecycle events (EventWelcome etc.) share the same bus.
func (c *Client) Subscribe(event string, handler EventHandler) *Subscription {
	return c.bus.Subscribe(event, handler)
}

// Unsubscribe removes a previously registered handler.
func (c *Client) Unsubscribe(sub *Subscription) {
	c.bus.Unsubscribe(sub)
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

// IsConnected reports whether the client is Connected.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// WriteMetrics writes the client's diagnostic counters in Prometheus text
// format.
func (c *Client) WriteMetrics(w io.Writer) {
	c.metrics.write(w)
}

// Close tears the client down for good: the connection is closed, pending
// calls complete with ErrClientClosed, and the owner goroutine exits. A
// closed client cannot be reused.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	<-c.stopped
}

func (c *Client) setState(s ConnState) {
	c.state.Store(int32(s))
}

// runState is the mutable state of the owner goroutine. It lives on the run
// loop's stack and is never touched from any other goroutine.
type runState struct {
	conn            Conn
	awaitingWelcome bool
	explicitClose   bool
	connWaiter      chan error

	policy reconnectPolicy

	reconnectTimer *time.Timer
	reconnectC     <-chan time.Time
	welcomeTimer   *time.Timer
	welcomeC       <-chan time.Time
}

func (c *Client) run() {
	defer close(c.stopped)

	pending := newPendingTable(c.callTimeout, func(id string) {
		select {
		case c.expired <- id:
		case <-c.done:
		}
	})

	pingTicker := time.NewTicker(c.pingInterval)
	pingTicker.Stop()
	defer pingTicker.Stop()

	rs := &runState{
		policy: reconnectPolicy{
			maxAttempts: c.maxReconnects,
			baseDelay:   c.reconnectBaseDelay,
		},
	}

	for {
		select {
		case <-c.done:
			if rs.conn != nil {
				rs.conn.Close(CloseCodeNormal, "client closed")
			}
			pending.clearAll(ErrClientClosed)
			if rs.connWaiter != nil {
				rs.connWaiter <- ErrClientClosed
			}
			rs.stopTimers()
			return

		case req := <-c.connects:
			c.handleConnect(rs, req)

		case res := <-c.dials:
			c.handleDialResult(rs, res)

		case <-rs.welcomeC:
			c.handleWelcomeTimeout(rs)

		case f := <-c.frames:
			if f.conn != rs.conn {
				continue
			}
			c.handleFrame(rs, pending, pingTicker, f.raw)

		case cc := <-c.closedConns:
			// A close event from a connection we already replaced or dropped
			// is stale; in particular it must never trigger a reconnect.
			if cc.conn != rs.conn {
				continue
			}
			c.handleConnClosed(rs, pending, pingTicker, cc)

		case req := <-c.calls:
			c.handleCall(rs, pending, req)

		case sf := <-c.sendFails:
			pending.reject(sf.id, sf.err)

		case id := <-c.expired:
			if pending.expire(id) {
				c.metrics.callTimeouts.Inc()
				c.logger.Warn("call timed out", "request_id", id)
			}

		case <-pingTicker.C:
			if rs.conn != nil && c.State() == StateConnected {
				go c.send(rs.conn, Frame{Type: FramePing}, "")
			}

		case <-rs.reconnectC:
			rs.reconnectC = nil
			go c.dial()

		case ack := <-c.disconnects:
			c.handleDisconnect(rs, pending, pingTicker)
			close(ack)
		}
	}
}

func (c *Client) handleConnect(rs *runState, req *connectReq) {
	switch c.State() {
	case StateConnected:
		req.res <- nil
	case StateConnecting:
		req.res <- ErrConnectInProgress
	default:
		rs.explicitClose = false
		rs.policy.reset()
		rs.connWaiter = req.res
		c.setState(StateConnecting)
		go c.dial()
	}
}

func (c *Client) handleDialResult(rs *runState, res dialResult) {
	if rs.explicitClose {
		// Disconnected while the dial was in flight.
		if res.conn != nil {
			res.conn.Close(CloseCodeNormal, "client disconnect")
		}
		return
	}

	if res.err != nil {
		if rs.connWaiter != nil {
			// An explicit connect failure is surfaced directly, not retried.
			rs.connWaiter <- res.err
			rs.connWaiter = nil
			c.setState(StateDisconnected)
			return
		}
		c.logger.Warn("reconnect attempt failed", "err", res.err)
		c.scheduleReconnect(rs)
		return
	}

	rs.conn = res.conn
	rs.awaitingWelcome = true
	rs.welcomeTimer = time.NewTimer(c.connectTimeout)
	rs.welcomeC = rs.welcomeTimer.C
	go c.read(res.conn)
}

func (c *Client) handleWelcomeTimeout(rs *runState) {
	rs.welcomeC = nil
	rs.welcomeTimer = nil
	rs.awaitingWelcome = false
	if rs.conn != nil {
		// Force the half-open connection closed before surfacing the error.
		rs.conn.Close(CloseCodeNormal, "welcome timeout")
		rs.conn = nil
	}

	if rs.connWaiter != nil {
		rs.connWaiter <- ErrConnectTimeout
		rs.connWaiter = nil
		c.setState(StateDisconnected)
		return
	}
	c.logger.Warn("welcome timed out during reconnect")
	c.scheduleReconnect(rs)
}

func (c *Client) handleConnClosed(rs *runState, pending *pendingTable, pingTicker *time.Ticker, cc closedConn) {
	rs.conn = nil
	pingTicker.Stop()
	rs.stopWelcomeTimer()
	wasHandshake := rs.awaitingWelcome
	rs.awaitingWelcome = false

	pending.clearAll(ErrConnectionClosed)
	c.bus.Publish(EventDisconnected, nil)

	if cc.err != nil {
		c.logger.Info("connection closed", "code", cc.code, "err", cc.err)
	} else {
		c.logger.Info("connection closed", "code", cc.code)
	}

	if rs.explicitClose || cc.code == CloseCodeNormal {
		c.setState(StateDisconnected)
		if rs.connWaiter != nil {
			rs.connWaiter <- ErrConnectionClosed
			rs.connWaiter = nil
		}
		return
	}

	if rs.connWaiter != nil {
		// The connection dropped before the welcome on an explicit connect;
		// surface it to the caller instead of retrying.
		rs.connWaiter <- fmt.Errorf("%w before handshake completed", ErrConnectionClosed)
		rs.connWaiter = nil
		c.setState(StateDisconnected)
		return
	}

	if wasHandshake {
		c.logger.Warn("connection lost during reconnect handshake")
	}
	c.setState(StateConnecting)
	c.scheduleReconnect(rs)
}

func (c *Client) handleCall(rs *runState, pending *pendingTable, req *callReq) {
	if rs.conn == nil || rs.awaitingWelcome || c.State() != StateConnected {
		req.res <- callHandle{err: ErrNotConnected}
		return
	}

	id, out := pending.register(req.tool)
	req.res <- callHandle{out: out}

	f := Frame{
		Type:      FrameToolCall,
		Tool:      req.tool,
		RequestID: id,
		Args:      req.args,
	}
	go c.send(rs.conn, f, id)
}

func (c *Client) handleDisconnect(rs *runState, pending *pendingTable, pingTicker *time.Ticker) {
	rs.explicitClose = true
	rs.stopTimers()
	rs.awaitingWelcome = false
	pingTicker.Stop()

	if rs.conn != nil {
		rs.conn.Close(CloseCodeNormal, "client disconnect")
		rs.conn = nil
	}
	pending.clearAll(ErrConnectionClosed)

	if rs.connWaiter != nil {
		rs.connWaiter <- ErrConnectionClosed
		rs.connWaiter = nil
	}
	c.setState(StateDisconnected)
}

func (c *Client) handleFrame(rs *runState, pending *pendingTable, pingTicker *time.Ticker, raw []byte) {
	f, err := decodeFrame(raw)
	if err != nil {
		c.logger.Error("failed to decode frame", "err", err)
		c.metrics.framesDropped.Inc()
		return
	}

	switch f.Type {
	case FrameWelcome:
		if !rs.awaitingWelcome {
			c.logger.Debug("duplicate welcome frame")
			return
		}
		rs.awaitingWelcome = false
		rs.stopWelcomeTimer()
		rs.policy.reset()
		c.setState(StateConnected)
		pingTicker.Reset(c.pingInterval)
		if rs.connWaiter != nil {
			rs.connWaiter <- nil
			rs.connWaiter = nil
		}
		c.bus.Publish(EventWelcome, f.Data)

	case FrameToolResponse:
		if !pending.respond(f.RequestID, f.succeeded(), f.Data, f.Error) {
			// Permissive by contract: late, duplicate, or unknown responses
			// are dropped, counted for anomaly detection.
			c.logger.Debug("response for unknown request id", "request_id", f.RequestID)
			c.metrics.unknownResponses.Inc()
		}

	case FrameEvent:
		if f.Event == "" {
			c.logger.Warn("event frame without event name")
			c.metrics.framesDropped.Inc()
			return
		}
		c.bus.Publish(f.Event, f.Data)

	case FrameError:
		c.logger.Error("server error", "error", f.Error)
		c.bus.Publish(EventError, errorPayload(f))

	case FramePing:
		if rs.conn != nil {
			go c.send(rs.conn, Frame{Type: FramePong}, "")
		}

	case FramePong:
		// Pure liveness signal; failure shows up as a transport close.

	default:
		c.logger.Warn("unrecognized frame type", "type", f.Type)
		c.metrics.framesDropped.Inc()
	}
}

func (c *Client) scheduleReconnect(rs *runState) {
	delay, ok := rs.policy.next()
	if !ok {
		c.logger.Error("reconnect attempts exhausted", "attempts", rs.policy.maxAttempts)
		c.setState(StateDisconnected)
		c.bus.Publish(EventReconnectExhausted, errorPayload(Frame{Error: ErrReconnectExhausted.Error()}))
		return
	}

	c.metrics.reconnects.Inc()
	c.setState(StateConnecting)
	c.logger.Info("scheduling reconnect", "attempt", rs.policy.attempts, "delay", delay)
	rs.reconnectTimer = time.NewTimer(delay)
	rs.reconnectC = rs.reconnectTimer.C
}

func (c *Client) dial() {
	dCtx, dCancel := context.WithTimeout(context.Background(), c.connectTimeout)
	defer dCancel()

	conn, err := c.transport.Dial(dCtx)
	select {
	case c.dials <- dialResult{conn: conn, err: err}:
	case <-c.done:
		if conn != nil {
			conn.Close(CloseCodeNormal, "client closed")
		}
	}
}

func (c *Client) read(conn Conn) {
	for raw := range conn.Frames() {
		select {
		case c.frames <- connFrame{conn: conn, raw: raw}:
		case <-c.done:
			return
		}
	}

	code, err := conn.CloseInfo()
	select {
	case c.closedConns <- closedConn{conn: conn, code: code, err: err}:
	case <-c.done:
	}
}

func (c *Client) send(conn Conn, f Frame, requestID string) {
	sCtx, sCancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer sCancel()

	if err := conn.Send(sCtx, f); err != nil {
		if requestID == "" {
			c.logger.Error("failed to send frame", "type", f.Type, "err", err)
			return
		}
		select {
		case c.sendFails <- sendFailure{id: requestID, err: err}:
		case <-c.done:
		}
	}
}

func (rs *runState) stopTimers() {
	if rs.reconnectTimer != nil {
		rs.reconnectTimer.Stop()
		rs.reconnectTimer = nil
	}
	rs.reconnectC = nil
	rs.stopWelcomeTimer()
}

func (rs *runState) stopWelcomeTimer() {
	if rs.welcomeTimer != nil {
		rs.welcomeTimer.Stop()
		rs.welcomeTimer = nil
	}
	rs.welcomeC = nil
}

func errorPayload(f Frame) json.RawMessage {
	if len(f.Data) > 0 {
		return f.Data
	}
	if f.Error == "" {
		return nil
	}
	payload, err := json.Marshal(map[string]string{"error": f.Error})
	if err != nil {
		return nil
	}
	return payload
}
