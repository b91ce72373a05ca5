// Package gateway maintains the persistent control channel to the
// orchestration gateway: a websocket carrying correlated request/response
// frames and server push events, with a server-initiated challenge handshake
// and fixed-delay reconnection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"botforge/internal/logging"
)

// State is the connection lifecycle state. Transitions run strictly
// Disconnected -> SocketOpen -> AwaitingChallenge -> Handshaking -> Ready,
// falling back to Disconnected on any close.
type State int

const (
	StateDisconnected State = iota
	StateSocketOpen
	StateAwaitingChallenge
	StateHandshaking
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateSocketOpen:
		return "socket-open"
	case StateAwaitingChallenge:
		return "awaiting-challenge"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// Sentinel errors surfaced to callers. The pipeline treats all of them as a
// degraded gateway, never as fatal.
var (
	ErrNotConnected     = errors.New("gateway: not connected")
	ErrConnectionClosed = errors.New("gateway: connection closed")
	ErrRequestTimeout   = errors.New("gateway: request timeout")
	ErrHandshakeTimeout = errors.New("gateway: handshake timeout")
)

const (
	// EventChallenge is pushed by the server to start the handshake.
	EventChallenge = "connect.challenge"
	// EventPresence replaces the cached presence list.
	EventPresence = "presence.snapshot"
	// EventApproval is re-emitted verbatim to subscribers.
	EventApproval = "exec.approval.request"

	connectWait      = 5 * time.Second
	handshakeTimeout = 10 * time.Second
	requestTimeout   = 30 * time.Second
	reconnectDelay   = 5 * time.Second

	minProtocol = 1
	maxProtocol = 3
)

// DeviceTokenStore persists the rotated device token across reconnects.
type DeviceTokenStore interface {
	Load() string
	Save(token string) error
}

// Options configures a Client.
type Options struct {
	URL           string
	Token         string
	ClientID      string
	ClientVersion string
	Locale        string
	AutoReconnect bool

	// Clock is injectable for tests; nil means wall clock.
	Clock Clock
	// DeviceTokens is optional; nil disables token persistence.
	DeviceTokens DeviceTokenStore
	// Dialer is injectable for tests; nil means websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

type pendingResult struct {
	payload json.RawMessage
	err     error
}

// pendingRequest correlates an in-flight request to its eventual response.
// At most one exists per id; removed on response, timeout, or close.
type pendingRequest struct {
	ch    chan pendingResult
	timer Timer
}

// Client owns one control channel. All state is guarded by mu; the read
// loop is the only goroutine that delivers responses and events.
type Client struct {
	opts  Options
	clock Clock
	bus   *eventBus

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	pending        map[string]*pendingRequest
	protocol       int
	presence       []PresenceEntry
	readyCh        chan struct{}
	reconnectTimer Timer
	closed         bool

	writeMu sync.Mutex
}

// New creates a disconnected client.
func New(opts Options) *Client {
	clock := opts.Clock
	if clock == nil {
		clock = NewRealClock()
	}
	if opts.ClientID == "" {
		opts.ClientID = "botforge-" + uuid.NewString()[:8]
	}
	return &Client{
		opts:    opts,
		clock:   clock,
		bus:     newEventBus(),
		pending: make(map[string]*pendingRequest),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the handshake has completed.
func (c *Client) Connected() bool {
	return c.State() == StateReady
}

// Protocol returns the negotiated protocol version (0 before handshake).
func (c *Client) Protocol() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.protocol
}

// Presence returns a copy of the last presence snapshot.
func (c *Client) Presence() []PresenceEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PresenceEntry, len(c.presence))
	copy(out, c.presence)
	return out
}

// Subscribe registers a handler for the named event ("" for all events).
func (c *Client) Subscribe(name string, h EventHandler) {
	c.bus.subscribe(name, h)
}

// Connect opens the channel and waits up to 5s for a completed handshake.
// An unreachable gateway is a normal degraded state, so failure is reported
// as false rather than an error.
func (c *Client) Connect(ctx context.Context) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if c.state == StateReady {
		c.mu.Unlock()
		return true
	}
	if c.state != StateDisconnected {
		// A connect attempt is already in flight; don't start a second.
		c.mu.Unlock()
		return false
	}
	readyCh := make(chan struct{})
	c.readyCh = readyCh
	c.mu.Unlock()

	dialer := c.opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectWait)
	defer cancel()

	conn, _, err := dialer.DialContext(dialCtx, c.opts.URL, header)
	if err != nil {
		logging.GatewayWarn("dial failed: %v", err)
		c.mu.Lock()
		c.readyCh = nil
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return false
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateSocketOpen
	// The server speaks first; nothing to send until the challenge arrives.
	c.state = StateAwaitingChallenge
	c.mu.Unlock()

	logging.Gateway("socket open, awaiting challenge url=%s", c.opts.URL)

	go c.readLoop(conn)

	waitTimer := time.NewTimer(connectWait)
	defer waitTimer.Stop()
	select {
	case <-readyCh:
		return true
	case <-ctx.Done():
		return false
	case <-waitTimer.C:
		logging.GatewayWarn("handshake not completed within %s", connectWait)
		return false
	}
}

// Request sends a correlated request and waits for the matching response.
// Rejects immediately with ErrNotConnected unless the handshake completed.
func (c *Client) Request(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.mu.Unlock()
	return c.send(ctx, method, params, requestTimeout, ErrRequestTimeout)
}

// send registers a pending request and writes the frame. Used both by
// Request and by the handshake (which runs before StateReady); timeoutErr
// is the sentinel delivered when the deadline fires.
func (c *Client) send(ctx context.Context, method string, params interface{}, timeout time.Duration, timeoutErr error) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal params: %w", err)
	}

	id := uuid.NewString()
	pr := &pendingRequest{ch: make(chan pendingResult, 1)}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.pending[id] = pr
	pr.timer = c.clock.AfterFunc(timeout, func() {
		c.failPending(id, timeoutErr)
	})
	c.mu.Unlock()

	frame := Frame{Type: FrameRequest, ID: id, Method: method, Params: raw}
	if err := c.writeFrame(conn, &frame); err != nil {
		c.removePending(id)
		return nil, fmt.Errorf("gateway: write failed: %w", err)
	}

	logging.GatewayDebug("sent request id=%s method=%s", id, method)

	select {
	case res := <-pr.ch:
		return res.payload, res.err
	case <-ctx.Done():
		c.removePending(id)
		return nil, ctx.Err()
	}
}

// writeFrame serializes a single frame. Writes are serialized; gorilla
// supports one concurrent writer only.
func (c *Client) writeFrame(conn *websocket.Conn, f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(f)
}

// readLoop is the single reader for one connection's lifetime.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			c.handleClose(err)
			return
		}
		if err := frame.Validate(); err != nil {
			logging.GatewayWarn("dropping malformed frame: %v", err)
			continue
		}
		switch frame.Type {
		case FrameResponse:
			c.handleResponse(&frame)
		case FrameEvent:
			c.handleEvent(&frame)
		case FrameRequest:
			// Server-initiated requests are not part of this protocol.
			logging.GatewayWarn("ignoring unexpected req frame method=%s", frame.Method)
		}
	}
}

func (c *Client) handleResponse(f *Frame) {
	c.mu.Lock()
	pr, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if !ok {
		// Late response after timeout; correlation ids are never reused
		// while pending, so this is safe to drop.
		logging.GatewayDebug("response for unknown id=%s", f.ID)
		return
	}
	if pr.timer != nil {
		pr.timer.Stop()
	}
	if f.OK != nil && *f.OK {
		pr.ch <- pendingResult{payload: f.Payload}
		return
	}
	err := error(f.Error)
	if f.Error == nil {
		err = errors.New("gateway: request rejected")
	}
	pr.ch <- pendingResult{err: fmt.Errorf("gateway: server rejected: %w", err)}
}

func (c *Client) handleEvent(f *Frame) {
	switch f.Event {
	case EventChallenge:
		c.beginHandshake(f.Payload)
		return
	case EventPresence:
		var snapshot struct {
			Presence []PresenceEntry `json:"presence"`
		}
		if err := json.Unmarshal(f.Payload, &snapshot); err == nil {
			c.mu.Lock()
			c.presence = snapshot.Presence
			c.mu.Unlock()
			logging.GatewayDebug("presence snapshot replaced entries=%d", len(snapshot.Presence))
		}
	case EventApproval:
		logging.Gateway("approval request received")
	}
	// Presence and approval events are still forwarded; everything else is
	// forwarded unmodified.
	c.bus.publish(Event{Name: f.Event, Payload: f.Payload, Seq: f.Seq})
}

// beginHandshake answers the server challenge. At most one handshake is in
// flight; a duplicate challenge while handshaking is ignored.
func (c *Client) beginHandshake(payload json.RawMessage) {
	c.mu.Lock()
	if c.state != StateAwaitingChallenge {
		c.mu.Unlock()
		logging.GatewayWarn("challenge in state %s ignored", c.state)
		return
	}
	c.state = StateHandshaking
	c.mu.Unlock()

	var challenge ChallengePayload
	if err := json.Unmarshal(payload, &challenge); err != nil {
		logging.GatewayWarn("bad challenge payload: %v", err)
	}

	var deviceToken string
	if c.opts.DeviceTokens != nil {
		deviceToken = c.opts.DeviceTokens.Load()
	}

	params := ConnectParams{
		MinProtocol: minProtocol,
		MaxProtocol: maxProtocol,
		Client: ClientInfo{
			ID:       c.opts.ClientID,
			Version:  c.opts.ClientVersion,
			Platform: runtime.GOOS,
			Mode:     "backend",
		},
		Role:      "operator",
		Scopes:    []string{"sessions", "skills", "models", "exec"},
		Auth:      ConnectAuth{Token: c.opts.Token, DeviceToken: deviceToken},
		Locale:    c.opts.Locale,
		UserAgent: "botforge/" + c.opts.ClientVersion,
	}

	// The handshake response is awaited off the read loop so frames keep
	// flowing while the server processes connect.
	go func() {
		payload, err := c.send(context.Background(), "connect", params, handshakeTimeout, ErrHandshakeTimeout)
		if err != nil {
			logging.GatewayError("handshake failed: %v", err)
			c.mu.Lock()
			if c.state == StateHandshaking {
				c.state = StateAwaitingChallenge
			}
			c.mu.Unlock()
			return
		}
		c.finishHandshake(payload)
	}()
}

func (c *Client) finishHandshake(payload json.RawMessage) {
	var hello HelloPayload
	if err := json.Unmarshal(payload, &hello); err != nil || hello.Type != "hello-ok" {
		logging.GatewayError("unexpected handshake payload type=%q err=%v", hello.Type, err)
		c.mu.Lock()
		if c.state == StateHandshaking {
			c.state = StateAwaitingChallenge
		}
		c.mu.Unlock()
		return
	}

	if hello.Auth != nil && hello.Auth.DeviceToken != "" && c.opts.DeviceTokens != nil {
		if err := c.opts.DeviceTokens.Save(hello.Auth.DeviceToken); err != nil {
			logging.GatewayWarn("could not persist device token: %v", err)
		}
	}

	c.mu.Lock()
	c.state = StateReady
	c.protocol = hello.Protocol
	readyCh := c.readyCh
	c.readyCh = nil
	c.mu.Unlock()

	logging.Gateway("handshake complete protocol=%d", hello.Protocol)

	if readyCh != nil {
		close(readyCh)
	}
}

// handleClose tears down the connection: every pending request rejects with
// ErrConnectionClosed, state resets, and one reconnect timer is scheduled.
func (c *Client) handleClose(cause error) {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[string]*pendingRequest)
	c.state = StateDisconnected
	c.protocol = 0
	c.readyCh = nil
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	logging.GatewayWarn("channel closed (%v), failing %d pending", cause, len(pending))

	for _, pr := range pending {
		if pr.timer != nil {
			pr.timer.Stop()
		}
		pr.ch <- pendingResult{err: ErrConnectionClosed}
	}
}

// scheduleReconnectLocked arms the single reconnect timer: fixed 5s delay,
// no backoff, never more than one outstanding. Caller holds mu.
func (c *Client) scheduleReconnectLocked() {
	if !c.opts.AutoReconnect || c.closed || c.reconnectTimer != nil {
		return
	}
	c.reconnectTimer = c.clock.AfterFunc(reconnectDelay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		logging.Gateway("reconnecting")
		c.Connect(context.Background())
	})
}

// failPending delivers err to one pending request, if still registered.
func (c *Client) failPending(id string, err error) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		pr.ch <- pendingResult{err: err}
	}
}

func (c *Client) removePending(id string) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok && pr.timer != nil {
		pr.timer.Stop()
	}
}

// PendingCount reports in-flight requests; used by status reporting and tests.
func (c *Client) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close shuts the client down permanently. No reconnect is scheduled after.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		// Unblocks the read loop, which runs the full close path.
		conn.Close()
	}
}
