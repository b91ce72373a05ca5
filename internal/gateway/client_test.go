package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock drives timers manually so reconnect and timeout behavior is
// testable without real waiting.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock and fires every due timer outside the lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.deadline.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

// armedTimers counts timers that are registered but neither fired nor
// stopped.
func (c *fakeClock) armedTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// newTestGateway runs a minimal gateway: it sends the challenge on
// connect, accepts the connect request with hello-ok, and delegates every
// other request to handler. A nil handler leaves requests unanswered.
func newTestGateway(t *testing.T, handler func(f *Frame) *Frame) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		challenge, _ := json.Marshal(ChallengePayload{Nonce: "n-1", TS: time.Now().UnixMilli()})
		if err := conn.WriteJSON(&Frame{Type: FrameEvent, Event: EventChallenge, Payload: challenge}); err != nil {
			return
		}

		for {
			var f Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if f.Method == "connect" {
				ok := true
				hello, _ := json.Marshal(map[string]interface{}{"type": "hello-ok", "protocol": 3})
				if err := conn.WriteJSON(&Frame{Type: FrameResponse, ID: f.ID, OK: &ok, Payload: hello}); err != nil {
					return
				}
				continue
			}
			if handler == nil {
				continue
			}
			if res := handler(&f); res != nil {
				res.ID = f.ID
				if err := conn.WriteJSON(res); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func okResponse(payload interface{}) *Frame {
	ok := true
	raw, _ := json.Marshal(payload)
	return &Frame{Type: FrameResponse, OK: &ok, Payload: raw}
}

func TestConnectCompletesHandshake(t *testing.T) {
	srv := newTestGateway(t, nil)

	c := New(Options{URL: wsURL(srv), Token: "tok-1"})
	defer c.Close()

	if !c.Connect(context.Background()) {
		t.Fatal("Connect returned false against a healthy gateway")
	}
	if !c.Connected() {
		t.Fatalf("state = %s, want ready", c.State())
	}
	if got := c.Protocol(); got != 3 {
		t.Errorf("Protocol() = %d, want 3", got)
	}
}

func TestConnectFailsAgainstDeadEndpoint(t *testing.T) {
	srv := newTestGateway(t, nil)
	url := wsURL(srv)
	srv.Close()

	c := New(Options{URL: url})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if c.Connect(ctx) {
		t.Fatal("Connect returned true against a closed endpoint")
	}
	if c.Connected() {
		t.Error("Connected() = true after failed dial")
	}
}

func TestRequestBeforeHandshakeRejected(t *testing.T) {
	c := New(Options{URL: "ws://127.0.0.1:1"})
	defer c.Close()

	_, err := c.Request(context.Background(), "skills.list", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestRequestResponseCorrelation(t *testing.T) {
	srv := newTestGateway(t, func(f *Frame) *Frame {
		if f.Method != "skills.list" {
			t.Errorf("method = %q, want skills.list", f.Method)
		}
		return okResponse(map[string]interface{}{"skills": []string{"code-review"}})
	})

	c := New(Options{URL: wsURL(srv)})
	defer c.Close()
	if !c.Connect(context.Background()) {
		t.Fatal("Connect failed")
	}

	payload, err := c.Request(context.Background(), "skills.list", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	var result struct {
		Skills []string `json:"skills"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("bad payload: %v", err)
	}
	if len(result.Skills) != 1 || result.Skills[0] != "code-review" {
		t.Errorf("skills = %v", result.Skills)
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d after response, want 0", n)
	}
}

func TestServerRejectionSurfacesError(t *testing.T) {
	srv := newTestGateway(t, func(f *Frame) *Frame {
		ok := false
		return &Frame{Type: FrameResponse, OK: &ok, Error: &FrameError{Code: "denied", Message: "no scope"}}
	})

	c := New(Options{URL: wsURL(srv)})
	defer c.Close()
	if !c.Connect(context.Background()) {
		t.Fatal("Connect failed")
	}

	_, err := c.Request(context.Background(), "exec.approval.resolve", nil)
	if err == nil {
		t.Fatal("expected error from rejected response")
	}
	if !strings.Contains(err.Error(), "denied") || !strings.Contains(err.Error(), "no scope") {
		t.Errorf("err = %v, want code and message surfaced", err)
	}
}

func TestPendingFailedOnClose(t *testing.T) {
	srv := newTestGateway(t, nil) // never answers

	c := New(Options{URL: wsURL(srv)})
	defer c.Close()
	if !c.Connect(context.Background()) {
		t.Fatal("Connect failed")
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "sessions.list", nil)
		errCh <- err
	}()

	// Wait for the request to register, then kill the transport.
	deadline := time.Now().Add(2 * time.Second)
	for c.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	srv.CloseClientConnections()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionClosed) {
			t.Fatalf("err = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on close")
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d after close, want 0", n)
	}
}

func TestRequestTimeoutViaClock(t *testing.T) {
	srv := newTestGateway(t, nil) // never answers
	clk := newFakeClock()

	c := New(Options{URL: wsURL(srv), Clock: clk})
	defer c.Close()
	if !c.Connect(context.Background()) {
		t.Fatal("Connect failed")
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "sessions.list", nil)
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	clk.Advance(requestTimeout)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrRequestTimeout) {
			t.Fatalf("err = %v, want ErrRequestTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never delivered")
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d after timeout, want 0", n)
	}
}

func TestSendDeliversCallerTimeoutSentinel(t *testing.T) {
	srv := newTestGateway(t, nil) // never answers
	clk := newFakeClock()

	c := New(Options{URL: wsURL(srv), Clock: clk})
	defer c.Close()
	if !c.Connect(context.Background()) {
		t.Fatal("Connect failed")
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := c.send(context.Background(), "sessions.list", nil, handshakeTimeout, ErrHandshakeTimeout)
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("request never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	clk.Advance(handshakeTimeout)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrHandshakeTimeout) {
			t.Fatalf("err = %v, want ErrHandshakeTimeout", err)
		}
		if errors.Is(err, ErrRequestTimeout) {
			t.Fatalf("err = %v, request sentinel leaked into a handshake-scoped call", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never delivered")
	}
}

func TestHandshakeTimeoutResetsToAwaitingChallenge(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		challenge, _ := json.Marshal(ChallengePayload{Nonce: "n", TS: 1})
		conn.WriteJSON(&Frame{Type: FrameEvent, Event: EventChallenge, Payload: challenge})
		for {
			// connect is read but deliberately never answered
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	clk := newFakeClock()
	c := New(Options{URL: wsURL(srv), Clock: clk})
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if c.Connect(ctx) {
		t.Fatal("Connect returned true without a handshake response")
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.State() != StateHandshaking || c.PendingCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s pending = %d, handshake never registered", c.State(), c.PendingCount())
		}
		time.Sleep(5 * time.Millisecond)
	}

	clk.Advance(handshakeTimeout)

	deadline = time.Now().Add(2 * time.Second)
	for c.State() != StateAwaitingChallenge {
		if time.Now().After(deadline) {
			t.Fatalf("state = %s, want awaiting-challenge after handshake timeout", c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n := c.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d after handshake timeout, want 0", n)
	}
}

func TestReconnectSingleTimerFixedDelay(t *testing.T) {
	srv := newTestGateway(t, nil)
	clk := newFakeClock()

	c := New(Options{URL: wsURL(srv), Clock: clk, AutoReconnect: true})
	defer c.Close()
	if !c.Connect(context.Background()) {
		t.Fatal("Connect failed")
	}

	srv.CloseClientConnections()

	deadline := time.Now().Add(2 * time.Second)
	for c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never observed the close")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n := clk.armedTimers(); n != 1 {
		t.Fatalf("armed reconnect timers = %d, want exactly 1", n)
	}

	// Firing the timer dials the still-running server and completes a new
	// handshake.
	clk.Advance(reconnectDelay)
	deadline = time.Now().Add(2 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never reconnected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	srv := newTestGateway(t, nil)
	clk := newFakeClock()

	c := New(Options{URL: wsURL(srv), Clock: clk, AutoReconnect: false})
	defer c.Close()
	if !c.Connect(context.Background()) {
		t.Fatal("Connect failed")
	}

	srv.CloseClientConnections()

	deadline := time.Now().Add(2 * time.Second)
	for c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never observed the close")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if n := clk.armedTimers(); n != 0 {
		t.Errorf("armed timers = %d with auto-reconnect disabled, want 0", n)
	}
}

func TestPresenceSnapshotCached(t *testing.T) {
	srv := newTestGateway(t, nil)

	c := New(Options{URL: wsURL(srv)})
	defer c.Close()

	received := make(chan Event, 1)
	c.Subscribe(EventPresence, func(ev Event) {
		received <- ev
	})

	if !c.Connect(context.Background()) {
		t.Fatal("Connect failed")
	}

	// Inject the snapshot through the event path directly.
	snapshot, _ := json.Marshal(map[string]interface{}{
		"presence": []PresenceEntry{{ID: "op-1", Status: "online"}},
	})
	c.handleEvent(&Frame{Type: FrameEvent, Event: EventPresence, Payload: snapshot})

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}

	got := c.Presence()
	if len(got) != 1 || got[0].ID != "op-1" {
		t.Fatalf("Presence() = %+v, want cached op-1", got)
	}
}

type memTokenStore struct {
	mu    sync.Mutex
	token string
}

func (s *memTokenStore) Load() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *memTokenStore) Save(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	return nil
}

func TestDeviceTokenPersistedFromHello(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		challenge, _ := json.Marshal(ChallengePayload{Nonce: "n", TS: 1})
		conn.WriteJSON(&Frame{Type: FrameEvent, Event: EventChallenge, Payload: challenge})
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		ok := true
		hello, _ := json.Marshal(map[string]interface{}{
			"type": "hello-ok", "protocol": 2,
			"auth": map[string]string{"deviceToken": "rotated-token"},
		})
		conn.WriteJSON(&Frame{Type: FrameResponse, ID: f.ID, OK: &ok, Payload: hello})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tokens := &memTokenStore{}
	c := New(Options{URL: wsURL(srv), DeviceTokens: tokens})
	defer c.Close()

	if !c.Connect(context.Background()) {
		t.Fatal("Connect failed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for tokens.Load() == "" {
		if time.Now().After(deadline) {
			t.Fatal("device token never persisted")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := tokens.Load(); got != "rotated-token" {
		t.Errorf("stored token = %q, want rotated-token", got)
	}
}

func TestFrameValidate(t *testing.T) {
	ok := true
	cases := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{"valid req", Frame{Type: FrameRequest, ID: "1", Method: "connect"}, false},
		{"req missing method", Frame{Type: FrameRequest, ID: "1"}, true},
		{"valid res", Frame{Type: FrameResponse, ID: "1", OK: &ok}, false},
		{"res missing ok", Frame{Type: FrameResponse, ID: "1"}, true},
		{"valid event", Frame{Type: FrameEvent, Event: "tick"}, false},
		{"event missing name", Frame{Type: FrameEvent}, true},
		{"unknown type", Frame{Type: "bogus"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.frame.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() err = %v, wantErr = %v", err, tc.wantErr)
			}
		})
	}
}
