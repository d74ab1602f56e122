package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testServer is a minimal frame server. Each accepted connection is handed
// to the conns channel.
type testServer struct {
	*httptest.Server
	conns chan *websocket.Conn
	hits  atomic.Int32
	rooms chan string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		conns: make(chan *websocket.Conn, 8),
		rooms: make(chan string, 8),
	}
	upgrader := websocket.Upgrader{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.hits.Add(1)
		if r.URL.Path != "/api/socket" {
			http.NotFound(w, r)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.rooms <- r.URL.Query().Get("room")
		ts.conns <- ws
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-ts.conns:
		t.Cleanup(func() { ws.Close() })
		return ws
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	f, err := DecodeFrame(data)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

// connect dials with callbacks queued until setup has registered its
// handlers, the same ordering the control loop gives the controller.
func connect(t *testing.T, opts Options, setup func(c *Conn)) *Conn {
	t.Helper()
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 10 * time.Millisecond
	}
	queue := make(chan func(), 64)
	stop := make(chan struct{})
	opts.Dispatch = func(fn func()) {
		select {
		case queue <- fn:
		case <-stop:
		}
	}

	c, err := Connect(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { close(stop) })
	t.Cleanup(c.Disconnect)
	if setup != nil {
		setup(c)
	}
	go func() {
		for {
			select {
			case fn := <-queue:
				fn()
			case <-stop:
				return
			}
		}
	}()
	return c
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		var zero T
		return zero
	}
}

func TestSocketURL(t *testing.T) {
	cases := []struct {
		base, path, room, want string
	}{
		{"http://localhost:3000", "", "", "ws://localhost:3000/api/socket"},
		{"https://example.com/", "/api/socket", "R1", "wss://example.com/api/socket?room=R1"},
		{"ws://h:1", "/x", "", "ws://h:1/x"},
	}
	for _, tc := range cases {
		got, err := socketURL(tc.base, tc.path, tc.room)
		if err != nil {
			t.Fatalf("socketURL(%q): %v", tc.base, err)
		}
		if got != tc.want {
			t.Errorf("socketURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
	if _, err := socketURL("ftp://x", "", ""); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestEmitBeforeConnectIsDropped(t *testing.T) {
	// Nothing listens here; the dial just fails until Disconnect.
	c := connect(t, Options{URL: "http://127.0.0.1:1", MaxReconnectAttempts: -1}, nil)
	c.Emit("join-room", "R1", "me") // must not block or panic
	if c.Connected() {
		t.Fatal("should not be connected")
	}
}

func TestConnectEmitAndReceive(t *testing.T) {
	ts := newTestServer(t)
	connected := make(chan ConnectInfo, 1)
	received := make(chan []json.RawMessage, 1)

	c := connect(t, Options{URL: ts.URL, RoomID: "ROOM42"}, func(c *Conn) {
		c.OnConnect(func(info ConnectInfo) { connected <- info })
		c.On("interview-ended", func(args []json.RawMessage) { received <- args })
	})

	ws := ts.accept(t)
	if room := waitFor(t, ts.rooms); room != "ROOM42" {
		t.Errorf("expected room query ROOM42, got %q", room)
	}
	if info := waitFor(t, connected); info.Attempt != 1 {
		t.Errorf("expected attempt 1, got %d", info.Attempt)
	}

	c.Emit("join-room", "ROOM42", "interviewee-1")
	f := readFrame(t, ws)
	if f.Event != "join-room" || len(f.Args) != 2 {
		t.Fatalf("unexpected frame %+v", f)
	}
	var room string
	if err := Arg(f.Args, 0, &room); err != nil || room != "ROOM42" {
		t.Errorf("room arg = %q, %v", room, err)
	}

	data, _ := EncodeFrame("interview-ended", map[string]string{"by": "interviewer"})
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
	args := waitFor(t, received)
	if len(args) != 1 {
		t.Fatalf("expected one arg, got %d", len(args))
	}
}

func TestReconnectFiresConnectPerConnection(t *testing.T) {
	ts := newTestServer(t)
	connected := make(chan ConnectInfo, 4)
	lost := make(chan error, 4)

	connect(t, Options{URL: ts.URL}, func(c *Conn) {
		c.OnConnect(func(info ConnectInfo) { connected <- info })
		c.OnDisconnect(func(err error) { lost <- err })
	})

	first := ts.accept(t)
	if info := waitFor(t, connected); info.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", info.Attempt)
	}

	first.Close()
	waitFor(t, lost)

	ts.accept(t)
	if info := waitFor(t, connected); info.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", info.Attempt)
	}
	select {
	case info := <-connected:
		t.Fatalf("unexpected extra connect %+v", info)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandshakeRejectionIsFatal(t *testing.T) {
	ts := newTestServer(t)
	fatal := make(chan error, 1)

	c := connect(t, Options{URL: ts.URL, Path: "/wrong"}, func(c *Conn) {
		c.OnError(func(err error) { fatal <- err })
	})

	err := waitFor(t, fatal)
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("expected 404 in error, got %v", err)
	}
	waitFor(t, c.Done())
	if n := ts.hits.Load(); n != 1 {
		t.Errorf("expected exactly one handshake attempt, got %d", n)
	}
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	fatal := make(chan error, 1)
	connect(t, Options{
		URL:                  "http://127.0.0.1:1",
		MaxReconnectAttempts: 2,
		ReconnectDelay:       time.Millisecond,
		MaxReconnectDelay:    time.Millisecond,
	}, func(c *Conn) {
		c.OnError(func(err error) { fatal <- err })
	})

	err := waitFor(t, fatal)
	if !strings.Contains(err.Error(), "gave up after 2 attempts") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSilentServerIsDetected(t *testing.T) {
	ts := newTestServer(t)
	connected := make(chan struct{}, 2)
	lost := make(chan error, 2)

	connect(t, Options{URL: ts.URL, PongWait: 200 * time.Millisecond}, func(c *Conn) {
		c.OnConnect(func(ConnectInfo) { connected <- struct{}{} })
		c.OnDisconnect(func(err error) { lost <- err })
	})

	// The server side never reads, so pings are never answered.
	ts.accept(t)
	waitFor(t, connected)

	start := time.Now()
	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("half-open connection not detected")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("connection dropped after %v, before the pong window", elapsed)
	}

	ts.accept(t)
	waitFor(t, connected)
}

func TestDisconnectSendsCloseFrame(t *testing.T) {
	ts := newTestServer(t)
	connected := make(chan struct{}, 1)

	c := connect(t, Options{URL: ts.URL}, func(c *Conn) {
		c.OnConnect(func(ConnectInfo) { connected <- struct{}{} })
	})
	ws := ts.accept(t)
	waitFor(t, connected)

	c.Disconnect()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	waitFor(t, c.Done())
}

func TestOffRemovesHandler(t *testing.T) {
	ts := newTestServer(t)
	var calls atomic.Int32
	marker := make(chan struct{}, 1)

	connect(t, Options{URL: ts.URL}, func(c *Conn) {
		off := c.On("ping-ui", func([]json.RawMessage) { calls.Add(1) })
		c.On("marker", func([]json.RawMessage) { marker <- struct{}{} })
		off()
	})

	ws := ts.accept(t)
	for _, ev := range []string{"ping-ui", "marker"} {
		data, _ := EncodeFrame(ev)
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, marker)
	if n := calls.Load(); n != 0 {
		t.Errorf("removed handler called %d times", n)
	}
}

func TestDisconnectStopsChannel(t *testing.T) {
	ts := newTestServer(t)
	connected := make(chan struct{}, 1)
	lost := make(chan error, 1)

	c := connect(t, Options{URL: ts.URL}, func(c *Conn) {
		c.OnConnect(func(ConnectInfo) { connected <- struct{}{} })
		c.OnDisconnect(func(err error) { lost <- err })
	})

	ts.accept(t)
	waitFor(t, connected)

	c.Disconnect()
	c.Disconnect()
	waitFor(t, c.Done())

	if c.Connected() {
		t.Error("still connected after Disconnect")
	}
	select {
	case err := <-lost:
		t.Errorf("Disconnect reported as transient loss: %v", err)
	default:
	}
	c.Emit("late", 1) // dropped, no panic
}

func TestMalformedFrameIgnored(t *testing.T) {
	ts := newTestServer(t)
	got := make(chan struct{}, 1)

	connect(t, Options{URL: ts.URL}, func(c *Conn) {
		c.On("ok", func([]json.RawMessage) { got <- struct{}{} })
	})

	ws := ts.accept(t)
	_ = ws.WriteMessage(websocket.TextMessage, []byte("not json"))
	_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"args":[1]}`))
	data, _ := EncodeFrame("ok")
	_ = ws.WriteMessage(websocket.TextMessage, data)
	waitFor(t, got)
}
