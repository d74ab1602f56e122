// Package realtime is the reconnecting event channel between the candidate
// client and the session backend.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultPath              = "/api/socket"
	defaultReconnectAttempts = 10
	defaultReconnectDelay    = time.Second
	defaultMaxDelay          = 5 * time.Second
	defaultSendQueue         = 64
	pingPeriod               = 25 * time.Second
	defaultPongWait          = 60 * time.Second
	writeWait                = 5 * time.Second
)

// ErrHandshakeRejected marks a fatal error caused by the server refusing the
// websocket upgrade with a 4xx status.
var ErrHandshakeRejected = errors.New("realtime: handshake rejected")

// Options configures a channel.
type Options struct {
	URL    string // backend base URL, http(s) or ws(s)
	Path   string // defaults to /api/socket
	RoomID string // sent as the room query parameter
	Header http.Header

	// Dispatch runs every callback. Pass the control loop's Post so that
	// handlers execute on the control goroutine. Defaults to inline.
	Dispatch func(func())

	// MaxReconnectAttempts is the number of consecutive failed dials after
	// which the channel gives up and reports a fatal error. Negative means
	// retry forever.
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	SendQueue            int

	// PongWait is how long the connection may stay silent before it is
	// considered lost. Every frame and every pong extends it.
	PongWait time.Duration

	Dialer *websocket.Dialer
	Log    *zap.Logger
}

// ConnectInfo describes a successful physical connection.
type ConnectInfo struct {
	Attempt int // 1 for the first connection of this channel
}

// Handler receives the raw arguments of an event.
type Handler func(args []json.RawMessage)

// Conn is a channel handle. All methods are safe for concurrent use.
type Conn struct {
	opts Options
	url  string
	log  *zap.Logger

	mu           sync.Mutex
	handlers     map[string]map[int]Handler
	onConnect    []func(ConnectInfo)
	onDisconnect []func(error)
	onError      []func(error)
	nextID       int
	ws           *websocket.Conn
	send         chan []byte
	connects     int
	closed       bool

	cancel  context.CancelFunc
	closing chan struct{}
	done    chan struct{}
}

// Connect starts dialing in the background and returns immediately.
// Handlers registered in the same dispatch turn as Connect (or before the
// first connect is dispatched) observe the first connect.
func Connect(ctx context.Context, opts Options) (*Conn, error) {
	target, err := socketURL(opts.URL, opts.Path, opts.RoomID)
	if err != nil {
		return nil, err
	}
	if opts.MaxReconnectAttempts == 0 {
		opts.MaxReconnectAttempts = defaultReconnectAttempts
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = defaultReconnectDelay
	}
	if opts.MaxReconnectDelay < opts.ReconnectDelay {
		opts.MaxReconnectDelay = defaultMaxDelay
		if opts.MaxReconnectDelay < opts.ReconnectDelay {
			opts.MaxReconnectDelay = opts.ReconnectDelay
		}
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Conn{
		opts:     opts,
		url:      target,
		log:      opts.Log.With(zap.String("url", target)),
		handlers: make(map[string]map[int]Handler),
		cancel:   cancel,
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

// On registers fn for event. The returned func removes it.
func (c *Conn) On(event string, fn Handler) (off func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.handlers[event][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

// OnConnect registers fn for every successful physical connection.
func (c *Conn) OnConnect(fn func(ConnectInfo)) {
	c.mu.Lock()
	c.onConnect = append(c.onConnect, fn)
	c.mu.Unlock()
}

// OnDisconnect registers fn for transient connection loss.
func (c *Conn) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	c.onDisconnect = append(c.onDisconnect, fn)
	c.mu.Unlock()
}

// OnError registers fn for the unrecoverable error that stops the channel.
func (c *Conn) OnError(fn func(error)) {
	c.mu.Lock()
	c.onError = append(c.onError, fn)
	c.mu.Unlock()
}

// Connected reports whether a physical connection is up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.send != nil
}

// Emit sends an event. It never blocks and never fails: events emitted
// while disconnected, or beyond the send queue, are dropped and logged.
func (c *Conn) Emit(event string, args ...any) {
	data, err := EncodeFrame(event, args...)
	if err != nil {
		c.log.Warn("event not encodable", zap.String("event", event), zap.Error(err))
		return
	}

	c.mu.Lock()
	ch := c.send
	c.mu.Unlock()

	if ch == nil {
		c.log.Debug("event dropped while disconnected", zap.String("event", event))
		return
	}
	select {
	case ch <- data:
	default:
		c.log.Warn("send queue full, event dropped", zap.String("event", event))
	}
}

// Disconnect closes the channel and stops reconnecting. It does not wait
// for the socket; the write pump sends the close frame. Idempotent.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	close(c.closing)
}

// Done is closed when the channel has fully stopped.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.done)

	delay := c.opts.ReconnectDelay
	limiter := rate.NewLimiter(rate.Every(delay), 1)
	failures := 0

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		ws, resp, err := c.opts.Dialer.DialContext(ctx, c.url, c.opts.Header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
				c.fatal(fmt.Errorf("%w: HTTP %d", ErrHandshakeRejected, resp.StatusCode))
				return
			}
			failures++
			if c.opts.MaxReconnectAttempts > 0 && failures >= c.opts.MaxReconnectAttempts {
				c.fatal(fmt.Errorf("realtime: gave up after %d attempts: %w", failures, err))
				return
			}
			delay = min(delay*2, c.opts.MaxReconnectDelay)
			limiter.SetLimit(rate.Every(delay))
			c.log.Warn("realtime dial failed", zap.Int("attempt", failures), zap.Duration("retry_in", delay), zap.Error(err))
			continue
		}

		failures = 0
		delay = c.opts.ReconnectDelay
		limiter.SetLimit(rate.Every(delay))

		err = c.serve(ctx, ws)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("realtime connection lost", zap.Error(err))
		c.dispatchDisconnect(err)
	}
}

// serve pumps one physical connection until it drops.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) error {
	send := make(chan []byte, c.opts.SendQueue)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return nil
	}
	c.ws = ws
	c.send = send
	c.connects++
	info := ConnectInfo{Attempt: c.connects}
	c.mu.Unlock()

	c.log.Info("realtime connected", zap.Int("attempt", info.Attempt))
	c.dispatchConnect(info)

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go c.writePump(ws, send, stop, writerDone)

	pongWait := c.opts.PongWait
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	var readErr error
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		frame, err := DecodeFrame(data)
		if err != nil {
			c.log.Warn("malformed frame ignored", zap.Error(err))
			continue
		}
		c.dispatchEvent(frame)
	}

	c.mu.Lock()
	c.ws = nil
	c.send = nil
	c.mu.Unlock()

	close(stop)
	ws.Close()
	<-writerDone
	return readErr
}

func (c *Conn) writePump(ws *websocket.Conn, send <-chan []byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ping := time.NewTicker(min(pingPeriod, c.opts.PongWait*9/10))
	defer ping.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.closing:
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			ws.Close()
			return
		case data := <-send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("realtime write failed", zap.Error(err))
				ws.Close()
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				ws.Close()
				return
			}
		}
	}
}

func (c *Conn) dispatch(fn func()) {
	if c.opts.Dispatch != nil {
		c.opts.Dispatch(fn)
		return
	}
	fn()
}

func (c *Conn) dispatchConnect(info ConnectInfo) {
	c.dispatch(func() {
		c.mu.Lock()
		fns := append([]func(ConnectInfo){}, c.onConnect...)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(info)
		}
	})
}

func (c *Conn) dispatchDisconnect(err error) {
	c.dispatch(func() {
		c.mu.Lock()
		fns := append([]func(error){}, c.onDisconnect...)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(err)
		}
	})
}

func (c *Conn) dispatchEvent(f Frame) {
	c.dispatch(func() {
		c.mu.Lock()
		fns := make([]Handler, 0, len(c.handlers[f.Event]))
		for _, fn := range c.handlers[f.Event] {
			fns = append(fns, fn)
		}
		c.mu.Unlock()
		for _, fn := range fns {
			fn(f.Args)
		}
	})
}

func (c *Conn) fatal(err error) {
	c.log.Error("realtime channel stopped", zap.Error(err))
	c.dispatch(func() {
		c.mu.Lock()
		fns := append([]func(error){}, c.onError...)
		c.mu.Unlock()
		for _, fn := range fns {
			fn(err)
		}
	})
}

// socketURL turns the backend base URL into the websocket endpoint.
func socketURL(base, path, room string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported realtime url scheme %q", u.Scheme)
	}
	if path == "" {
		path = defaultPath
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	if room != "" {
		q := u.Query()
		q.Set("room", room)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
