// Package relay is a minimal room server for the realtime frame protocol.
// It stands in for the session backend's socket endpoint during local runs
// and end-to-end tests.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ppiankov/proctorguard/internal/realtime"
)

const (
	SocketPath = "/api/socket"
	HealthPath = "/healthz"

	eventJoinRoom = "join-room"

	maxFrame   = 1 << 20
	sendQueue  = 64
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 25 * time.Second
)

// route maps an inbound room event to the event delivered to the room.
type route struct {
	out string
	// all includes the sender.
	all bool
}

var routes = map[string]route{
	"security-alert":        {out: "receive-security-alert"},
	"send-chat-message":     {out: "receive-chat-message"},
	"push-coding-question":  {out: "receive-coding-question"},
	"launch-quiz":           {out: "quiz-started"},
	"broadcast-end-session": {out: "interview-ended", all: true},
	"code-submitted":        {out: "code-submitted"},
	"quiz-scored":           {out: "quiz-scored"},
}

// Server relays room events between connected clients.
type Server struct {
	log      *zap.Logger
	upgrader websocket.Upgrader
	router   *mux.Router

	mu    sync.Mutex
	rooms map[string]map[*client]struct{}
}

type client struct {
	ws   *websocket.Conn
	send chan []byte
	log  *zap.Logger

	// room and user are owned by the client's read goroutine.
	room string
	user string
}

// New creates a relay server.
func New(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		log:   log,
		rooms: make(map[string]map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	r := mux.NewRouter()
	r.HandleFunc(SocketPath, s.serveSocket).Methods(http.MethodGet)
	r.HandleFunc(HealthPath, s.serveHealth).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Members returns the number of clients in room.
func (s *Server) Members(room string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms[room])
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("relay listening", zap.String("addr", lis.Addr().String()))
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.mu.Lock()
	rooms := len(s.rooms)
	s.mu.Unlock()
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "rooms": rooms})
}

func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		ws:   ws,
		send: make(chan []byte, sendQueue),
		log:  s.log.With(zap.String("remote", r.RemoteAddr)),
	}
	c.log.Debug("client connected")

	stop := make(chan struct{})
	go c.writePump(stop)
	s.readPump(c)
	close(stop)
	s.leave(c)
	c.log.Debug("client disconnected", zap.String("room", c.room))
}

func (s *Server) readPump(c *client) {
	c.ws.SetReadLimit(maxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		f, err := realtime.DecodeFrame(data)
		if err != nil {
			c.log.Warn("malformed frame", zap.Error(err))
			continue
		}
		s.handle(c, f)
	}
}

func (s *Server) handle(c *client, f realtime.Frame) {
	if f.Event == eventJoinRoom {
		var room, user string
		if err := realtime.Arg(f.Args, 0, &room); err != nil || room == "" {
			c.log.Warn("join-room without room", zap.Error(err))
			return
		}
		_ = realtime.Arg(f.Args, 1, &user)
		s.join(c, room, user)
		return
	}

	rt, ok := routes[f.Event]
	if !ok {
		c.log.Debug("unrouted event", zap.String("event", f.Event))
		return
	}
	var room string
	if err := realtime.Arg(f.Args, 0, &room); err != nil || room == "" {
		c.log.Warn("room event without room", zap.String("event", f.Event))
		return
	}
	if room != c.room {
		c.log.Warn("event for a room the client has not joined", zap.String("event", f.Event), zap.String("room", room))
		return
	}

	out := realtime.Frame{Event: rt.out, Args: f.Args[1:]}
	data, err := json.Marshal(out)
	if err != nil {
		c.log.Error("frame not encodable", zap.Error(err))
		return
	}
	n := s.broadcast(room, data, c, rt.all)
	c.log.Debug("relayed event", zap.String("event", f.Event), zap.String("room", room), zap.Int("recipients", n))
}

func (s *Server) join(c *client, room, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.room != "" && c.room != room {
		s.removeLocked(c)
	}
	members := s.rooms[room]
	if members == nil {
		members = make(map[*client]struct{})
		s.rooms[room] = members
	}
	members[c] = struct{}{}
	c.room = room
	c.user = user
	c.log.Info("client joined room", zap.String("room", room), zap.String("user", user), zap.Int("members", len(members)))
}

func (s *Server) leave(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(c)
}

func (s *Server) removeLocked(c *client) {
	members := s.rooms[c.room]
	if members == nil {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(s.rooms, c.room)
	}
}

// broadcast queues data for every member of room except from, unless all is
// set. Members with a full queue miss the frame.
func (s *Server) broadcast(room string, data []byte, from *client, all bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for m := range s.rooms[room] {
		if m == from && !all {
			continue
		}
		select {
		case m.send <- data:
			n++
		default:
			m.log.Warn("send queue full, frame dropped")
		}
	}
	return n
}

func (c *client) writePump(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case <-stop:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
