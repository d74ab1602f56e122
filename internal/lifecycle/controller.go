// Package lifecycle owns one candidate session from room verification to
// teardown. Every transition runs on the control loop; blocking network work
// runs on the caller's goroutine between two loop.Call steps.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ppiankov/proctorguard/internal/backend"
	"github.com/ppiankov/proctorguard/internal/identity"
	"github.com/ppiankov/proctorguard/internal/monitor"
	"github.com/ppiankov/proctorguard/internal/realtime"
)

var (
	// ErrInvalidTransition is returned for a command the current state does
	// not accept.
	ErrInvalidTransition = errors.New("lifecycle: invalid transition")
	// ErrNotConnected is returned for outbound events without a live session.
	ErrNotConnected = errors.New("lifecycle: not connected")
	// ErrRoomInvalid is returned when the backend answers isValid=false.
	ErrRoomInvalid = errors.New("lifecycle: room code is not valid")
)

// Realtime events.
const (
	EventJoinRoom       = "join-room"
	EventSecurityAlert  = "security-alert"
	EventInterviewEnded = "interview-ended"
	EventCodingQuestion = "receive-coding-question"
	EventQuizStarted    = "quiz-started"
	EventChatReceived   = "receive-chat-message"
	EventSendChat       = "send-chat-message"
	EventCodeSubmitted  = "code-submitted"
	EventQuizScored     = "quiz-scored"
)

// Events pushed to the UI.
const (
	UIEventInterviewEnded = "event:interview-ended"
	UIEventSessionError   = "event:session-error"
	UIEventNewQuestion    = "event:new-question"
	UIEventQuizStarted    = "event:quiz-started"
	UIEventChatReceived   = "event:receive-chat-message"
	UIEventStateChanged   = "event:state-changed"
)

const (
	chatSender = "interviewee"

	reasonUserDisconnect = "disconnected by candidate"
	reasonWindowClosed   = "window closed"
	reasonEndedRemotely  = "ended by interviewer"
	reasonViolation      = "terminated by security monitor"
)

// Loop is the control loop the controller runs on.
type Loop interface {
	Post(fn func()) bool
	Call(ctx context.Context, fn func() error) error
	monitor.Scheduler
}

// RoomVerifier checks room codes.
type RoomVerifier interface {
	VerifyRoom(ctx context.Context, roomCode string) (backend.RoomVerification, error)
}

// Channel is a realtime connection as the controller uses it.
type Channel interface {
	On(event string, fn realtime.Handler) (off func())
	OnConnect(fn func(realtime.ConnectInfo))
	OnDisconnect(fn func(error))
	OnError(fn func(error))
	Emit(event string, args ...any)
	Disconnect()
}

// Dialer opens a channel for roomCode. It must not block; callbacks must be
// delivered on the control loop.
type Dialer func(roomCode string) (Channel, error)

// Reporter is the periodic process-log uploader.
type Reporter interface {
	Start(roomCode string)
	Stop()
}

// Terminator exits the application.
type Terminator interface {
	Quit()
}

// Journal records transitions and violations.
type Journal interface {
	Transition(room, user, from, to, detail string) error
	Violation(room, user, kind, message string) error
}

// Deps are the controller's collaborators. Window, Loop, Verifier, Dial and
// Terminator are required.
type Deps struct {
	Loop       Loop
	Window     monitor.Window
	Shortcuts  monitor.Shortcuts
	Clipboard  monitor.Clipboard
	Verifier   RoomVerifier
	Dial       Dialer
	Reporter   Reporter
	Terminator Terminator
	Journal    Journal
	// Sinks receive every violation in addition to the realtime channel.
	Sinks       []monitor.AlertSink
	NewIdentity func(roomCode string) *identity.Session
	Log         *zap.Logger
}

// Status is a snapshot of the session for the UI.
type Status struct {
	State         State                     `json:"state"`
	RoomCode      string                    `json:"roomCode,omitempty"`
	UserID        string                    `json:"userId,omitempty"`
	SessionConfig *backend.RoomSessionConfig `json:"sessionConfig,omitempty"`
	Strikes       int                       `json:"strikes"`
	Reason        string                    `json:"reason,omitempty"`
}

// Controller is the session state machine. Fields below are confined to
// the control loop.
type Controller struct {
	deps    Deps
	log     *zap.Logger
	monitor *monitor.Monitor

	state    State
	reason   string
	room     string
	ident    *identity.Session
	config   *backend.RoomSessionConfig
	ch       Channel
	offs     []func()
	handle   *monitor.Handle
	quitting bool
}

// New creates a controller in Idle.
func New(cfg monitor.Config, deps Deps) *Controller {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.NewIdentity == nil {
		deps.NewIdentity = identity.NewSession
	}
	c := &Controller{deps: deps, log: deps.Log}

	sinks := append(monitor.Sinks{monitor.AlertSinkFunc(c.relayAlert)}, deps.Sinks...)
	c.monitor = monitor.New(cfg, monitor.Deps{
		Shortcuts:   deps.Shortcuts,
		Clipboard:   deps.Clipboard,
		Sink:        sinks,
		Scheduler:   deps.Loop,
		OnTerminate: c.onTerminalViolation,
		Log:         deps.Log.Named("monitor"),
	})
	return c
}

// Status returns the current session snapshot.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.deps.Loop.Call(ctx, func() error {
		st = c.status()
		return nil
	})
	return st, err
}

func (c *Controller) status() Status {
	st := Status{State: c.state, RoomCode: c.room, Reason: c.reason, SessionConfig: c.config, Strikes: c.handle.Strikes()}
	if c.ident != nil {
		st.UserID = c.ident.UserID
	}
	return st
}

// VerifyRoom moves Idle|Ended → Verifying and then to AwaitingPermissions on
// a valid room, or back to Idle with the failure as reason.
func (c *Controller) VerifyRoom(ctx context.Context, roomCode string) (backend.RoomVerification, error) {
	err := c.deps.Loop.Call(ctx, func() error {
		if c.state != Idle && c.state != Ended {
			return fmt.Errorf("%w: verify room in %s", ErrInvalidTransition, c.state)
		}
		c.setState(Verifying, "")
		return nil
	})
	if err != nil {
		return backend.RoomVerification{}, err
	}

	v, verr := c.deps.Verifier.VerifyRoom(ctx, roomCode)
	if verr == nil && !v.IsValid {
		verr = ErrRoomInvalid
	}

	err = c.deps.Loop.Call(context.WithoutCancel(ctx), func() error {
		if c.state != Verifying {
			return fmt.Errorf("%w: verification finished in %s", ErrInvalidTransition, c.state)
		}
		if verr != nil {
			c.setState(Idle, verr.Error())
			return nil
		}
		cfg := v.SessionConfig
		c.room = roomCode
		c.config = &cfg
		c.ident = c.deps.NewIdentity(roomCode)
		c.setState(AwaitingPermissions, "")
		return nil
	})
	if err != nil {
		return backend.RoomVerification{}, err
	}
	return v, verr
}

// Continue moves AwaitingPermissions → Connecting and opens the channel.
// roomCode may be empty; when set it must match the verified room.
func (c *Controller) Continue(ctx context.Context, roomCode string) error {
	return c.deps.Loop.Call(ctx, func() error {
		if c.state != AwaitingPermissions {
			return fmt.Errorf("%w: continue in %s", ErrInvalidTransition, c.state)
		}
		if roomCode != "" && roomCode != c.room {
			return fmt.Errorf("%w: room %q was not verified", ErrInvalidTransition, roomCode)
		}

		ch, err := c.deps.Dial(c.room)
		if err != nil {
			c.reason = err.Error()
			return fmt.Errorf("open realtime channel: %w", err)
		}
		c.ch = ch
		c.bind(ch)
		c.setState(Connecting, "")
		return nil
	})
}

// bind registers every channel handler. Runs in the same loop task as the
// dial, so no callback can be dispatched before its handler exists.
func (c *Controller) bind(ch Channel) {
	current := func() bool { return c.ch == ch }

	ch.OnConnect(func(info realtime.ConnectInfo) {
		if current() {
			c.onConnect(info)
		}
	})
	ch.OnDisconnect(func(err error) {
		if current() {
			c.log.Warn("realtime connection lost, reconnecting", zap.String("room", c.room), zap.Error(err))
		}
	})
	ch.OnError(func(err error) {
		if current() {
			c.teardown(err.Error(), false, UIEventSessionError, err.Error())
		}
	})

	c.offs = append(c.offs,
		ch.On(EventInterviewEnded, func([]json.RawMessage) {
			if current() {
				c.teardown(reasonEndedRemotely, false, UIEventInterviewEnded)
			}
		}),
		ch.On(EventCodingQuestion, c.forward(current, UIEventNewQuestion)),
		ch.On(EventQuizStarted, c.forward(current, UIEventQuizStarted)),
		ch.On(EventChatReceived, c.forward(current, UIEventChatReceived)),
	)
}

func (c *Controller) forward(current func() bool, uiEvent string) realtime.Handler {
	return func(args []json.RawMessage) {
		if !current() || c.deps.Window.IsDestroyed() {
			return
		}
		out := make([]any, len(args))
		for i, a := range args {
			out[i] = a
		}
		c.deps.Window.Send(uiEvent, out...)
	}
}

// onConnect re-joins the room on every connect; only the first connect of a
// session starts monitoring.
func (c *Controller) onConnect(info realtime.ConnectInfo) {
	c.ch.Emit(EventJoinRoom, c.room, c.ident.UserID)

	if c.state != Connecting {
		c.log.Info("realtime reconnected, room re-joined", zap.String("room", c.room), zap.Int("attempt", info.Attempt))
		return
	}

	handle, err := c.monitor.Start(c.deps.Window, c.room)
	if err != nil {
		c.log.Error("security monitor not started", zap.String("room", c.room), zap.Error(err))
		c.teardown("monitor failed: "+err.Error(), errors.Is(err, monitor.ErrWindowDestroyed), UIEventSessionError, err.Error())
		return
	}
	c.handle = handle
	if c.deps.Reporter != nil {
		c.deps.Reporter.Start(c.room)
	}
	c.setState(Active, "")
}

// Disconnect ends a live session without exiting and forgets the room.
func (c *Controller) Disconnect(ctx context.Context) error {
	return c.deps.Loop.Call(ctx, func() error {
		switch {
		case c.state.live():
			c.teardown(reasonUserDisconnect, false, "")
		case c.state == Verifying:
			return fmt.Errorf("%w: disconnect in %s", ErrInvalidTransition, c.state)
		case c.state == AwaitingPermissions:
			c.setState(Idle, reasonUserDisconnect)
		}
		c.room = ""
		c.ident = nil
		c.config = nil
		return nil
	})
}

// WindowClosed tears down any live session and exits.
func (c *Controller) WindowClosed() {
	c.deps.Loop.Post(func() {
		c.teardown(reasonWindowClosed, true, "")
	})
}

// SendChat forwards a chat message to the room.
func (c *Controller) SendChat(ctx context.Context, text string) error {
	return c.emit(ctx, EventSendChat, map[string]string{"sender": chatSender, "text": text})
}

// SubmitCode forwards the candidate's code to the room.
func (c *Controller) SubmitCode(ctx context.Context, code string) error {
	return c.emit(ctx, EventCodeSubmitted, code)
}

// NotifyQuizScored forwards the quiz score to the room.
func (c *Controller) NotifyQuizScored(ctx context.Context, score, total int) error {
	return c.emit(ctx, EventQuizScored, map[string]int{"score": score, "total": total})
}

func (c *Controller) emit(ctx context.Context, event string, payload any) error {
	return c.deps.Loop.Call(ctx, func() error {
		if c.state != Active || c.ch == nil {
			return fmt.Errorf("%w: %s in %s", ErrNotConnected, event, c.state)
		}
		c.ch.Emit(event, c.room, payload)
		return nil
	})
}

// relayAlert is the monitor sink that forwards violations to the room.
func (c *Controller) relayAlert(roomCode string, v monitor.ViolationEvent) error {
	if c.deps.Journal != nil {
		if err := c.deps.Journal.Violation(roomCode, c.userID(), string(v.Kind), v.Message); err != nil {
			c.log.Warn("journal write failed", zap.Error(err))
		}
	}
	if c.ch == nil {
		return ErrNotConnected
	}
	c.ch.Emit(EventSecurityAlert, roomCode, v.Payload())
	return nil
}

func (c *Controller) onTerminalViolation(v monitor.ViolationEvent) {
	c.log.Warn("terminal violation, ending session", zap.String("kind", string(v.Kind)))
	c.teardown(reasonViolation+": "+v.Kind.Label(), true, "")
}

// teardown converges every termination trigger. The live session, if any,
// is torn down once; exit is requested at most once per controller.
func (c *Controller) teardown(reason string, exit bool, uiEvent string, uiArgs ...any) {
	if c.state.live() {
		c.setState(Terminating, reason)

		c.handle.Dispose()
		c.handle = nil
		for _, off := range c.offs {
			off()
		}
		c.offs = nil
		if c.ch != nil {
			c.ch.Disconnect()
			c.ch = nil
		}
		if c.deps.Reporter != nil {
			c.deps.Reporter.Stop()
		}

		c.setState(Ended, reason)
		if uiEvent != "" && !c.deps.Window.IsDestroyed() {
			c.deps.Window.Send(uiEvent, uiArgs...)
		}
	}
	if exit {
		c.quit()
	}
}

func (c *Controller) quit() {
	if c.quitting {
		return
	}
	c.quitting = true
	c.log.Info("exiting application", zap.String("state", c.state.String()))
	c.deps.Terminator.Quit()
}

func (c *Controller) setState(next State, reason string) {
	prev := c.state
	c.state = next
	c.reason = reason

	fields := []zap.Field{zap.String("from", prev.String()), zap.String("to", next.String())}
	if c.room != "" {
		fields = append(fields, zap.String("room", c.room))
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	c.log.Info("session state changed", fields...)

	if c.deps.Journal != nil {
		if err := c.deps.Journal.Transition(c.room, c.userID(), prev.String(), next.String(), reason); err != nil {
			c.log.Warn("journal write failed", zap.Error(err))
		}
	}
	if !c.deps.Window.IsDestroyed() {
		c.deps.Window.Send(UIEventStateChanged, c.status())
	}
}

func (c *Controller) userID() string {
	if c.ident == nil {
		return ""
	}
	return c.ident.UserID
}
