package monitor

import (
	"time"
)

// Kind identifies which detector produced a violation.
type Kind string

const (
	ScreenshotAttempt  Kind = "screenshot_attempt"
	FocusLoss          Kind = "focus_loss"
	ForbiddenKeyPress  Kind = "forbidden_key_press"
	SuspiciousActivity Kind = "suspicious_activity"
)

// Label is the alert type string the interviewer dashboard displays.
func (k Kind) Label() string {
	switch k {
	case ScreenshotAttempt:
		return "Screenshot Attempt"
	case FocusLoss:
		return "Focus Loss"
	case ForbiddenKeyPress:
		return "Ctrl Key Pressed"
	case SuspiciousActivity:
		return "Suspicious Activity"
	default:
		return string(k)
	}
}

// Terminal reports whether this kind of violation ends the application.
func (k Kind) Terminal() bool {
	return k == ScreenshotAttempt || k == SuspiciousActivity
}

// ViolationEvent is a single detector firing.
type ViolationEvent struct {
	Kind       Kind      `json:"kind"`
	Message    string    `json:"message"`
	Count      int       `json:"count,omitempty"` // strike count, ForbiddenKeyPress only
	OccurredAt time.Time `json:"occurred_at"`
}

// Payload is the body of a security-alert event on the realtime channel.
func (v ViolationEvent) Payload() map[string]any {
	p := map[string]any{
		"type":       v.Kind.Label(),
		"message":    v.Message,
		"occurredAt": v.OccurredAt.UTC().Format(time.RFC3339Nano),
	}
	if v.Count > 0 {
		p["count"] = v.Count
	}
	return p
}

// KeyInput is one low-level keyboard event from the window's input hook.
type KeyInput struct {
	Key          string `json:"key"`
	Type         string `json:"type"` // "keyDown" or "keyUp"
	IsAutoRepeat bool   `json:"isAutoRepeat"`
}

// Window is the interview window as seen by the monitor.
type Window interface {
	// OnBlur registers fn for focus loss. The returned func removes it.
	OnBlur(fn func()) (remove func())
	// OnInput registers fn for key events. Handlers observe only; they
	// cannot suppress the key's default action.
	OnInput(fn func(KeyInput)) (remove func())
	// Send pushes a named event to the UI layer.
	Send(event string, args ...any)
	// IsDestroyed reports whether the window has gone away.
	IsDestroyed() bool
}

// Shortcuts registers OS-level global accelerators.
type Shortcuts interface {
	Register(accelerator string, fn func()) error
	Unregister(accelerator string)
}

// Clipboard is the system clipboard.
type Clipboard interface {
	Clear() error
}

// AlertSink receives every violation. Implementations must not block.
type AlertSink interface {
	Alert(roomCode string, v ViolationEvent) error
}

// AlertSinkFunc adapts a function to AlertSink.
type AlertSinkFunc func(roomCode string, v ViolationEvent) error

func (f AlertSinkFunc) Alert(roomCode string, v ViolationEvent) error {
	return f(roomCode, v)
}

// Sinks fans a violation out to several sinks. Every sink is tried; the
// first error is returned.
type Sinks []AlertSink

func (s Sinks) Alert(roomCode string, v ViolationEvent) error {
	var first error
	for _, sink := range s {
		if sink == nil {
			continue
		}
		if err := sink.Alert(roomCode, v); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Scheduler runs callbacks on the control loop after a delay or periodically.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) (cancel func())
	Every(period time.Duration, fn func()) (cancel func())
}
