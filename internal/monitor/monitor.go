package monitor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrAlreadyActive is returned by Start while a previous handle is live.
	ErrAlreadyActive = errors.New("monitor: already active")
	// ErrWindowDestroyed is returned by Start for a window that is gone.
	ErrWindowDestroyed = errors.New("monitor: window destroyed")
)

// UI event carrying the running forbidden-key count.
const EventCtrlKeyWarning = "event:ctrl-key-warning"

// Config holds security monitor tunables.
type Config struct {
	Threshold             int           // forbidden-key presses that end the session
	ClipboardPeriod       time.Duration // clipboard clear interval
	GraceDelay            time.Duration // delay between a terminal alert and termination
	ForbiddenKey          string        // key name matched case-insensitively
	ScreenshotAccelerator string
}

// DefaultConfig returns the production tunables.
func DefaultConfig() Config {
	return Config{
		Threshold:             3,
		ClipboardPeriod:       5 * time.Second,
		GraceDelay:            500 * time.Millisecond,
		ForbiddenKey:          "Control",
		ScreenshotAccelerator: "PrintScreen",
	}
}

// Deps are the collaborators a Monitor drives.
type Deps struct {
	Shortcuts Shortcuts
	Clipboard Clipboard
	Sink      AlertSink
	Scheduler Scheduler
	// OnTerminate is called once per handle, GraceDelay after a terminal
	// violation was emitted.
	OnTerminate func(ViolationEvent)
	Now         func() time.Time
	Log         *zap.Logger
}

// Monitor watches an interview window for cheating attempts.
//
// A Monitor is confined to the control loop: Start, Dispose and every
// detector callback must run there.
type Monitor struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
	live *Handle
}

// New creates a Monitor. Zero config fields take their defaults.
func New(cfg Config, deps Deps) *Monitor {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ClipboardPeriod <= 0 {
		cfg.ClipboardPeriod = def.ClipboardPeriod
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = def.GraceDelay
	}
	if cfg.ForbiddenKey == "" {
		cfg.ForbiddenKey = def.ForbiddenKey
	}
	if cfg.ScreenshotAccelerator == "" {
		cfg.ScreenshotAccelerator = def.ScreenshotAccelerator
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.OnTerminate == nil {
		deps.OnTerminate = func(ViolationEvent) {}
	}
	return &Monitor{cfg: cfg, deps: deps, log: deps.Log}
}

// Active reports whether a handle is live.
func (m *Monitor) Active() bool {
	return m.live != nil
}

// Start registers all four detectors for window and returns the handle that
// owns them. The strike counter starts at zero.
func (m *Monitor) Start(window Window, roomCode string) (*Handle, error) {
	if m.live != nil {
		return nil, ErrAlreadyActive
	}
	if window == nil || window.IsDestroyed() {
		return nil, ErrWindowDestroyed
	}

	h := &Handle{
		m:        m,
		window:   window,
		roomCode: roomCode,
		log:      m.log.With(zap.String("room", roomCode)),
	}
	m.live = h
	h.log.Info("security monitoring started")

	if m.deps.Shortcuts != nil {
		accel := m.cfg.ScreenshotAccelerator
		if err := m.deps.Shortcuts.Register(accel, h.guard("screenshot", h.onScreenshot)); err != nil {
			h.log.Warn("screenshot shortcut not registered", zap.String("accelerator", accel), zap.Error(err))
		} else {
			h.shortcut = accel
		}
	}

	if m.deps.Scheduler != nil {
		h.stopClipboard = m.deps.Scheduler.Every(m.cfg.ClipboardPeriod, h.guard("clipboard", h.clearClipboard))
	}

	h.removeBlur = window.OnBlur(h.guard("focus", h.onBlur))
	h.removeInput = window.OnInput(func(in KeyInput) {
		h.guard("key", func() { h.onInput(in) })()
	})

	return h, nil
}

// Handle is a live monitoring session. The zero value and nil are valid
// already-disposed handles.
type Handle struct {
	m        *Monitor
	window   Window
	roomCode string
	log      *zap.Logger

	strikes     int
	disposed    bool
	terminating bool

	shortcut      string
	stopClipboard func()
	removeBlur    func()
	removeInput   func()
}

// Strikes returns the current forbidden-key count.
func (h *Handle) Strikes() int {
	if h == nil {
		return 0
	}
	return h.strikes
}

// Dispose unregisters every detector. It is idempotent and safe after the
// window has been destroyed. A termination already scheduled by a terminal
// violation is not cancelled.
func (h *Handle) Dispose() {
	if h == nil || h.m == nil || h.disposed {
		return
	}
	h.disposed = true
	h.strikes = 0

	if h.shortcut != "" && h.m.deps.Shortcuts != nil {
		h.m.deps.Shortcuts.Unregister(h.shortcut)
	}
	if h.stopClipboard != nil {
		h.stopClipboard()
	}
	if !h.window.IsDestroyed() {
		if h.removeBlur != nil {
			h.removeBlur()
		}
		if h.removeInput != nil {
			h.removeInput()
		}
	}

	if h.m.live == h {
		h.m.live = nil
	}
	h.log.Info("security monitoring stopped")
}

func (h *Handle) onScreenshot() {
	h.emit(ViolationEvent{
		Kind:    ScreenshotAttempt,
		Message: "Candidate tried to take a screenshot; app terminated.",
	})
}

func (h *Handle) onBlur() {
	h.emit(ViolationEvent{
		Kind:    FocusLoss,
		Message: "Candidate switched away from the interview window.",
	})
}

func (h *Handle) onInput(in KeyInput) {
	if in.Type != "keyDown" || in.IsAutoRepeat {
		return
	}
	if !strings.EqualFold(in.Key, h.m.cfg.ForbiddenKey) {
		return
	}
	if h.strikes >= h.m.cfg.Threshold {
		return
	}

	h.strikes++
	count := h.strikes
	h.log.Info("forbidden key pressed", zap.Int("count", count))

	if !h.window.IsDestroyed() {
		h.window.Send(EventCtrlKeyWarning, count)
	}
	h.emit(ViolationEvent{
		Kind:    ForbiddenKeyPress,
		Message: fmt.Sprintf("Candidate pressed the Ctrl key. (Count: %d)", count),
		Count:   count,
	})

	if count >= h.m.cfg.Threshold {
		h.log.Warn("forbidden key limit reached", zap.Int("threshold", h.m.cfg.Threshold))
		h.emit(ViolationEvent{
			Kind:    SuspiciousActivity,
			Message: fmt.Sprintf("Candidate pressed the Ctrl key %d times; app terminated.", h.m.cfg.Threshold),
		})
	}
}

func (h *Handle) clearClipboard() {
	if h.m.deps.Clipboard == nil {
		return
	}
	if err := h.m.deps.Clipboard.Clear(); err != nil {
		h.log.Debug("clipboard clear failed", zap.Error(err))
	}
}

// emit hands v to the sink and, for terminal kinds, schedules termination.
// Sink errors are logged; they never prevent termination.
func (h *Handle) emit(v ViolationEvent) {
	v.OccurredAt = h.m.deps.Now()
	if h.m.deps.Sink != nil {
		if err := h.m.deps.Sink.Alert(h.roomCode, v); err != nil {
			h.log.Warn("security alert not delivered", zap.String("kind", string(v.Kind)), zap.Error(err))
		}
	}
	if v.Kind.Terminal() {
		h.scheduleTermination(v)
	}
}

func (h *Handle) scheduleTermination(v ViolationEvent) {
	if h.terminating {
		return
	}
	h.terminating = true
	onTerminate := h.m.deps.OnTerminate

	if h.m.deps.Scheduler == nil {
		onTerminate(v)
		return
	}
	h.m.deps.Scheduler.AfterFunc(h.m.cfg.GraceDelay, func() {
		onTerminate(v)
	})
}

// guard wraps a detector so it is inert after dispose and cannot panic past
// its callback boundary.
func (h *Handle) guard(name string, fn func()) func() {
	return func() {
		if h.disposed {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				h.log.Error("detector panicked", zap.String("detector", name), zap.Any("panic", r))
			}
		}()
		fn()
	}
}
