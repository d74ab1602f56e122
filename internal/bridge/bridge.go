// Package bridge speaks newline-delimited JSON with the UI shell over stdio.
//
// Inbound lines are either requests, {"id":1,"method":"...","params":{...}},
// answered with {"id":1,"result":...} or {"id":1,"error":"..."}, or window
// events, {"event":"window:blur"}. Outbound pushes are {"event":"...","args":[...]}.
package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ppiankov/proctorguard/internal/monitor"
)

// Window events sent by the UI shell.
const (
	EventWindowBlur     = "window:blur"
	EventWindowInput    = "window:input"
	EventWindowShortcut = "window:shortcut"
	EventWindowClosed   = "window:closed"
)

// Events pushed to the UI shell.
const (
	EventShortcutRegister   = "shortcut:register"
	EventShortcutUnregister = "shortcut:unregister"
	EventAppQuit            = "app:quit"
)

const maxLine = 4 << 20

// ErrShortcutTaken is returned by Register for an accelerator already held.
var ErrShortcutTaken = errors.New("bridge: accelerator already registered")

// HandlerFunc serves one request method. Handlers run on their own
// goroutine and may block.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Options configures a Bridge.
type Options struct {
	// Dispatch runs window-event callbacks. Pass the control loop's Post.
	Dispatch func(func())
	Log      *zap.Logger
}

type inbound struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Event  string          `json:"event,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     json.RawMessage `json:"id"`
	Result any             `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type push struct {
	Event string `json:"event"`
	Args  []any  `json:"args,omitempty"`
}

// Bridge is the UI transport. It also stands in for the interview window
// and the global shortcut registry, both of which live in the UI shell.
type Bridge struct {
	in       io.Reader
	out      io.Writer
	dispatch func(func())
	log      *zap.Logger

	wmu sync.Mutex

	handlers map[string]HandlerFunc
	started  atomic.Bool

	mu        sync.Mutex
	nextID    int
	blur      map[int]func()
	input     map[int]func(monitor.KeyInput)
	shortcuts map[string]func()
	onClosed  []func()

	destroyed atomic.Bool
	requests  sync.WaitGroup
}

var (
	_ monitor.Window    = (*Bridge)(nil)
	_ monitor.Shortcuts = (*Bridge)(nil)
)

// New creates a bridge reading from in and writing to out.
func New(in io.Reader, out io.Writer, opts Options) *Bridge {
	if opts.Dispatch == nil {
		opts.Dispatch = func(fn func()) { fn() }
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	return &Bridge{
		in:        in,
		out:       out,
		dispatch:  opts.Dispatch,
		log:       opts.Log,
		handlers:  make(map[string]HandlerFunc),
		blur:      make(map[int]func()),
		input:     make(map[int]func(monitor.KeyInput)),
		shortcuts: make(map[string]func()),
	}
}

// Handle registers fn for method. Every handler must be registered before
// Serve starts reading; a late registration panics.
func (b *Bridge) Handle(method string, fn HandlerFunc) {
	if b.started.Load() {
		panic(fmt.Sprintf("bridge: Handle(%q) after Serve", method))
	}
	b.handlers[method] = fn
}

// OnClosed registers fn for window close, including the UI shell going away.
func (b *Bridge) OnClosed(fn func()) {
	b.mu.Lock()
	b.onClosed = append(b.onClosed, fn)
	b.mu.Unlock()
}

// Serve reads lines until in reaches EOF or ctx is cancelled. EOF means the
// UI shell exited, which closes the window.
func (b *Bridge) Serve(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return errors.New("bridge: already serving")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(b.in)
		scanner.Buffer(make([]byte, 0, 64<<10), maxLine)
		for scanner.Scan() {
			if ctx.Err() != nil {
				break
			}
			b.handleLine(ctx, scanner.Bytes())
		}
		readErr <- scanner.Err()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-readErr:
		b.closeWindow()
		b.requests.Wait()
		if err != nil {
			return fmt.Errorf("bridge: read: %w", err)
		}
		return nil
	}
}

func (b *Bridge) handleLine(ctx context.Context, line []byte) {
	if len(line) == 0 {
		return
	}
	var msg inbound
	if err := json.Unmarshal(line, &msg); err != nil {
		b.log.Warn("malformed bridge message", zap.Error(err))
		return
	}
	switch {
	case msg.Method != "":
		b.serveRequest(ctx, msg)
	case msg.Event != "":
		b.windowEvent(msg)
	default:
		b.log.Warn("bridge message has neither method nor event")
	}
}

func (b *Bridge) serveRequest(ctx context.Context, msg inbound) {
	fn, ok := b.handlers[msg.Method]
	if !ok {
		b.reply(msg.ID, nil, fmt.Errorf("unknown method %q", msg.Method))
		return
	}
	b.requests.Add(1)
	go func() {
		defer b.requests.Done()
		result, err := b.call(ctx, fn, msg.Params)
		if err != nil {
			b.log.Debug("bridge request failed", zap.String("method", msg.Method), zap.Error(err))
		}
		b.reply(msg.ID, result, err)
	}()
}

func (b *Bridge) call(ctx context.Context, fn HandlerFunc, params json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("bridge handler panicked", zap.Any("panic", r))
			err = fmt.Errorf("internal error")
		}
	}()
	return fn(ctx, params)
}

// reply answers a request. Requests without an id are notifications.
func (b *Bridge) reply(id json.RawMessage, result any, err error) {
	if len(id) == 0 {
		return
	}
	resp := response{ID: id, Result: result}
	if err != nil {
		resp.Error = err.Error()
		resp.Result = nil
	} else if result == nil {
		resp.Result = struct{}{}
	}
	b.write(resp)
}

func (b *Bridge) windowEvent(msg inbound) {
	switch msg.Event {
	case EventWindowBlur:
		b.dispatch(func() {
			for _, fn := range b.blurHandlers() {
				fn()
			}
		})
	case EventWindowInput:
		var in monitor.KeyInput
		if err := json.Unmarshal(msg.Params, &in); err != nil {
			b.log.Warn("malformed window:input params", zap.Error(err))
			return
		}
		b.dispatch(func() {
			for _, fn := range b.inputHandlers() {
				fn(in)
			}
		})
	case EventWindowShortcut:
		var p struct {
			Accelerator string `json:"accelerator"`
		}
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			b.log.Warn("malformed window:shortcut params", zap.Error(err))
			return
		}
		b.dispatch(func() {
			b.mu.Lock()
			fn := b.shortcuts[p.Accelerator]
			b.mu.Unlock()
			if fn != nil {
				fn()
			}
		})
	case EventWindowClosed:
		b.closeWindow()
	default:
		b.log.Debug("unknown window event", zap.String("event", msg.Event))
	}
}

func (b *Bridge) closeWindow() {
	if !b.destroyed.CompareAndSwap(false, true) {
		return
	}
	b.log.Info("interview window closed")
	b.dispatch(func() {
		b.mu.Lock()
		fns := append([]func(){}, b.onClosed...)
		b.mu.Unlock()
		for _, fn := range fns {
			fn()
		}
	})
}

func (b *Bridge) blurHandlers() []func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	fns := make([]func(), 0, len(b.blur))
	for _, fn := range b.blur {
		fns = append(fns, fn)
	}
	return fns
}

func (b *Bridge) inputHandlers() []func(monitor.KeyInput) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fns := make([]func(monitor.KeyInput), 0, len(b.input))
	for _, fn := range b.input {
		fns = append(fns, fn)
	}
	return fns
}

// OnBlur implements monitor.Window.
func (b *Bridge) OnBlur(fn func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.blur[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.blur, id)
		b.mu.Unlock()
	}
}

// OnInput implements monitor.Window.
func (b *Bridge) OnInput(fn func(monitor.KeyInput)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.input[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.input, id)
		b.mu.Unlock()
	}
}

// Send implements monitor.Window. Events for a closed window are dropped.
func (b *Bridge) Send(event string, args ...any) {
	if b.destroyed.Load() {
		b.log.Debug("event dropped for closed window", zap.String("event", event))
		return
	}
	b.write(push{Event: event, Args: args})
}

// IsDestroyed implements monitor.Window.
func (b *Bridge) IsDestroyed() bool {
	return b.destroyed.Load()
}

// Register implements monitor.Shortcuts.
func (b *Bridge) Register(accelerator string, fn func()) error {
	b.mu.Lock()
	if _, taken := b.shortcuts[accelerator]; taken {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrShortcutTaken, accelerator)
	}
	b.shortcuts[accelerator] = fn
	b.mu.Unlock()

	b.write(push{Event: EventShortcutRegister, Args: []any{accelerator}})
	return nil
}

// Unregister implements monitor.Shortcuts.
func (b *Bridge) Unregister(accelerator string) {
	b.mu.Lock()
	_, held := b.shortcuts[accelerator]
	delete(b.shortcuts, accelerator)
	b.mu.Unlock()

	if held {
		b.write(push{Event: EventShortcutUnregister, Args: []any{accelerator}})
	}
}

// Quit asks the UI shell to exit the application.
func (b *Bridge) Quit() {
	b.write(push{Event: EventAppQuit})
}

func (b *Bridge) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		b.log.Error("bridge message not encodable", zap.Error(err))
		return
	}
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if _, err := b.out.Write(append(data, '\n')); err != nil {
		b.log.Warn("bridge write failed", zap.Error(err))
	}
}

// Decode unmarshals request params. Empty params decode to the zero value.
func Decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 || string(params) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, fmt.Errorf("invalid params: %w", err)
	}
	return v, nil
}
