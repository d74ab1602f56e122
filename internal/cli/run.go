package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/proctorguard/internal/affinity"
	"github.com/ppiankov/proctorguard/internal/alert"
	"github.com/ppiankov/proctorguard/internal/audit"
	"github.com/ppiankov/proctorguard/internal/backend"
	"github.com/ppiankov/proctorguard/internal/bridge"
	"github.com/ppiankov/proctorguard/internal/clipboard"
	"github.com/ppiankov/proctorguard/internal/config"
	"github.com/ppiankov/proctorguard/internal/denylist"
	"github.com/ppiankov/proctorguard/internal/eventloop"
	"github.com/ppiankov/proctorguard/internal/integrity"
	"github.com/ppiankov/proctorguard/internal/lifecycle"
	"github.com/ppiankov/proctorguard/internal/monitor"
	"github.com/ppiankov/proctorguard/internal/processlog"
	"github.com/ppiankov/proctorguard/internal/procscan"
	"github.com/ppiankov/proctorguard/internal/realtime"
	"github.com/ppiankov/proctorguard/internal/scanner"
)

// exitTampered is the exit code when the binary fails its integrity check.
const exitTampered = 78

// shutdownTimeout bounds the wait for the session to quit after the UI
// shell has gone away.
const shutdownTimeout = 5 * time.Second

var runServerURL string

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runServerURL, "server", "", "Override the session backend URL")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the candidate client behind the UI shell",
	Long:  "Speaks newline-delimited JSON with the UI shell on stdin/stdout.\nThe shell forwards window events and calls methods; the client pushes\nsession events back. Logs go to stderr.",
	RunE:  runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if runServerURL != "" {
		cfg.ServerURL = runServerURL
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	if err := verifyBinary(cfg, log); err != nil {
		if errors.Is(err, integrity.ErrTampered) {
			return &exitError{code: exitTampered, err: err}
		}
		return err
	}

	var journal *audit.Journal
	if cfg.AuditLogPath != "" {
		journal, err = audit.Open(cfg.AuditLogPath)
		if err != nil {
			return fmt.Errorf("failed to open session journal: %w", err)
		}
		defer journal.Close()
	}

	dl, err := denylist.Load(cfg.DenylistPath)
	if err != nil {
		return err
	}

	c := newClient(cfg, clientIO{
		in:       os.Stdin,
		out:      os.Stdout,
		procs:    procscan.NewCommandProvider(),
		denylist: dl,
		journal:  journal,
	}, log)
	return c.run(cmd.Context())
}

// verifyBinary refuses to start a session from a modified client. A
// mismatch is reported to every alert webhook subscribed to binary_tamper
// or terminal before returning.
func verifyBinary(cfg *config.Config, log *zap.Logger) error {
	checker := &integrity.Checker{Log: log.Named("integrity")}
	if d := alert.NewDispatcher(cfg.Alerts, log.Named("alert")); d != nil {
		checker.OnTamper = func(e integrity.TamperEvent) {
			d.DispatchWait(alert.AlertEvent{
				Timestamp: e.Timestamp,
				Kind:      integrity.TamperKind,
				Type:      "Binary Tamper",
				Message:   fmt.Sprintf("%s on %s: expected %s, got %s", e.Binary, e.Hostname, e.ExpectedHash, e.ActualHash),
				Terminal:  true,
			})
		}
	}
	return checker.Verify()
}

// clientIO is what the client takes from its host process.
type clientIO struct {
	in       io.Reader
	out      io.Writer
	procs    procscan.Provider
	denylist *denylist.Denylist
	journal  *audit.Journal
}

// client is the wired candidate application.
type client struct {
	cfg     *config.Config
	log     *zap.Logger
	loop    *eventloop.Loop
	bridge  *bridge.Bridge
	session *lifecycle.Controller

	quitCtx context.Context
	quit    context.CancelFunc
}

func newClient(cfg *config.Config, host clientIO, log *zap.Logger) *client {
	c := &client{cfg: cfg, log: log, loop: eventloop.New(log.Named("loop"))}
	c.quitCtx, c.quit = context.WithCancel(context.Background())
	post := func(fn func()) { c.loop.Post(fn) }

	c.bridge = bridge.New(host.in, host.out, bridge.Options{Dispatch: post, Log: log.Named("bridge")})

	api := backend.New(cfg.ServerURL, cfg.RequestTimeout, log.Named("backend"))
	procs := host.procs
	probe := &affinity.Probe{
		ScriptPath: cfg.AffinityScript,
		Timeout:    cfg.AffinityTimeout,
		Log:        log.Named("affinity"),
	}

	deps := lifecycle.Deps{
		Loop:       c.loop,
		Window:     c.bridge,
		Shortcuts:  c.bridge,
		Clipboard:  clipboard.New(),
		Verifier:   api,
		Dial:       c.dial,
		Reporter:   processlog.New(procs, api, c.loop, cfg.ProcessLogPeriod, log.Named("processlog")),
		Terminator: c,
		Log:        log.Named("session"),
	}
	if host.journal != nil {
		deps.Journal = host.journal
	}
	if d := alert.NewDispatcher(cfg.Alerts, log.Named("alert")); d != nil {
		deps.Sinks = append(deps.Sinks, d)
	}

	c.session = lifecycle.New(monitor.Config{
		Threshold:       cfg.ViolationThreshold,
		ClipboardPeriod: cfg.ClipboardClearPeriod,
		GraceDelay:      cfg.GraceDelay,
	}, deps)

	svc := &services{
		scanner: scanner.New(procs, host.denylist, probe, log.Named("scanner")),
		api:     api,
		session: c.session,
	}
	svc.register(c.bridge)
	c.bridge.OnClosed(c.session.WindowClosed)
	return c
}

func (c *client) dial(roomCode string) (lifecycle.Channel, error) {
	conn, err := realtime.Connect(c.quitCtx, realtime.Options{
		URL:                  c.cfg.ServerURL,
		Path:                 c.cfg.SocketPath,
		RoomID:               roomCode,
		Dispatch:             func(fn func()) { c.loop.Post(fn) },
		MaxReconnectAttempts: c.cfg.MaxReconnectAttempts,
		ReconnectDelay:       c.cfg.ReconnectDelay,
		Log:                  c.log.Named("realtime"),
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Quit implements lifecycle.Terminator: the shell is told to exit and the
// client stops.
func (c *client) Quit() {
	c.bridge.Quit()
	c.quit()
}

func (c *client) run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()
	go c.loop.Run(loopCtx)

	go func() {
		select {
		case <-sigCtx.Done():
			c.log.Info("shutdown requested, closing session")
			c.session.WindowClosed()
		case <-c.quitCtx.Done():
		}
	}()

	c.log.Info("candidate client started", zap.String("server", c.cfg.ServerURL))
	serveErr := c.bridge.Serve(c.quitCtx)

	select {
	case <-c.quitCtx.Done():
	case <-time.After(shutdownTimeout):
		c.log.Warn("session did not quit in time, forcing exit")
		c.quit()
	}
	stopLoop()
	<-c.loop.Done()
	c.log.Info("candidate client stopped")
	return serveErr
}
