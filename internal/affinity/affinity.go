// Package affinity detects windows that exclude themselves from screen
// capture, the flag remote-desktop and recording overlays use to hide.
package affinity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ppiankov/proctorguard/internal/procscan"
)

// DefaultTimeout bounds a single helper run.
const DefaultTimeout = 5 * time.Second

// Probe runs the PowerShell helper that inspects window display affinity.
// Only Windows exposes the flag, so other platforms always report false.
type Probe struct {
	GOOS       string          // defaults to runtime.GOOS
	ScriptPath string          // defaults to DefaultScriptPath()
	Timeout    time.Duration   // defaults to DefaultTimeout
	Run        procscan.Runner // defaults to procscan.ExecRunner
	Log        *zap.Logger
}

// DefaultScriptPath is scripts/check_affinity.ps1 next to the executable.
func DefaultScriptPath() string {
	exe, err := os.Executable()
	if err != nil {
		return filepath.Join("scripts", "check_affinity.ps1")
	}
	return filepath.Join(filepath.Dir(exe), "scripts", "check_affinity.ps1")
}

// Detect reports whether a capture-excluded window is present. Any failure
// of the helper (timeout, crash, missing script, garbage output) is logged
// and reported as not detected.
func (p *Probe) Detect(ctx context.Context) bool {
	if p.goos() != "windows" {
		return false
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	detected, err := p.check(ctx)
	if err != nil {
		log.Error("display affinity probe failed; assuming no protected window", zap.Error(err))
		return false
	}
	log.Info("display affinity scan finished", zap.Bool("detected", detected))
	return detected
}

func (p *Probe) check(ctx context.Context) (bool, error) {
	script := p.ScriptPath
	if script == "" {
		script = DefaultScriptPath()
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	run := p.Run
	if run == nil {
		run = procscan.ExecRunner
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := run(ctx, "powershell.exe", "-NoProfile", "-ExecutionPolicy", "Bypass", "-File", script)
		done <- result{out, err}
	}()

	// The helper may ignore cancellation (or leave a grandchild holding its
	// stdout), so the deadline is enforced here as well.
	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = ctx.Err()
	}

	if r.err != nil {
		if errors.Is(r.err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, fmt.Errorf("helper timed out after %s: %w", timeout, context.DeadlineExceeded)
		}
		return false, fmt.Errorf("run helper %s: %w", script, r.err)
	}

	switch strings.ToLower(strings.TrimSpace(string(r.out))) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected helper output %q", strings.TrimSpace(string(r.out)))
	}
}

func (p *Probe) goos() string {
	if p.GOOS == "" {
		return runtime.GOOS
	}
	return p.GOOS
}
