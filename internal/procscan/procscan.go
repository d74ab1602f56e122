// Package procscan captures the host's running-process list as raw text.
package procscan

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// Provider returns the current process list as the OS tool prints it.
type Provider interface {
	Snapshot(ctx context.Context) (string, error)
}

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// CommandProvider shells out to tasklist on Windows and ps elsewhere.
type CommandProvider struct {
	GOOS string // defaults to runtime.GOOS
	Run  Runner // defaults to ExecRunner
}

// NewCommandProvider creates a provider for the running OS.
func NewCommandProvider() *CommandProvider {
	return &CommandProvider{GOOS: runtime.GOOS, Run: ExecRunner}
}

// Snapshot runs the platform listing command.
func (p *CommandProvider) Snapshot(ctx context.Context) (string, error) {
	run := p.Run
	if run == nil {
		run = ExecRunner
	}
	name, args := Command(p.goos())

	out, err := run(ctx, name, args...)
	if err != nil {
		return "", fmt.Errorf("list processes with %s: %w", name, err)
	}
	return string(out), nil
}

func (p *CommandProvider) goos() string {
	if p.GOOS == "" {
		return runtime.GOOS
	}
	return p.GOOS
}

// Command returns the listing command for goos.
func Command(goos string) (string, []string) {
	if goos == "windows" {
		return "tasklist", nil
	}
	return "ps", []string{"-ax"}
}

// Static is a Provider that always returns the same snapshot or error.
type Static struct {
	Text string
	Err  error
}

func (s Static) Snapshot(context.Context) (string, error) {
	return s.Text, s.Err
}
