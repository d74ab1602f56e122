package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ppiankov/proctorguard/internal/affinity"
	"github.com/ppiankov/proctorguard/internal/denylist"
	"github.com/ppiankov/proctorguard/internal/procscan"
	"github.com/ppiankov/proctorguard/internal/scanner"
)

var (
	scanDenylist string
	scanWatch    bool
)

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringVar(&scanDenylist, "denylist", "", "Path to deny-list YAML (overrides config)")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Re-scan whenever the deny-list file changes")
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run the pre-launch environment scan",
	Long:  "Checks running processes against the deny-list and probes for windows\nhidden from screen capture. Prints the verdict as JSON and exits 1 when\nthe environment would be refused.",
	RunE:  runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	path := cfg.DenylistPath
	if scanDenylist != "" {
		path = scanDenylist
	}
	dl, err := denylist.Load(path)
	if err != nil {
		return err
	}

	procs := procscan.NewCommandProvider()
	probe := &affinity.Probe{ScriptPath: cfg.AffinityScript, Timeout: cfg.AffinityTimeout, Log: log.Named("affinity")}
	newScanner := func(dl *denylist.Denylist) *scanner.Scanner {
		return scanner.New(procs, dl, probe, log.Named("scanner"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	verdict := newScanner(dl).Scan(ctx)
	if err := printVerdict(out, verdict); err != nil {
		return err
	}

	if !scanWatch {
		if !verdict.Passed {
			return &exitError{code: 1}
		}
		return nil
	}

	if path == "" {
		path = denylist.DefaultPath()
	}
	reloader, err := denylist.NewReloader(path, func(dl *denylist.Denylist) {
		if err := printVerdict(out, newScanner(dl).Scan(ctx)); err != nil {
			log.Warn("verdict not written", zap.Error(err))
		}
	}, log.Named("denylist"))
	if err != nil {
		return err
	}
	log.Info("watching deny-list for changes", zap.String("path", path))
	return reloader.Run(ctx)
}

func printVerdict(w io.Writer, v scanner.Verdict) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
