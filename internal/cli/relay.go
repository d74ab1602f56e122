package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/proctorguard/internal/relay"
)

var relayAddr string

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.Flags().StringVar(&relayAddr, "addr", ":3000", "Listen address")
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Serve a local room relay",
	Long:  "Runs a websocket relay at /api/socket that joins clients into rooms and\nforwards security alerts, chat, questions and quiz events between them.\nMeant for local runs without the session backend.",
	RunE:  runRelay,
}

func runRelay(cmd *cobra.Command, args []string) error {
	_, log, err := loadRuntime()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return relay.New(log.Named("relay")).ListenAndServe(ctx, relayAddr)
}
