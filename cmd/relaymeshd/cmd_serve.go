package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relaymesh/internal/daemon"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay daemon",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := daemon.LoadConfig(flagConfig)
	if err != nil {
		return err
	}
	d, err := daemon.New(cfg, slog.Default())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}
