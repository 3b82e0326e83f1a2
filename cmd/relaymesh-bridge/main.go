package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/relaymesh/relaymesh/internal/bridge"
)

var version = "dev"

var (
	flagConfig   string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "relaymesh-bridge",
	Short: "Bridge relay daemons across projects",
	Long: `relaymesh-bridge connects to several project relay daemons at once and
fans messages between them. Project connections reconnect independently;
the config file is watched and reloaded live.`,
	SilenceUsage: true,
	RunE:         runBridge,
}

func init() {
	rootCmd.Flags().StringVarP(&flagConfig, "config", "c", "bridge.yaml", "bridge config file")
	rootCmd.Flags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("relaymesh-bridge", version)
		},
	})
}

func runBridge(cmd *cobra.Command, args []string) error {
	var level slog.Level
	switch strings.ToLower(flagLogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := bridge.LoadConfig(flagConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := bridge.NewClient(cfg, logger)

	stopWatch, err := bridge.WatchConfig(flagConfig,
		func(next *bridge.Config) {
			logger.Info("config reloaded", "projects", len(next.Projects))
			client.Reload(ctx, next)
		},
		func(err error) {
			logger.Warn("config reload failed", "error", err)
		})
	if err != nil {
		return err
	}
	defer stopWatch()

	go func() {
		for in := range client.Inbound() {
			logger.Info("message",
				"project", in.ProjectID,
				"from", in.From,
				"id", in.MessageID,
				"body", in.Payload.Body)
		}
	}()

	client.Run(ctx)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
