package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/mqttcapture/internal/service"

	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record one session from the broker",
	Long: `Connect to the broker, record every channel of the audio topic to its own
WAV file for --duration, then finalize the files and exit.

A duration of 0 records until Ctrl+C. Interrupting a timed session stops it
early; the files are always finalized.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		slog.Info("Record command started",
			"broker", cfg.Broker.Host,
			"port", cfg.Broker.Port,
			"topic", cfg.Broker.Topic,
			"channels", cfg.Session.Channels)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := service.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer func() {
			if err := svc.Close(); err != nil {
				slog.Error("Shutdown failed", "error", err)
			}
		}()

		slog.Info("Connecting to broker - Press Ctrl+C to abort")
		if err := svc.Connect(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				slog.Info("Interrupted before the broker connection was up")
				return nil
			}
			return fmt.Errorf("failed to connect: %w", err)
		}

		if err := svc.RecordFor(ctx, cfg.Output.FilenameTemplate, cfg.Session.Duration); err != nil {
			return fmt.Errorf("recording failed: %w", err)
		}

		slog.Info("Recording finished", "directory", cfg.Output.Directory)
		return nil
	},
}

func init() {
	addSessionFlags(recordCmd.Flags())
}
