package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/mqttcapture/internal/server"
	"github.com/audiolibrelab/mqttcapture/internal/service"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Stay connected and control recording over HTTP",
	Long: `Start the mqttcapture web server. The broker connection is kept up (and
re-established when lost) while sessions are started and stopped over HTTP:

  POST /start   start a session (form field "filename" overrides the template)
  POST /stop    stop the session and finalize the files
  GET  /status  recorder and connection status
  GET  /config  resolved configuration
  GET  /metrics Prometheus metrics
  GET  /events  lifecycle events over a websocket`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
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

		// the HTTP surface is up while the broker is still unreachable
		go func() {
			if err := svc.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Broker connection failed", "error", err)
			}
		}()

		srv := server.New(svc, cfg.HTTP.Address)
		slog.Info("mqttcapture web server starting", "address", cfg.HTTP.Address, "config", cfgFile)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	addBrokerFlags(serveCmd.Flags())
	serveCmd.Flags().StringP("output", "o", "", "output directory (overrides config)")
	serveCmd.Flags().Bool("embedded", false, "run an in-process MQTT broker on --mqtt-ip:--mqtt-port")
	serveCmd.Flags().String("http-addr", ":8080", "address for the web server")
}
