package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/mqttcapture/internal/audio"
	"github.com/audiolibrelab/mqttcapture/internal/broker"
	"github.com/audiolibrelab/mqttcapture/internal/stream"
	"github.com/spf13/cobra"
)

var streamCmd = &cobra.Command{
	Use:   "stream <file.wav>",
	Short: "Publish a multichannel WAV file as audio frames",
	Long: `Decode a 16-bit multichannel WAV file and publish it to the audio topic,
one frame per --chunk of audio, in the configured payload format. The file's
channel count must match --num-channels.

Useful for feeding a recorder without live hardware.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chunk, _ := cmd.Flags().GetDuration("chunk")
		fast, _ := cmd.Flags().GetBool("fast")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		layout, err := audio.ParseLayout(cfg.Payload.Layout)
		if err != nil {
			return err
		}
		codec, err := audio.NewCodec(cfg.Payload.Format, cfg.Session.Channels, cfg.Session.Format(), layout)
		if err != nil {
			return err
		}

		mgr := broker.NewManager(broker.Options{
			Host:           cfg.Broker.Host,
			Port:           cfg.Broker.Port,
			KeepAlive:      cfg.Broker.KeepAlive,
			QoS:            byte(cfg.Broker.QoS),
			ConnectTimeout: cfg.Broker.ConnectTimeout,
			Retry:          broker.FixedDelay{Delay: cfg.Broker.RetryDelay},
		}, nil)
		defer mgr.Disconnect()

		if err := mgr.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}

		stats, err := stream.File(ctx, args[0], mgr, stream.Options{
			Topic:    cfg.Broker.Topic,
			Codec:    codec,
			Channels: cfg.Session.Channels,
			Chunk:    chunk,
			Realtime: !fast,
		})
		if err != nil {
			return err
		}

		slog.Info("Stream complete", "file", args[0], "frames", stats.Frames, "elapsed", stats.Elapsed)
		return nil
	},
}

func init() {
	addBrokerFlags(streamCmd.Flags())
	streamCmd.Flags().Duration("chunk", stream.DefaultChunk, "audio duration per published frame")
	streamCmd.Flags().Bool("fast", false, "publish as fast as possible instead of in real time")
}
