package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/audiolibrelab/mqttcapture/internal/audio"
	"github.com/audiolibrelab/mqttcapture/internal/broker"
	"github.com/audiolibrelab/mqttcapture/internal/config"
	"github.com/audiolibrelab/mqttcapture/internal/routing"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	cfg          *config.Config
	cfgFile      string
	profile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "mqttcapture",
	Short: "Record multichannel audio published over MQTT",
	Long: `mqttcapture subscribes to an MQTT topic carrying multichannel audio frames
and writes each channel to its own WAV file.

Without a subcommand it records one session, like 'mqttcapture record'.`,
	Args: cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(verboseLevel)

		if cfgFile == "" {
			cfgFile = config.DefaultPath()
		}

		var err error
		cfg, err = config.LoadWithProfile(cfgFile, profile, cmd.Flags())
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		slog.Debug("Configuration loaded", "file", cfgFile, "profile", cfg.Profile)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return recordCmd.RunE(cmd, args)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/mqttcapture.yaml)")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_profile from file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=broker client errors, 3=broker client tracing")

	addSessionFlags(rootCmd.Flags())

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(infoCmd)
}

// addBrokerFlags registers the flags that select the broker and topic
func addBrokerFlags(fs *pflag.FlagSet) {
	fs.String("topic", routing.DefaultTopic, "MQTT topic carrying audio frames")
	fs.String("mqtt-ip", "localhost", "MQTT broker host")
	fs.Int("mqtt-port", broker.DefaultPort, "MQTT broker port")
	fs.IntP("num-channels", "n", 4, "number of audio channels per frame")
	fs.String("payload", audio.CodecRaw, "payload format: raw or iu-json")
	fs.String("layout", string(audio.LayoutBlock), "raw payload layout: block or interleaved")
}

// addSessionFlags registers the flags of a recording session.
// Only flags set on the command line override the config file.
func addSessionFlags(fs *pflag.FlagSet) {
	addBrokerFlags(fs)
	fs.StringP("filename", "f", "audio_dump-{channel}.wav", "per-channel file name template ({channel} or {} is replaced by the index)")
	fs.StringP("output", "o", "", "output directory (overrides config)")
	fs.DurationP("duration", "d", 10*time.Second, "session duration, 0 records until interrupted")
	fs.Bool("embedded", false, "run an in-process MQTT broker on --mqtt-ip:--mqtt-port")
}

// setupLogging configures slog based on the verbose level
func setupLogging(level int) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	default:
		slogLevel = slog.LevelDebug
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Route the MQTT client's own loggers through slog
	if level >= 2 {
		mqtt.ERROR = slog.NewLogLogger(handler, slog.LevelError)
		mqtt.CRITICAL = slog.NewLogLogger(handler, slog.LevelError)
		mqtt.WARN = slog.NewLogLogger(handler, slog.LevelWarn)
	}
	if level >= 3 {
		mqtt.DEBUG = slog.NewLogLogger(handler, slog.LevelDebug)
	}
}
