package cmd

import (
	"fmt"

	"github.com/audiolibrelab/mqttcapture/internal/audio"
	"github.com/audiolibrelab/mqttcapture/internal/broker"
	"github.com/audiolibrelab/mqttcapture/internal/config"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show resolved configuration and output file paths",
	Long: `Display the broker URL, the per-channel output files a session would write and
every resolved setting with where its value came from: default, file, profile,
env or flag.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("=== BROKER ===\n")
		fmt.Printf("url: %s\n", broker.URL(cfg.Broker.Host, cfg.Broker.Port))
		fmt.Printf("topic: %s\n", cfg.Broker.Topic)
		if cfg.Profile != "" {
			fmt.Printf("profile: %s\n", cfg.Profile)
		}

		fmt.Printf("\n=== FILE PATHS ===\n")
		paths := audio.ChannelPaths(cfg.Output.Directory, cfg.Output.FilenameTemplate, cfg.Session.Channels)
		for i, p := range paths {
			fmt.Printf("channel %d: %s\n", i, p)
		}

		fmt.Printf("\n=== RESOLVED CONFIGURATION ===\n")
		settings := settingValues(cfg)
		for _, key := range config.Keys() {
			fmt.Printf("%s: %v %s\n", key, settings[key], getSourceIndicator(cfg.Sources[key]))
		}
		return nil
	},
}

// settingValues flattens cfg into the dotted setting names
func settingValues(c *config.Config) map[string]interface{} {
	return map[string]interface{}{
		"broker.host":              c.Broker.Host,
		"broker.port":              c.Broker.Port,
		"broker.keepalive":         c.Broker.KeepAlive,
		"broker.client_id":         c.Broker.ClientID,
		"broker.topic":             c.Broker.Topic,
		"broker.qos":               c.Broker.QoS,
		"broker.retry_delay":       c.Broker.RetryDelay,
		"broker.connect_timeout":   c.Broker.ConnectTimeout,
		"broker.embedded":          c.Broker.Embedded,
		"session.channels":         c.Session.Channels,
		"session.sample_rate":      c.Session.SampleRate,
		"session.sample_width":     c.Session.SampleWidth,
		"session.duration":         c.Session.Duration,
		"session.queue_size":       c.Session.QueueSize,
		"payload.format":           c.Payload.Format,
		"payload.layout":           c.Payload.Layout,
		"output.directory":         c.Output.Directory,
		"output.filename_template": c.Output.FilenameTemplate,
		"http.address":             c.HTTP.Address,
	}
}

// getSourceIndicator returns a formatted indicator for where a value came from
func getSourceIndicator(source string) string {
	if source == "" {
		return "[unknown]"
	}
	return "[" + source + "]"
}
