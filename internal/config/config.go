package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. MQTTCAPTURE_BROKER_HOST
const EnvPrefix = "MQTTCAPTURE"

// Value sources reported in Config.Sources
const (
	SourceDefault = "default"
	SourceFile    = "file"
	SourceProfile = "profile"
	SourceEnv     = "env"
	SourceFlag    = "flag"
)

type RootConfig struct {
	ActiveProfile string             `mapstructure:"active_profile" yaml:"active_profile,omitempty"`
	Config        `mapstructure:",squash" yaml:",inline"`
	Profiles      map[string]*Config `mapstructure:"profiles" yaml:"profiles,omitempty"`
}

type Config struct {
	Broker  BrokerConfig  `mapstructure:"broker" yaml:"broker"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Payload PayloadConfig `mapstructure:"payload" yaml:"payload"`
	Output  OutputConfig  `mapstructure:"output" yaml:"output"`
	HTTP    HTTPConfig    `mapstructure:"http" yaml:"http"`

	// Profile is the profile that was applied, empty for none
	Profile string `mapstructure:"-" yaml:"-"`
	// Sources records where each setting came from, for the info command
	Sources map[string]string `mapstructure:"-" yaml:"-"`
}

type BrokerConfig struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	KeepAlive      time.Duration `mapstructure:"keepalive" yaml:"keepalive"`
	ClientID       string        `mapstructure:"client_id" yaml:"client_id"`
	Topic          string        `mapstructure:"topic" yaml:"topic"`
	QoS            int           `mapstructure:"qos" yaml:"qos"`
	RetryDelay     time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	Embedded       bool          `mapstructure:"embedded" yaml:"embedded"`
}

type SessionConfig struct {
	Channels    int           `mapstructure:"channels" yaml:"channels"`
	SampleRate  int           `mapstructure:"sample_rate" yaml:"sample_rate"`
	SampleWidth int           `mapstructure:"sample_width" yaml:"sample_width"`
	Duration    time.Duration `mapstructure:"duration" yaml:"duration"`
	QueueSize   int           `mapstructure:"queue_size" yaml:"queue_size"`
}

type PayloadConfig struct {
	Format string `mapstructure:"format" yaml:"format"` // "raw" or "iu-json"
	Layout string `mapstructure:"layout" yaml:"layout"` // "block" or "interleaved", raw only
}

type OutputConfig struct {
	Directory        string `mapstructure:"directory" yaml:"directory"`
	FilenameTemplate string `mapstructure:"filename_template" yaml:"filename_template"`
}

type HTTPConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

// DefaultPath returns $HOME/.config/mqttcapture.yaml
func DefaultPath() string {
	return os.ExpandEnv("$HOME/.config/mqttcapture.yaml")
}

var defaults = map[string]any{
	"broker.host":              "localhost",
	"broker.port":              1883,
	"broker.keepalive":         "60s",
	"broker.client_id":         "",
	"broker.topic":             "/audio",
	"broker.qos":               0,
	"broker.retry_delay":       "5s",
	"broker.connect_timeout":   "10s",
	"broker.embedded":          false,
	"session.channels":         4,
	"session.sample_rate":      16000,
	"session.sample_width":     2,
	"session.duration":         "10s",
	"session.queue_size":       1024,
	"payload.format":           "raw",
	"payload.layout":           "block",
	"output.directory":         "",
	"output.filename_template": "audio_dump-{channel}.wav",
	"http.address":             ":8080",
}

// FlagKeys maps command-line flag names to the settings they override
var FlagKeys = map[string]string{
	"topic":        "broker.topic",
	"mqtt-ip":      "broker.host",
	"mqtt-port":    "broker.port",
	"num-channels": "session.channels",
	"duration":     "session.duration",
	"filename":     "output.filename_template",
	"output":       "output.directory",
	"payload":      "payload.format",
	"layout":       "payload.layout",
	"embedded":     "broker.embedded",
	"http-addr":    "http.address",
}

// LoadWithProfile resolves the configuration. Precedence, lowest first:
// defaults, config file, the selected profile, MQTTCAPTURE_* env vars, changed flags.
// A missing config file is not an error; an unreadable one is.
func LoadWithProfile(configFile, profile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			v.SetConfigFile(configFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
		}
	}

	profileName := profile
	if profileName == "" {
		profileName = v.GetString("active_profile")
	}

	var profileKeys []string
	if profileName != "" {
		sub := v.Sub("profiles." + profileName)
		if sub == nil {
			return nil, fmt.Errorf("configuration profile '%s' not found", profileName)
		}
		profileKeys = sub.AllKeys()
		if err := v.MergeConfigMap(sub.AllSettings()); err != nil {
			return nil, fmt.Errorf("error applying profile '%s': %w", profileName, err)
		}
	}

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("error binding flag --%s: %w", name, err)
				}
			}
		}
	}

	var root RootConfig
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg := root.Config
	cfg.Profile = profileName
	cfg.Output.Directory = expandPath(cfg.Output.Directory)
	cfg.Sources = resolveSources(v, profileKeys, flags)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func resolveSources(v *viper.Viper, profileKeys []string, flags *pflag.FlagSet) map[string]string {
	fromProfile := make(map[string]bool, len(profileKeys))
	for _, k := range profileKeys {
		fromProfile[k] = true
	}
	flagFor := make(map[string]string, len(FlagKeys))
	for name, key := range FlagKeys {
		flagFor[key] = name
	}

	sources := make(map[string]string, len(defaults))
	for key := range defaults {
		envName := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_, inEnv := os.LookupEnv(envName)

		switch {
		case flags != nil && flagFor[key] != "" && flags.Changed(flagFor[key]):
			sources[key] = SourceFlag
		case inEnv:
			sources[key] = SourceEnv
		case fromProfile[key]:
			sources[key] = SourceProfile
		case v.InConfig(key):
			sources[key] = SourceFile
		default:
			sources[key] = SourceDefault
		}
	}
	return sources
}

// Keys returns every setting name in sorted order
func Keys() []string {
	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
