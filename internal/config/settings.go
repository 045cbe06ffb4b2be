package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/opencras/crasd/internal/apperr"
)

// Settings holds the daemon-wide configuration spec.md §6's "System
// state" collaborator exposes as scalar accessors: sample rate, device
// selection, the offload map string, and feature flags. Loaded from a
// config file plus environment overrides via viper, the same way the
// teacher's cmd/root.go binds cobra flags through a shared viper
// instance.
type Settings struct {
	SampleRate int    `mapstructure:"sample_rate"`
	Device     string `mapstructure:"device"`
	GraphFile  string `mapstructure:"graph_file"`

	OffloadMap     string `mapstructure:"offload_map"`
	OffloadFeature bool   `mapstructure:"offload_feature_enabled"`

	Debug bool `mapstructure:"debug"`
}

// DefaultSettings returns the at-rest configuration used when no config
// file is present: 48kHz, no offload, debug off.
func DefaultSettings() Settings {
	return Settings{
		SampleRate: 48000,
		Device:     "default",
		GraphFile:  "graph.ini",
	}
}

// LoadSettings reads configPath (if non-empty) plus CRASD_-prefixed
// environment variables into a Settings, starting from DefaultSettings.
func LoadSettings(configPath string) (Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("crasd")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	settings := DefaultSettings()
	v.SetDefault("sample_rate", settings.SampleRate)
	v.SetDefault("device", settings.Device)
	v.SetDefault("graph_file", settings.GraphFile)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, apperr.New(err).Component("config").Category(apperr.CategoryConfiguration).
				Context("path", configPath).Build()
		}
	}

	if err := v.Unmarshal(&settings); err != nil {
		return Settings{}, apperr.New(err).Component("config").Category(apperr.CategoryConfiguration).Build()
	}
	return settings, nil
}
