// Package config loads swotrace's connection and channel defaults from a
// viper-backed YAML file plus environment overrides, following the
// config-loading idiom of _examples/firestige-Otus's internal/config
// package: a root wrapper struct, mapstructure tags, SetDefault calls,
// and an env key replacer.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"

	"swotrace/internal/chanreg"
)

// ChannelConfig configures one ITM stimulus channel at startup.
type ChannelConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Name    string `mapstructure:"name"`
}

// Config is the top-level swotrace configuration, matching the
// `swotrace:` root key in YAML.
type Config struct {
	Host         string          `mapstructure:"host"` // empty selects USB
	Port         uint16          `mapstructure:"port"`
	DataWordSize int             `mapstructure:"data_word_size"` // 0 = auto-grow
	LogLevel     string          `mapstructure:"log_level"`
	Channels     []ChannelConfig `mapstructure:"channels"`
}

type configRoot struct {
	Swotrace Config `mapstructure:"swotrace"`
}

// Load reads path (if it exists) and environment overrides
// (SWOTRACE_HOST, SWOTRACE_PORT, ...) into a Config, applying defaults
// for any unset field.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg := root.Swotrace

	if len(cfg.Channels) > chanreg.NumChannels {
		return nil, fmt.Errorf("config declares %d channels, at most %d supported", len(cfg.Channels), chanreg.NumChannels)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("swotrace.host", "")
	v.SetDefault("swotrace.port", 2332)
	v.SetDefault("swotrace.data_word_size", 0)
	v.SetDefault("swotrace.log_level", "info")
}

// ApplyChannels writes cfg's per-channel enable/name settings into
// registry, leaving any channel not mentioned in cfg untouched.
func ApplyChannels(cfg *Config, registry *chanreg.Registry) {
	for i, ch := range cfg.Channels {
		if i >= chanreg.NumChannels {
			break
		}
		var name *string
		if ch.Name != "" {
			name = &ch.Name
		}
		registry.Set(i, ch.Enabled, name, chanreg.Color{})
	}
}
