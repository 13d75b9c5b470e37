// Package config provides a reusable loader for Dscuss node settings.
//
// A node keeps an optional `config` file in its data directory. The file is
// YAML; unknown keys are ignored so that older nodes can read configs written
// by newer ones.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"dscuss-network/pkg/utils"
)

// ConfigFileName is the name of the settings file inside the data directory.
const ConfigFileName = "config"

const (
	// DefaultPort is the TCP port the node listens on when the config file
	// is absent or does not set network.port.
	DefaultPort = 8004

	// DefaultConnectPeriod is how often, in seconds, the dialer retries
	// outgoing connections.
	DefaultConnectPeriod = 1
)

// Config mirrors the structure of the `config` file in the data directory.
type Config struct {
	Network struct {
		Port           int `mapstructure:"port" yaml:"port"`
		ConnectTimeout int `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	} `mapstructure:"network" yaml:"network"`

	Logging struct {
		Level string `mapstructure:"level" yaml:"level"`
	} `mapstructure:"logging" yaml:"logging"`
}

// Load reads the settings file from dataDir. A missing file yields the
// defaults; a present but malformed file is an error (startup must fail).
// The DSCUSS_PORT and DSCUSS_CONNECT_TIMEOUT environment variables override
// the file (they are also picked up from a .env loaded by the CLI).
func Load(dataDir string) (*Config, error) {
	cfg := &Config{}
	cfg.Network.Port = DefaultPort
	cfg.Network.ConnectTimeout = DefaultConnectPeriod
	cfg.Logging.Level = "info"

	path := filepath.Join(dataDir, ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		v := viper.New()
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, utils.Wrap(err, "read config")
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, utils.Wrap(err, "parse config")
		}
	}

	cfg.Network.Port = utils.EnvOrDefaultInt("DSCUSS_PORT", cfg.Network.Port)
	cfg.Network.ConnectTimeout = utils.EnvOrDefaultInt("DSCUSS_CONNECT_TIMEOUT",
		cfg.Network.ConnectTimeout)

	if cfg.Network.Port < 1 || cfg.Network.Port > 65535 {
		return nil, fmt.Errorf("network.port out of range: %d", cfg.Network.Port)
	}
	if cfg.Network.ConnectTimeout < 1 {
		return nil, fmt.Errorf("network.connect_timeout must be positive: %d",
			cfg.Network.ConnectTimeout)
	}

	return cfg, nil
}

// WriteDefault creates a settings file with the default values in dataDir.
// Existing files are left untouched.
func WriteDefault(dataDir string) error {
	path := filepath.Join(dataDir, ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	cfg := &Config{}
	cfg.Network.Port = DefaultPort
	cfg.Network.ConnectTimeout = DefaultConnectPeriod
	cfg.Logging.Level = "info"

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return utils.Wrap(err, "marshal default config")
	}
	content := append([]byte("# Dscuss node settings.\n"), out...)
	return os.WriteFile(path, content, 0o644)
}
