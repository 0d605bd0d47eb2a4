package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/unimcp/unimcp/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/unimcp"
	configFileName = "config.yaml"
)

// GetDefaultConfigPathOrPanic returns the per-user configuration directory.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}
	return filepath.Join(homeDir, userConfigDir)
}

// GetDefaultConfig returns the built-in defaults applied before the config
// file is merged on top.
func GetDefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:                  "localhost",
			Port:                  3050,
			TrustClientSessionIds: true,
			ToolPattern:           "{server}_1mcp_{tool}",
		},
		SchemaCache: SchemaCacheConfig{
			MaxEntries: 500,
			TTLMs:      5 * 60 * 1000,
		},
		Upstreams: map[string]*UpstreamConfig{},
		LogLevel:  "info",
	}
}

// LoadConfig loads configuration from the given directory. A missing
// config.yaml yields the defaults; a malformed one is an error.
func LoadConfig(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	return LoadConfigFile(configFilePath)
}

// LoadConfigFile loads configuration from an explicit file path.
func LoadConfigFile(configFilePath string) (Config, error) {
	config := GetDefaultConfig()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config file found at %s, using defaults", configFilePath)
			return config, nil
		}
		return Config{}, err
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}

	// Upstream names live in the map keys; copy them onto the records so
	// the rest of the system never needs the map to identify an upstream.
	for name, u := range config.Upstreams {
		if u == nil {
			u = &UpstreamConfig{}
			config.Upstreams[name] = u
		}
		u.Name = name
	}

	if config.Server.ToolPattern == "" {
		config.Server.ToolPattern = "{server}_1mcp_{tool}"
	}

	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config in %s: %w", configFilePath, err)
	}

	logging.Info("ConfigLoader", "Loaded configuration from %s (%d upstreams)", configFilePath, len(config.Upstreams))
	return config, nil
}
