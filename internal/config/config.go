// Package config loads runtime configuration for the canonmap CLI from
// flags, environment variables, .env files, and an optional YAML config
// file, in that order of precedence.
package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/agentstation/canonmap/pkg/errors"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config holds the resolved CLI configuration.
type Config struct {
	// Store selection
	StoreDriver string
	StoreDSN    string

	// DescriptorFile is the YAML file declaring entity descriptors.
	DescriptorFile string

	// Logging
	LogLevel  string
	LogFormat string
	Verbose   bool

	// ConfigFile is the config file actually used, if any.
	ConfigFile string
}

// Load resolves configuration from all sources. Precedence:
//  1. Command-line flags (bound by cobra)
//  2. Environment variables
//  3. .env files
//  4. Config file (~/.canonmap.yaml or ./.canonmap.yaml)
//  5. Defaults
func Load() (*Config, error) {
	loadEnvFiles()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("CANONMAP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	configFile := viper.GetString("config")
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".canonmap")
	}
	_ = viper.ReadInConfig()

	cfg := &Config{
		StoreDriver:    viper.GetString("store_driver"),
		StoreDSN:       viper.GetString("store_dsn"),
		DescriptorFile: viper.GetString("descriptors"),
		LogLevel:       getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:      getEnvOrDefault("LOG_FORMAT", "auto"),
		Verbose:        viper.GetBool("verbose"),
		ConfigFile:     viper.ConfigFileUsed(),
	}

	if cfg.StoreDriver == "" {
		cfg.StoreDriver = DriverMemory
	}
	return cfg, cfg.Validate()
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.StoreDSN == "" {
			return errors.NewConfigError("config", "sqlite store requires store_dsn", nil)
		}
	default:
		return errors.NewConfigError("config",
			"unknown store driver "+c.StoreDriver, nil)
	}
	return nil
}

// loadEnvFiles loads .env files; .env.local overrides .env.
func loadEnvFiles() {
	for _, envFile := range []string{".env", ".env.local"} {
		_ = godotenv.Load(envFile)
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
