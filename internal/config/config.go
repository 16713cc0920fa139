// Package config loads kestrel's runtime configuration from KESTREL_-
// prefixed environment variables and an optional config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable prefix recognized throughout.
const EnvPrefix = "KESTREL"

// BrandDir is the per-user data directory name under ${HOME}.
const BrandDir = ".kestrel"

// Config holds every setting the supervisor, snapshot store, and logger
// need at startup.
type Config struct {
	DataDir            string        `mapstructure:"dataDir"`
	ImportFile         string        `mapstructure:"importFile"`
	ExportFile         string        `mapstructure:"exportFile"`
	AutoExportInterval int           `mapstructure:"autoExportInterval"` // seconds; 0 disables
	RingBufferCapacity int           `mapstructure:"ringBufferCapacity"`
	DefaultGraceMS     int           `mapstructure:"defaultGraceMs"`
	Spawner            string        `mapstructure:"spawner"`        // "os" or "container"
	ContainerImage     string        `mapstructure:"containerImage"` // image for the container spawner
	Logging            LoggingConfig `mapstructure:"logging"`
}

// LoggingConfig mirrors logging.Config's mapstructure shape so both can be
// populated from the same viper instance.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Load reads configuration from KESTREL_* environment variables, an
// optional config.yaml, and defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("importFile", "KESTREL_IMPORT_FILE")
	_ = v.BindEnv("exportFile", "KESTREL_EXPORT_FILE")
	_ = v.BindEnv("autoExportInterval", "KESTREL_AUTO_EXPORT_INTERVAL")
	_ = v.BindEnv("dataDir", "KESTREL_DATA_DIR", "KESTREL_DB_PATH")
	_ = v.BindEnv("spawner", "KESTREL_SPAWNER")
	_ = v.BindEnv("containerImage", "KESTREL_CONTAINER_IMAGE")
	_ = v.BindEnv("logging.level", "KESTREL_LOG_LEVEL")
	_ = v.BindEnv("logging.format", "KESTREL_LOG_FORMAT")
	_ = v.BindEnv("logging.outputPath", "KESTREL_LOG_OUTPUT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(filepath.Join(homeDir(), BrandDir))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(homeDir(), BrandDir)
	}
	if cfg.ImportFile == "" {
		cfg.ImportFile = filepath.Join(cfg.DataDir, "snapshot.yaml")
	}
	if cfg.ExportFile == "" {
		cfg.ExportFile = filepath.Join(cfg.DataDir, "snapshot.yaml")
	}
	return &cfg, nil
}

// AutoStartFile is the auto-start-only snapshot path.
func (c *Config) AutoStartFile() string {
	return filepath.Join(c.DataDir, "auto_start.yaml")
}

// LogDir is where per-start log files are written when logging to file.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dataDir", "")
	v.SetDefault("importFile", "")
	v.SetDefault("exportFile", "")
	v.SetDefault("autoExportInterval", 60)
	v.SetDefault("ringBufferCapacity", 1000)
	v.SetDefault("defaultGraceMs", 5000)
	v.SetDefault("spawner", "os")
	v.SetDefault("containerImage", "alpine:3.20")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "stdout")
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return h
	}
	return "."
}
