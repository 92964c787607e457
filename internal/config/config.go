// Package config holds the application configuration surface, loaded through
// viper from file, environment, and defaults.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config is the whole application configuration.
type Config struct {
	Logger LoggerConfig `mapstructure:"logger" yaml:"logger"`
	Tuning TuningConfig `mapstructure:"tuning" yaml:"tuning"`
	Audit  AuditConfig  `mapstructure:"audit" yaml:"audit"`
}

// LoggerConfig configures the diagnostics logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// TuningConfig configures the versioned stores.
type TuningConfig struct {
	MinUpdateInterval time.Duration `mapstructure:"min_update_interval" yaml:"min_update_interval"`
	MaxHistorySize    int           `mapstructure:"max_history_size" yaml:"max_history_size"`
}

// AuditConfig configures the append-only update audit trail.
type AuditConfig struct {
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
}

// DefaultAuditLogPath resolves the default audit trail location under the
// user's home directory. Falls back to a relative path when the home
// directory cannot be determined.
func DefaultAuditLogPath() string {
	home, err := homedir.Dir()
	if err != nil {
		return filepath.Join(".kmn-agent", "updates.log")
	}
	return filepath.Join(home, ".kmn-agent", "updates.log")
}

// SetDefaults initializes default values for every configuration parameter.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "kmn-agent")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Tuning --
	v.SetDefault("tuning.min_update_interval", "60s")
	v.SetDefault("tuning.max_history_size", 10)

	// -- Audit --
	v.SetDefault("audit.log_file", DefaultAuditLogPath())
	v.SetDefault("audit.max_size", 50)
	v.SetDefault("audit.max_backups", 10)
	v.SetDefault("audit.max_age", 90)
}

// Load reads configuration from the given file (or the working directory when
// empty), the KMN_AGENT environment prefix, and the defaults, in that
// precedence order.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("KMN_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// New returns a Config populated entirely from defaults.
func New() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults always unmarshal; reaching here is a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}
