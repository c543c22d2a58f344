// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Engine() EngineConfig
	Project() ProjectConfig
	Resolver() ResolverConfig
	Tools() ToolsConfig

	SetProjectRoot(string)
	SetEngineWorkerConcurrency(int)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	EngineCfg   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	ProjectCfg  ProjectConfig  `mapstructure:"project" yaml:"project"`
	ResolverCfg ResolverConfig `mapstructure:"resolver" yaml:"resolver"`
	ToolsCfg    ToolsConfig    `mapstructure:"tools" yaml:"tools"`
}

// -- Getters --

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Engine() EngineConfig     { return c.EngineCfg }
func (c *Config) Project() ProjectConfig   { return c.ProjectCfg }
func (c *Config) Resolver() ResolverConfig { return c.ResolverCfg }
func (c *Config) Tools() ToolsConfig       { return c.ToolsCfg }

// -- Setters --

func (c *Config) SetProjectRoot(root string)       { c.ProjectCfg.Root = root }
func (c *Config) SetEngineWorkerConcurrency(w int) { c.EngineCfg.WorkerConcurrency = w }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig names the terminal color of each log level.
type ColorConfig struct {
	Debug string `mapstructure:"debug" yaml:"debug"`
	Info  string `mapstructure:"info" yaml:"info"`
	Warn  string `mapstructure:"warn" yaml:"warn"`
	Error string `mapstructure:"error" yaml:"error"`
}

// DatabaseConfig holds the connection string of the optional run mirror.
// An empty URL disables it.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// EngineConfig configures the batch engine.
type EngineConfig struct {
	// WorkerConcurrency of zero or less means one worker per CPU.
	WorkerConcurrency int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	TrialTimeout      time.Duration `mapstructure:"trial_timeout" yaml:"trial_timeout"`
}

// ProjectConfig locates the project.
type ProjectConfig struct {
	Root         string `mapstructure:"root" yaml:"root"`
	TrialPattern string `mapstructure:"trial_pattern" yaml:"trial_pattern"`
}

// ProtocolConfig truncates assignments for trials stored under Directory.
type ProtocolConfig struct {
	Directory    string `mapstructure:"directory" yaml:"directory"`
	DropTrailing int    `mapstructure:"drop_trailing" yaml:"drop_trailing"`
}

// ResolverConfig tunes channel resolution.
type ResolverConfig struct {
	Prefix    string           `mapstructure:"prefix" yaml:"prefix"`
	Protocols []ProtocolConfig `mapstructure:"protocols" yaml:"protocols"`
}

// ToolsConfig configures the external biomechanics tool.
type ToolsConfig struct {
	OpensimCmd string `mapstructure:"opensim_cmd" yaml:"opensim_cmd"`
	// LaunchRate caps tool launches per second. Zero disables the cap.
	LaunchRate  float64 `mapstructure:"launch_rate" yaml:"launch_rate"`
	LaunchBurst int     `mapstructure:"launch_burst" yaml:"launch_burst"`
	// OnsetPadding widens onset windows by this many seconds on each side.
	OnsetPadding float64 `mapstructure:"onset_padding" yaml:"onset_padding"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "osimpipe")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Engine --
	v.SetDefault("engine.worker_concurrency", 0)
	v.SetDefault("engine.trial_timeout", "10m")

	// -- Project --
	v.SetDefault("project.root", ".")
	v.SetDefault("project.trial_pattern", "*.csv")

	// -- Resolver --
	v.SetDefault("resolver.prefix", ":")
	v.SetDefault("resolver.protocols", []map[string]any{
		{"directory": "MODEL2", "drop_trailing": 8},
	})

	// -- Tools --
	v.SetDefault("tools.opensim_cmd", "opensim-cmd")
	v.SetDefault("tools.launch_rate", 0.0)
	v.SetDefault("tools.launch_burst", 1)
	v.SetDefault("tools.onset_padding", 0.05)

	// -- Database --
	v.SetDefault("database.url", "")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The connection string usually carries a password, so it may come from the environment alone.
	_ = v.BindEnv("database.url", "OSIMPIPE_DATABASE_URL", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LoggerCfg.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("logger.format must be console or json, got %q", c.LoggerCfg.Format)
	}
	if c.EngineCfg.TrialTimeout <= 0 {
		return fmt.Errorf("engine.trial_timeout must be a positive duration")
	}
	if c.ProjectCfg.Root == "" {
		return fmt.Errorf("project.root is a required configuration field")
	}
	if err := c.ResolverCfg.Validate(); err != nil {
		return fmt.Errorf("resolver configuration invalid: %w", err)
	}
	if c.ToolsCfg.LaunchRate < 0 {
		return fmt.Errorf("tools.launch_rate must not be negative")
	}
	if c.ToolsCfg.OnsetPadding < 0 {
		return fmt.Errorf("tools.onset_padding must not be negative")
	}
	return nil
}

// Validate checks the protocol rules.
func (r *ResolverConfig) Validate() error {
	seen := make(map[string]bool, len(r.Protocols))
	for i, p := range r.Protocols {
		if p.Directory == "" {
			return fmt.Errorf("protocols[%d].directory is required", i)
		}
		if p.DropTrailing < 0 {
			return fmt.Errorf("protocols[%d].drop_trailing must not be negative", i)
		}
		if seen[p.Directory] {
			return fmt.Errorf("protocols[%d] repeats directory %q", i, p.Directory)
		}
		seen[p.Directory] = true
	}
	return nil
}
