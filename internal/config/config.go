package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Portal   PortalConfig   `mapstructure:"portal" yaml:"portal"`
	Quota    QuotaConfig    `mapstructure:"quota" yaml:"quota"`
}

// LoggerConfig holds all the configuration for the logger.
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

// ServerConfig configures the HTTP/websocket control surface.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen" yaml:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DatabaseConfig holds the database connection details. An empty URL selects
// the in-memory stores.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// BrowserConfig holds settings for the per-session browser instances.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionRate        float64       `mapstructure:"action_rate" yaml:"action_rate"` // page actions per second
}

// SessionConfig tunes the orchestrator's timing policy.
type SessionConfig struct {
	IdleTimeout       time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ReapInterval      time.Duration `mapstructure:"reap_interval" yaml:"reap_interval"`
	AnswerTimeout     time.Duration `mapstructure:"answer_timeout" yaml:"answer_timeout"`
	CheckpointTimeout time.Duration `mapstructure:"checkpoint_timeout" yaml:"checkpoint_timeout"`
}

// PortalConfig tunes checkpoint portal issuance.
type PortalConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	SigningKey    string        `mapstructure:"signing_key" yaml:"-"`
	ViewerBaseURL string        `mapstructure:"viewer_base_url" yaml:"viewer_base_url"`
	DisplayDir    string        `mapstructure:"display_dir" yaml:"display_dir"`
}

// QuotaConfig configures the daily application quota.
type QuotaConfig struct {
	DailyBase   int   `mapstructure:"daily_base" yaml:"daily_base"`
	StreakBonus []int `mapstructure:"streak_bonus" yaml:"streak_bonus"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "applypilot")
	v.SetDefault("logger.log_file", "applypilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.listen", ":8090")
	v.SetDefault("server.shutdown_timeout", "20s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", "90s")
	v.SetDefault("browser.action_rate", 2.0)

	// -- Session --
	v.SetDefault("session.idle_timeout", "5m")
	v.SetDefault("session.reap_interval", "1m")
	v.SetDefault("session.answer_timeout", "60s")
	v.SetDefault("session.checkpoint_timeout", "15m")

	// -- Portal --
	v.SetDefault("portal.ttl", "20m")
	v.SetDefault("portal.sweep_interval", "30s")
	v.SetDefault("portal.viewer_base_url", "http://localhost:6080")
	v.SetDefault("portal.display_dir", "/tmp/applypilot-displays")

	// -- Quota --
	v.SetDefault("quota.daily_base", 15)
	v.SetDefault("quota.streak_bonus", []int{1, 1, 2, 2, 3, 3, 5})
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults, but fail loudly if it does.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a validated configuration from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Sensitive values come from the environment, never the config file.
	v.BindEnv("portal.signing_key", "APPLYPILOT_PORTAL_SIGNING_KEY")
	v.BindEnv("database.url", "APPLYPILOT_DATABASE_URL")

	var cfg Config
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
	if c.Session.IdleTimeout <= 0 {
		return fmt.Errorf("session.idle_timeout must be a positive duration")
	}
	if c.Session.AnswerTimeout <= 0 {
		return fmt.Errorf("session.answer_timeout must be a positive duration")
	}
	if c.Portal.TTL <= 0 {
		return fmt.Errorf("portal.ttl must be a positive duration")
	}
	if c.Quota.DailyBase <= 0 {
		return fmt.Errorf("quota.daily_base must be a positive integer")
	}
	if len(c.Quota.StreakBonus) == 0 {
		return fmt.Errorf("quota.streak_bonus must not be empty")
	}
	if c.Browser.ActionRate <= 0 {
		return fmt.Errorf("browser.action_rate must be positive")
	}
	return nil
}
