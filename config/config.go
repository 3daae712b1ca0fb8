package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type BrowserConfig struct {
	Headless    bool     `mapstructure:"headless"`
	UserAgents  []string `mapstructure:"user_agents"`
	MinViewport int      `mapstructure:"min_viewport"`
	MaxViewport int      `mapstructure:"max_viewport"`
	Bin         string   `mapstructure:"bin"`
	ProfileRoot string   `mapstructure:"profile_root"`

	NavigateTimeout time.Duration `mapstructure:"navigate_timeout"`
	StabilizeWait   time.Duration `mapstructure:"stabilize_wait"`
	SelectorTimeout time.Duration `mapstructure:"selector_timeout"`
}

type TimingConfig struct {
	MinDelayMs int `mapstructure:"min_delay_ms"`
	// MaxDelayMs controls the upper bound for human-like pacing between actions.
	MaxDelayMs int `mapstructure:"max_delay_ms"`
}

// LimitsConfig holds fallback daily quotas applied when the account row
// carries no explicit limit.
type LimitsConfig struct {
	DailyInvites          int `mapstructure:"daily_invites"`
	DailyConnectionChecks int `mapstructure:"daily_connection_checks"`
	DailyMessages         int `mapstructure:"daily_messages"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// WorkerBin is the path to the workflow worker binary spawned per job.
	WorkerBin string `mapstructure:"worker_bin"`
}

// WorkingHoursConfig optionally restricts automation to a local-time window.
type WorkingHoursConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	StartHour int  `mapstructure:"start_hour"`
	EndHour   int  `mapstructure:"end_hour"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Browser      BrowserConfig      `mapstructure:"browser"`
	Timing       TimingConfig       `mapstructure:"timing"`
	Limits       LimitsConfig       `mapstructure:"limits"`
	Server       ServerConfig       `mapstructure:"server"`
	WorkingHours WorkingHoursConfig `mapstructure:"working_hours"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// Load reads configuration from an optional YAML file, with environment
// variables taking precedence. An empty path skips the file entirely so
// workers can run on env alone.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Flat env names used by deployment tooling.
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("redis.url", "REDIS_URL")
	_ = v.BindEnv("browser.profile_root", "PROFILE_ROOT")
	_ = v.BindEnv("server.port", "PORT")
	_ = v.BindEnv("server.worker_bin", "WORKER_BIN")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agents", []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
	})
	v.SetDefault("browser.min_viewport", 1280)
	v.SetDefault("browser.max_viewport", 1600)
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.profile_root", "data/profiles")
	v.SetDefault("browser.navigate_timeout", "45s")
	v.SetDefault("browser.stabilize_wait", "5s")
	v.SetDefault("browser.selector_timeout", "3s")

	v.SetDefault("timing.min_delay_ms", 750)
	v.SetDefault("timing.max_delay_ms", 2250)

	v.SetDefault("limits.daily_invites", 30)
	v.SetDefault("limits.daily_connection_checks", 3)
	v.SetDefault("limits.daily_messages", 10)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.worker_bin", "./worker")

	v.SetDefault("working_hours.enabled", false)
	v.SetDefault("working_hours.start_hour", 9)
	v.SetDefault("working_hours.end_hour", 18)

	v.SetDefault("logging.level", "info")
}

func (c *Config) validate() error {
	if len(c.Browser.UserAgents) == 0 {
		return fmt.Errorf("browser.user_agents must include at least one value")
	}
	if c.Browser.MinViewport <= 0 {
		return fmt.Errorf("browser.min_viewport must be greater than zero")
	}
	if c.Browser.MaxViewport <= c.Browser.MinViewport {
		return fmt.Errorf("browser.max_viewport must be greater than min_viewport")
	}
	if c.Browser.ProfileRoot == "" {
		return fmt.Errorf("browser.profile_root must be set")
	}
	if c.Browser.NavigateTimeout < 30*time.Second {
		return fmt.Errorf("browser.navigate_timeout must be at least 30s")
	}
	if c.Timing.MinDelayMs <= 0 || c.Timing.MaxDelayMs <= 0 {
		return fmt.Errorf("timing delays must be positive")
	}
	if c.Timing.MaxDelayMs < c.Timing.MinDelayMs {
		return fmt.Errorf("timing.max_delay_ms must be >= min_delay_ms")
	}
	if c.Limits.DailyInvites <= 0 || c.Limits.DailyConnectionChecks <= 0 || c.Limits.DailyMessages <= 0 {
		return fmt.Errorf("limits must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range")
	}
	if c.WorkingHours.Enabled {
		if c.WorkingHours.StartHour < 0 || c.WorkingHours.StartHour > 23 ||
			c.WorkingHours.EndHour < 0 || c.WorkingHours.EndHour > 24 ||
			c.WorkingHours.EndHour <= c.WorkingHours.StartHour {
			return fmt.Errorf("working_hours window is invalid")
		}
	}

	c.Logging.Level = strings.ToLower(c.Logging.Level)

	return nil
}

// InsideWorkingHours reports whether now falls inside the configured window.
// Always true when the guard is disabled.
func (c *Config) InsideWorkingHours(now time.Time) bool {
	if !c.WorkingHours.Enabled {
		return true
	}
	h := now.Hour()
	return h >= c.WorkingHours.StartHour && h < c.WorkingHours.EndHour
}
