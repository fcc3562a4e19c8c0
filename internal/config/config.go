package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Delivery  DeliveryConfig  `mapstructure:"delivery"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Addr        string   `mapstructure:"addr"`
	APIToken    string   `mapstructure:"api_token"`
	Debug       bool     `mapstructure:"debug"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	BackoffUnit  time.Duration `mapstructure:"backoff_unit"`
	MaxWorkers   int           `mapstructure:"max_workers"`
	Lock         LockConfig    `mapstructure:"lock"`
}

type LockConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	RedisURL string        `mapstructure:"redis_url"`
	Key      string        `mapstructure:"key"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type DeliveryConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	RatePerSec float64       `mapstructure:"rate_per_sec"`
	RateBurst  int           `mapstructure:"rate_burst"`
	UserAgent  string        `mapstructure:"user_agent"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EnvPrefix namespaces environment overrides, e.g. CRONHOOK_SERVER_ADDR.
const EnvPrefix = "CRONHOOK"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.api_token", "")
	v.SetDefault("server.debug", false)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})

	v.SetDefault("database.path", "cronhook.db")

	v.SetDefault("scheduler.tick_interval", "60s")
	v.SetDefault("scheduler.backoff_unit", "1s")
	v.SetDefault("scheduler.max_workers", 8)
	v.SetDefault("scheduler.lock.enabled", false)
	v.SetDefault("scheduler.lock.redis_url", "redis://localhost:6379/0")
	v.SetDefault("scheduler.lock.key", "cronhook:scheduler:tick")
	v.SetDefault("scheduler.lock.ttl", "50s")

	v.SetDefault("delivery.timeout", "30s")
	v.SetDefault("delivery.rate_per_sec", 0)
	v.SetDefault("delivery.rate_burst", 1)
	v.SetDefault("delivery.user_agent", "cronhook/1.0")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads configuration from defaults, the optional file at path and
// CRONHOOK_* environment variables, in increasing precedence.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Scheduler.TickInterval <= 0 {
		errs = append(errs, errors.New("scheduler.tick_interval must be positive"))
	}
	if c.Scheduler.BackoffUnit <= 0 {
		errs = append(errs, errors.New("scheduler.backoff_unit must be positive"))
	}
	if c.Scheduler.MaxWorkers <= 0 {
		errs = append(errs, errors.New("scheduler.max_workers must be positive"))
	}
	if c.Scheduler.Lock.Enabled && c.Scheduler.Lock.RedisURL == "" {
		errs = append(errs, errors.New("scheduler.lock.redis_url is required when the lock is enabled"))
	}
	if c.Delivery.Timeout <= 0 {
		errs = append(errs, errors.New("delivery.timeout must be positive"))
	}
	if c.Delivery.RatePerSec < 0 {
		errs = append(errs, errors.New("delivery.rate_per_sec must be >= 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
