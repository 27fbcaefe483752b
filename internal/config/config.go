// Package config loads cronflow settings from a YAML file, then applies
// CRONFLOW_* environment overrides (a .env file in the working directory is
// honored), then validates ranges.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	yaml "go.yaml.in/yaml/v3"

	"cronflow/internal/cronexpr"
	"cronflow/internal/executor"
)

type Config struct {
	HTTP      HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	DB        DBConfig        `yaml:"db" envPrefix:"DB_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	Scheduler SchedulerConfig `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Executor  ExecutorConfig  `yaml:"executor" envPrefix:"EXECUTOR_"`
	Security  SecurityConfig  `yaml:"security" envPrefix:"SECURITY_"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

type DBConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // console | json
}

type SchedulerConfig struct {
	DefaultSchedule    string   `yaml:"default_schedule" env:"DEFAULT_SCHEDULE"`
	Timezone           string   `yaml:"timezone" env:"TIMEZONE"`
	MaxRetries         int      `yaml:"max_retries" env:"MAX_RETRIES"`
	CleanupEnabled     bool     `yaml:"cleanup_enabled" env:"CLEANUP_ENABLED"`
	CleanupInterval    Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	StaleAfter         Duration `yaml:"stale_after" env:"STALE_AFTER"`
	MaxConcurrentTasks int      `yaml:"max_concurrent_tasks" env:"MAX_CONCURRENT_TASKS"`
	BatchSize          int      `yaml:"batch_size" env:"BATCH_SIZE"`
	PollSchedule       string   `yaml:"poll_schedule" env:"POLL_SCHEDULE"`
	PollInterval       Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	PollLookback       Duration `yaml:"poll_lookback" env:"POLL_LOOKBACK"`
	RecoverOnStart     bool     `yaml:"recover_on_start" env:"RECOVER_ON_START"`
}

type ExecutorConfig struct {
	Type            string   `yaml:"type" env:"TYPE"`
	PoolSize        int      `yaml:"pool_size" env:"POOL_SIZE"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	Timeout         Duration `yaml:"timeout" env:"TIMEOUT"`
	WebhookURL      string   `yaml:"webhook_url" env:"WEBHOOK_URL"`
	ShellCommand    string   `yaml:"shell_command" env:"SHELL_COMMAND"`
	ShellArgs       []string `yaml:"shell_args" env:"SHELL_ARGS" envSeparator:" "`
}

type SecurityConfig struct {
	InputValidation  bool    `yaml:"input_validation" env:"INPUT_VALIDATION"`
	AuditLogging     bool    `yaml:"audit_logging" env:"AUDIT_LOGGING"`
	MaxMessageLength int     `yaml:"max_message_length" env:"MAX_MESSAGE_LENGTH"`
	MaxTasksPerOwner int     `yaml:"max_tasks_per_owner" env:"MAX_TASKS_PER_OWNER"`
	RateLimit        float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	RateBurst        int     `yaml:"rate_burst" env:"RATE_BURST"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		DB:   DBConfig{Path: "cronflow.db"},
		Log:  LogConfig{Level: "info", Format: "console"},
		Scheduler: SchedulerConfig{
			DefaultSchedule:    "*/5 * * * * *",
			Timezone:           "Local",
			MaxRetries:         0,
			CleanupEnabled:     true,
			CleanupInterval:    Duration(time.Hour),
			StaleAfter:         Duration(24 * time.Hour),
			MaxConcurrentTasks: 50,
			BatchSize:          100,
			PollSchedule:       "*/5 * * * * *",
			PollInterval:       Duration(250 * time.Millisecond),
			PollLookback:       Duration(time.Second),
			RecoverOnStart:     true,
		},
		Executor: ExecutorConfig{
			Type:            executor.TypeLog,
			PoolSize:        10,
			ShutdownTimeout: Duration(10 * time.Second),
			Timeout:         Duration(30 * time.Second),
		},
		Security: SecurityConfig{
			InputValidation:  true,
			AuditLogging:     true,
			MaxMessageLength: 1000,
			MaxTasksPerOwner: 100,
			RateBurst:        20,
		},
	}
}

// Load reads path (optional) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("yaml unmarshal %s: %w", path, err)
		}
	}

	// the .env file might not exist and that's ok
	_ = godotenv.Load()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CRONFLOW_"}); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every key against its allowed range and reports all
// violations at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, key, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s: %s", key, fmt.Sprintf(format, args...)))
		}
	}
	between := func(key string, v, lo, hi int) {
		check(v >= lo && v <= hi, key, "must be in [%d,%d], got %d", lo, hi, v)
	}
	durBetween := func(key string, v Duration, lo, hi time.Duration) {
		d := time.Duration(v)
		check(d >= lo && (hi == 0 || d <= hi), key, "must be in [%s,%s], got %s", lo, hi, d)
	}

	s := c.Scheduler
	check(cronexpr.Validate(s.DefaultSchedule) == nil, "scheduler.default_schedule", "invalid cron expression %q", s.DefaultSchedule)
	check(cronexpr.Validate(s.PollSchedule) == nil, "scheduler.poll_schedule", "invalid cron expression %q", s.PollSchedule)
	_, tzErr := c.Location()
	check(tzErr == nil, "scheduler.timezone", "unknown zone %q", s.Timezone)
	between("scheduler.max_retries", s.MaxRetries, 0, 100)
	between("scheduler.max_concurrent_tasks", s.MaxConcurrentTasks, 1, 1000)
	between("scheduler.batch_size", s.BatchSize, 1, 10000)
	durBetween("scheduler.cleanup_interval", s.CleanupInterval, time.Second, 0)
	durBetween("scheduler.stale_after", s.StaleAfter, time.Minute, 0)
	durBetween("scheduler.poll_interval", s.PollInterval, 50*time.Millisecond, 5*time.Second)
	durBetween("scheduler.poll_lookback", s.PollLookback, 0, time.Minute)

	e := c.Executor
	between("executor.pool_size", e.PoolSize, 1, 100)
	durBetween("executor.shutdown_timeout", e.ShutdownTimeout, time.Second, time.Minute)
	durBetween("executor.timeout", e.Timeout, 0, time.Hour)
	if _, err := executor.New(c.ExecutorConfig()); err != nil {
		errs = append(errs, fmt.Errorf("executor: %w", err))
	}

	sec := c.Security
	between("security.max_message_length", sec.MaxMessageLength, 1, 10000)
	between("security.max_tasks_per_owner", sec.MaxTasksPerOwner, 1, 1000)
	check(sec.RateLimit >= 0, "security.rate_limit", "must be >= 0")
	check(sec.RateLimit == 0 || sec.RateBurst >= 1, "security.rate_burst", "must be >= 1 when rate_limit is set")

	check(strings.TrimSpace(c.HTTP.Addr) != "", "http.addr", "required")
	check(strings.TrimSpace(c.DB.Path) != "", "db.path", "required")
	_, lvlErr := zerolog.ParseLevel(c.Log.Level)
	check(lvlErr == nil, "log.level", "unknown level %q", c.Log.Level)
	check(c.Log.Format == "console" || c.Log.Format == "json", "log.format", "must be console or json, got %q", c.Log.Format)

	return errors.Join(errs...)
}

// Location resolves scheduler.timezone.
func (c Config) Location() (*time.Location, error) {
	switch c.Scheduler.Timezone {
	case "", "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.Scheduler.Timezone)
	}
}

func (c Config) ExecutorConfig() executor.Config {
	return executor.Config{
		Type:         c.Executor.Type,
		Timeout:      time.Duration(c.Executor.Timeout),
		WebhookURL:   c.Executor.WebhookURL,
		ShellCommand: c.Executor.ShellCommand,
		ShellArgs:    c.Executor.ShellArgs,
	}
}
