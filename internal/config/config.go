// Package config loads drivetel settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/drivetel/internal/logging"
)

const (
	DefaultAddr             = ":8000"
	DefaultQueueDSN         = "memory://"
	DefaultQueueCapacity    = 10000
	DefaultWorkers          = 1
	DefaultOperationTimeout = 5 * time.Second
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultMaxFrameBytes    = 1 << 20
	DefaultWriteTimeout     = 5 * time.Second
	DefaultLogLevel         = "info"
	DefaultLogFormat        = logging.FormatJSON
)

type Config struct {
	Addr             string   `yaml:"addr"`
	DatabaseDSN      string   `yaml:"database_dsn"`
	QueueDSN         string   `yaml:"queue_dsn"`
	QueueCapacity    int      `yaml:"queue_capacity"`
	Workers          int      `yaml:"workers"`
	OperationTimeout Duration `yaml:"operation_timeout"`
	DrainOnShutdown  bool     `yaml:"drain_on_shutdown"`
	ShutdownTimeout  Duration `yaml:"shutdown_timeout"`
	MaxFrameBytes    int64    `yaml:"max_frame_bytes"`
	WriteTimeout     Duration `yaml:"write_timeout"`
	OriginPatterns   []string `yaml:"origin_patterns"`
	LogLevel         string   `yaml:"log_level"`
	LogFormat        string   `yaml:"log_format"`
}

// Duration reads Go duration strings ("5s") or plain integers as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	raw := strings.TrimSpace(node.Value)
	if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q", node.Line, raw)
	}
	*d = Duration(value)
	return nil
}

func Default() Config {
	return Config{
		Addr:             DefaultAddr,
		QueueDSN:         DefaultQueueDSN,
		QueueCapacity:    DefaultQueueCapacity,
		Workers:          DefaultWorkers,
		OperationTimeout: Duration(DefaultOperationTimeout),
		DrainOnShutdown:  true,
		ShutdownTimeout:  Duration(DefaultShutdownTimeout),
		MaxFrameBytes:    DefaultMaxFrameBytes,
		WriteTimeout:     Duration(DefaultWriteTimeout),
		LogLevel:         DefaultLogLevel,
		LogFormat:        DefaultLogFormat,
	}
}

// Load returns the defaults overlaid with the YAML file at path (when path is
// non-empty) and then with environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Addr = stringEnv("DRIVETEL_ADDR", c.Addr)
	c.DatabaseDSN = stringEnv("DATABASE_URL", c.DatabaseDSN)
	c.DatabaseDSN = stringEnv("DRIVETEL_DATABASE_DSN", c.DatabaseDSN)
	c.QueueDSN = stringEnv("DRIVETEL_QUEUE_DSN", c.QueueDSN)
	c.QueueCapacity = intEnv("DRIVETEL_QUEUE_CAPACITY", c.QueueCapacity)
	c.Workers = intEnv("DRIVETEL_WORKERS", c.Workers)
	c.OperationTimeout = Duration(durationEnv("DRIVETEL_OPERATION_TIMEOUT", c.OperationTimeout.Std()))
	c.DrainOnShutdown = boolEnv("DRIVETEL_DRAIN_ON_SHUTDOWN", c.DrainOnShutdown)
	c.ShutdownTimeout = Duration(durationEnv("DRIVETEL_SHUTDOWN_TIMEOUT", c.ShutdownTimeout.Std()))
	c.MaxFrameBytes = int64Env("DRIVETEL_MAX_FRAME_BYTES", c.MaxFrameBytes)
	c.WriteTimeout = Duration(durationEnv("DRIVETEL_WRITE_TIMEOUT", c.WriteTimeout.Std()))
	if raw := strings.TrimSpace(os.Getenv("DRIVETEL_ORIGIN_PATTERNS")); raw != "" {
		c.OriginPatterns = splitList(raw)
	}
	c.LogLevel = stringEnv("LOG_LEVEL", c.LogLevel)
	c.LogLevel = stringEnv("DRIVETEL_LOG_LEVEL", c.LogLevel)
	c.LogFormat = stringEnv("DRIVETEL_LOG_FORMAT", c.LogFormat)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr must not be empty"))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("queue_capacity must be positive, got %d", c.QueueCapacity))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.OperationTimeout <= 0 {
		errs = append(errs, errors.New("operation_timeout must be positive"))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown_timeout must not be negative"))
	}
	if c.MaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_frame_bytes must be positive, got %d", c.MaxFrameBytes))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write_timeout must be positive"))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case logging.FormatJSON, logging.FormatText:
	default:
		errs = append(errs, fmt.Errorf("unsupported log_format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

func stringEnv(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("invalid integer environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration environment value, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("invalid boolean environment value, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
