package server

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Tyrowin/overlay-chat-server/internal/logger"
)

// DefaultMaxMessageSize caps an inbound frame. A frame over the cap closes
// the connection, so it sits far above any chat a person could paste;
// oversized chat text is truncated by the dispatcher instead.
const DefaultMaxMessageSize int64 = 1 << 20

// Config holds the server configuration settings.
type Config struct {
	Port            string        `yaml:"port"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	MaxMessageSize  int64         `yaml:"maxMessageSize"`
	SendBufferSize  int           `yaml:"sendBufferSize"`
	StatsInterval   time.Duration `yaml:"statsInterval"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	Log             logger.Config `yaml:"log"`
}

func defaultConfig() Config {
	return Config{
		Port:            ":8080",
		AllowedOrigins:  []string{"*"},
		MaxMessageSize:  DefaultMaxMessageSize,
		SendBufferSize:  256,
		StatsInterval:   time.Minute,
		ShutdownTimeout: 5 * time.Second,
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	cfg.Port = normalizePort(cfg.Port)
	if cfg.Port == "" {
		cfg.Port = def.Port
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = def.AllowedOrigins
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}

	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}

	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = def.StatsInterval
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// LoadConfig builds the configuration from defaults, the YAML file named by
// CONFIG_PATH (if set) and environment variables, in that order of
// precedence from lowest to highest.
func LoadConfig() (*Config, error) {
	cfg := defaultConfig()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(&cfg)

	cfg = sanitizeConfig(cfg)
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	// PORT is what most hosting platforms inject; SERVER_PORT wins if both are set.
	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if size := os.Getenv("SEND_BUFFER_SIZE"); size != "" {
		cfg.SendBufferSize = parseIntValue(size, cfg.SendBufferSize)
	}

	if interval := os.Getenv("STATS_INTERVAL"); interval != "" {
		cfg.StatsInterval = parseDuration(interval, cfg.StatsInterval)
	}

	if timeout := os.Getenv("SHUTDOWN_TIMEOUT"); timeout != "" {
		cfg.ShutdownTimeout = parseDuration(timeout, cfg.ShutdownTimeout)
	}

	if env := os.Getenv("APP_ENV"); env != "" {
		cfg.Log.Env = env
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
	if file := os.Getenv("LOG_FILE"); file != "" {
		cfg.Log.File = file
	}
}

// normalizePort accepts "8080", ":8080" or "host:8080".
func normalizePort(port string) string {
	port = strings.TrimSpace(port)
	if port == "" || strings.Contains(port, ":") {
		return port
	}
	return ":" + port
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts a Go duration ("90s") or a whole number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
