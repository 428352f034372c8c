// Package logger builds the zap logger shared by the server components.
package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	EnvDev   = "dev"
	EnvStage = "stage"
	EnvProd  = "prod"

	FormatJSON    = "json"
	FormatConsole = "console"
)

// Config controls where and how log lines are written.
type Config struct {
	Service string `yaml:"service"`
	Env     string `yaml:"env"`    // dev|stage|prod
	Level   string `yaml:"level"`  // debug|info|warn|error
	Format  string `yaml:"format"` // json|console; defaults by Env

	// File enables rotated file output next to stdout.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`

	// Sampling, applied per second.
	SampleInitial    int `yaml:"sampleInitial"`
	SampleThereafter int `yaml:"sampleThereafter"`
}

func (c *Config) setDefaults() {
	if c.Service == "" {
		c.Service = "overlay-chat-server"
	}
	c.Env = normalizeEnv(c.Env)
	if c.Format == "" {
		if c.Env == EnvDev {
			c.Format = FormatConsole
		} else {
			c.Format = FormatJSON
		}
	}
	if c.Level == "" {
		if c.Env == EnvDev {
			c.Level = "debug"
		} else {
			c.Level = "info"
		}
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = 10
	}
	if c.MaxAgeDays <= 0 {
		c.MaxAgeDays = 30
	}
	if c.SampleInitial <= 0 {
		c.SampleInitial = 100
	}
	if c.SampleThereafter <= 0 {
		c.SampleThereafter = 10
	}
}

func normalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production":
		return EnvProd
	case "stage", "staging", "preprod":
		return EnvStage
	default:
		return EnvDev
	}
}

// New builds a logger from cfg. Every line carries the service name, the
// environment and an instance id.
func New(cfg Config) (*zap.Logger, error) {
	cfg.setDefaults()

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder

	var enc zapcore.Encoder
	switch cfg.Format {
	case FormatJSON:
		enc = zapcore.NewJSONEncoder(encCfg)
	case FormatConsole:
		enc = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, fmt.Errorf("logger: unknown format %q", cfg.Format)
	}

	writers := []zapcore.WriteSyncer{zapcore.Lock(os.Stdout)}
	if cfg.File != "" {
		writers = append(writers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			LocalTime:  true,
		}))
	}

	core := zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(writers...), level)
	core = zapcore.NewSamplerWithOptions(core, time.Second, cfg.SampleInitial, cfg.SampleThereafter)

	opts := []zap.Option{zap.AddStacktrace(zapcore.ErrorLevel)}
	if cfg.Env == EnvDev {
		opts = append(opts, zap.AddCaller())
	}

	return zap.New(core, opts...).With(
		zap.String("service", cfg.Service),
		zap.String("env", cfg.Env),
		zap.String("instance_id", instanceID()),
	), nil
}

func instanceID() string {
	hn, _ := os.Hostname()
	return hn + "-" + uuid.New().String()[:8]
}
