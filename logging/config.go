package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Environment types
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// GetConfigFromEnv creates a logger configuration based on environment
// variables. LOG_LEVEL, LOG_FORMAT and LOG_ADD_SOURCE override the defaults
// implied by ENVIRONMENT.
func GetConfigFromEnv() Config {
	config := Config{Environment: EnvProduction}

	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config.Environment = strings.ToLower(env)
	}

	switch config.Environment {
	case EnvDevelopment:
		config.Format, config.Level, config.AddSource = "text", "debug", true
	case EnvTest:
		config.Format, config.Level = "text", "debug"
	default:
		config.Format, config.Level = "json", "info"
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Level = strings.ToLower(level)
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		config.Format = strings.ToLower(format)
	}
	if addSource := os.Getenv("LOG_ADD_SOURCE"); addSource != "" {
		config.AddSource = strings.ToLower(addSource) == "true"
	}

	return config
}

// CustomLevel defines a custom log level between existing ones
type CustomLevel slog.Level

const LevelTrace CustomLevel = CustomLevel(slog.LevelDebug - 4)

func (l CustomLevel) String() string {
	if l == LevelTrace {
		return "TRACE"
	}
	return slog.Level(l).String()
}

// Trace logs at trace level; used for per-item sync detail.
func (l *Logger) Trace(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.Log(ctx, slog.Level(LevelTrace), msg, attrsToArgs(attrs)...)
}

// DynamicLevelVar allows changing log level at runtime
type DynamicLevelVar struct {
	*slog.LevelVar
}

// NewDynamicLevelVar creates a new dynamic level variable
func NewDynamicLevelVar(initialLevel slog.Level) *DynamicLevelVar {
	levelVar := &slog.LevelVar{}
	levelVar.Set(initialLevel)
	return &DynamicLevelVar{LevelVar: levelVar}
}

// SetFromString sets the level from a string representation
func (d *DynamicLevelVar) SetFromString(level string) bool {
	switch strings.ToLower(level) {
	case "trace", "debug", "info", "warn", "warning", "error":
		d.Set(ParseLevel(strings.ToLower(level)))
	default:
		return false
	}
	return true
}
