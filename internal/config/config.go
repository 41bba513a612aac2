// Package config loads the settings of the mesh peer and the rendezvous hub.
//
// Both binaries follow the same layering: an optional YAML file provides the
// lowest-priority values, environment variables override it, and command-line
// flags override both.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	envVarConfigFile = "MESH_CONFIG_FILE"
	flagConfigFile   = "config"

	DefaultShutdown      = 15 * time.Second
	DefaultMode     Mode = ModeDev
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// LogConfig is the logging and lifecycle subset shared by both binaries.
type LogConfig struct {
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
}

// commonFlags holds the raw flag values of LogConfig until they are parsed.
type commonFlags struct {
	mode            string
	logFormat       string
	logLevel        string
	shutdownTimeout time.Duration
	configFile      string
}

func bindCommonFlags(fs *pflag.FlagSet, lookup func(string) (string, bool), envPrefix string) (*commonFlags, error) {
	envMode := envOrDefault(lookup, envPrefix+"MODE", string(DefaultMode))
	f := &commonFlags{
		mode:       envMode,
		logFormat:  envOrDefault(lookup, envPrefix+"LOG_FORMAT", defaultLogFormatForMode(envMode)),
		logLevel:   envOrDefault(lookup, envPrefix+"LOG_LEVEL", defaultLogLevelForMode(envMode)),
		configFile: envOrDefault(lookup, envVarConfigFile, ""),
	}
	var err error
	f.shutdownTimeout, err = envDurationOrDefault(lookup, envPrefix+"SHUTDOWN_TIMEOUT", DefaultShutdown)
	if err != nil {
		return nil, err
	}

	fs.StringVar(&f.mode, "mode", f.mode, "Run mode: dev or prod")
	fs.StringVar(&f.logFormat, "log-format", f.logFormat, "Log format: text or json (default depends on --mode)")
	fs.StringVar(&f.logLevel, "log-level", f.logLevel, "Log level: debug, info, warn, error (default depends on --mode)")
	fs.DurationVar(&f.shutdownTimeout, "shutdown-timeout", f.shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&f.configFile, flagConfigFile, f.configFile, "Optional YAML config file (env "+envVarConfigFile+")")
	return f, nil
}

// resolve turns the parsed flags into a LogConfig. Log format and level
// follow --mode unless they were set explicitly.
func (f *commonFlags) resolve(fs *pflag.FlagSet, lookup func(string) (string, bool), envPrefix string) (LogConfig, error) {
	mode, err := parseMode(f.mode)
	if err != nil {
		return LogConfig{}, err
	}

	logFormatRaw := f.logFormat
	if !fs.Changed("log-format") && !envSet(lookup, envPrefix+"LOG_FORMAT") {
		logFormatRaw = defaultLogFormatForMode(string(mode))
	}
	logFormat, err := parseLogFormat(logFormatRaw)
	if err != nil {
		return LogConfig{}, err
	}

	logLevelRaw := f.logLevel
	if !fs.Changed("log-level") && !envSet(lookup, envPrefix+"LOG_LEVEL") {
		logLevelRaw = defaultLogLevelForMode(string(mode))
	}
	logLevel, err := parseLogLevel(logLevelRaw)
	if err != nil {
		return LogConfig{}, err
	}

	if f.shutdownTimeout <= 0 {
		return LogConfig{}, fmt.Errorf("shutdown timeout must be > 0 (got %s)", f.shutdownTimeout)
	}

	return LogConfig{
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: f.shutdownTimeout,
	}, nil
}

func NewLogger(cfg LogConfig) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envSet(lookup func(string) (string, bool), key string) bool {
	v, ok := lookup(key)
	return ok && strings.TrimSpace(v) != ""
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
