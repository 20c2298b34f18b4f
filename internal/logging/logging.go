// Package logging configures the structured logger shared by every component.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level   string `mapstructure:"level" yaml:"level"`     // debug, info, warn, error
	Dir     string `mapstructure:"dir" yaml:"dir"`         // log file directory; empty disables the file
	Console bool   `mapstructure:"console" yaml:"console"` // also log to stderr
}

// DefaultConfig returns console-only info logging.
func DefaultConfig() Config {
	return Config{Level: "info", Console: true}
}

// ParseLevel maps a config level to zerolog, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// New builds the root logger. The returned closer releases the log file, if any.
func New(cfg Config) (zerolog.Logger, io.Closer, error) {
	var writers []io.Writer
	var file *os.File

	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("create log dir: %w", err)
		}
		name := fmt.Sprintf("memoryscope_%s.log", time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(cfg.Dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
		file = f
		writers = append(writers, f)
	}
	if cfg.Console || len(writers) == 0 {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	log := zerolog.New(io.MultiWriter(writers...)).With().
		Timestamp().
		Str("app", "memoryscope").
		Logger()

	return log, closer{file}, nil
}

type closer struct{ f *os.File }

func (c closer) Close() error {
	if c.f == nil {
		return nil
	}
	return c.f.Close()
}

// Component derives a child logger tagged with a component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
