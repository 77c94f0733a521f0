// Package logging builds the zerolog logger shared by the agentflow components.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ZanzyTHEbar/agentflow/agentflow/config"
	"github.com/rs/zerolog"
)

// New returns a logger configured from cfg and a closer for any opened log file.
// Console output goes to stderr so it never mixes with the chat transcript on stdout.
func New(cfg config.LogConfig) (zerolog.Logger, io.Closer, error) {
	level := zerolog.WarnLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), nopCloser{}, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	if cfg.File == "" {
		writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
		return zerolog.New(writer).Level(level).With().Timestamp().Logger(), nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("could not create log directory: %w", err)
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Nop(), nopCloser{}, fmt.Errorf("could not open log file %s: %w", cfg.File, err)
	}

	return zerolog.New(file).Level(level).With().Timestamp().Logger(), file, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
