// Package util provides logging, host inspection and TLS helpers shared by
// the arena binaries.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	App        string `json:"app"`
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		App:        "arena",
		Level:      "info",
		Directory:  "logs",
		MaxBackups: 5,
		Console:    true,
	}
}

// InitLogger builds a logger writing JSON lines to a dated file in
// cfg.Directory and, optionally, a human-readable stream to stdout. An empty
// Directory disables the file. The returned closer releases the file.
func InitLogger(cfg LogConfig) (zerolog.Logger, io.Closer, error) {
	return initLogger(cfg, os.Stdout)
}

func initLogger(cfg LogConfig, console io.Writer) (zerolog.Logger, io.Closer, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	if cfg.App == "" {
		cfg.App = "arena"
	}

	zerolog.TimeFieldFormat = time.RFC3339

	var (
		writers []io.Writer
		closer  io.Closer = nopCloser{}
		logPath string
	)

	if cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
		}

		logPath = filepath.Join(cfg.Directory,
			fmt.Sprintf("%s_%s.log", cfg.App, time.Now().Format("2006-01-02")))
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
		}
		writers = append(writers, logFile)
		closer = logFile
	}

	if cfg.Console && console != nil {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        console,
			TimeFormat: "15:04:05",
		})
	}

	var out io.Writer = io.Discard
	if len(writers) > 0 {
		out = zerolog.MultiLevelWriter(writers...)
	}

	logger := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("app", cfg.App).
		Logger()

	logger.Info().
		Str("level", level.String()).
		Str("log_file", logPath).
		Msg("logger initialized")

	if cfg.Directory != "" {
		removed := cleanOldLogs(cfg.Directory, cfg.MaxBackups)
		for _, path := range removed {
			logger.Debug().Str("file", path).Msg("removed old log file")
		}
	}

	return logger, closer, nil
}

// cleanOldLogs keeps the newest maxBackups .log files in directory and
// returns the paths it removed.
func cleanOldLogs(directory string, maxBackups int) []string {
	if maxBackups < 1 {
		return nil
	}
	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil
	}

	type logFile struct {
		path string
		mod  time.Time
	}
	var files []logFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{filepath.Join(directory, entry.Name()), info.ModTime()})
	}
	if len(files) <= maxBackups {
		return nil
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })

	var removed []string
	for _, f := range files[:len(files)-maxBackups] {
		if os.Remove(f.path) == nil {
			removed = append(removed, f.path)
		}
	}
	return removed
}

// ComponentLogger derives a logger tagged with a component name.
func ComponentLogger(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
