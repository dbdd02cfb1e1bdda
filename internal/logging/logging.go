// Package logging builds the process logger and the queue-entry lifecycle
// logger on top of log/slog.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Config selects where and how the process logs.
type Config struct {
	Level    string        // debug, info, warn or error
	Format   string        // text or json
	Output   string        // stdout, stderr or file
	File     string        // log file path when Output is file
	MaxSize  int64         // rotate after this many bytes, 0 disables rotation
	MaxAge   time.Duration // remove rotated files older than this
	MaxFiles int           // keep at most this many rotated files
}

// DefaultConfig returns text logging at info level on stdout.
func DefaultConfig() Config {
	return Config{
		Level:    "info",
		Format:   "text",
		Output:   "stdout",
		MaxSize:  10 * 1024 * 1024,
		MaxAge:   7 * 24 * time.Hour,
		MaxFiles: 10,
	}
}

// Level is the process-wide level shared by every logger built by Setup,
// so it can be changed at runtime.
var Level = new(slog.LevelVar)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Setup builds a logger from config. The returned closer releases the log
// file, if any.
func Setup(config Config) (*slog.Logger, io.Closer, error) {
	level, err := StringToLevel(config.Level)
	if err != nil {
		return nil, nil, err
	}
	Level.Set(level)

	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
	)
	switch strings.ToLower(config.Output) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	case "file":
		rf, err := OpenRotatingFile(config.File, config.MaxSize, config.MaxAge, config.MaxFiles)
		if err != nil {
			return nil, nil, err
		}
		w, closer = rf, rf
	default:
		return nil, nil, fmt.Errorf("unsupported log output: %s", config.Output)
	}

	handler, err := newHandler(w, config.Format)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}

	return slog.New(NewSanitizingHandler(handler)), closer, nil
}

func newHandler(w io.Writer, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: Level}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %s", format)
	}
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level. The empty string is info.
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level: " + levelStr)
	}
}
