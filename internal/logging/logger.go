// Package logging provides the zerolog-based process logger.
//
// Init configures the global logger once at startup; components obtain a
// child logger with Component so every line carries component=<name>.
// When a log file is configured, output is teed to stdout and to a
// RotatingFile that is zipped once it reaches its size limit.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string

	// Format is the output format: json or console.
	Format string

	// File is an optional log file path.
	File string

	// RotateBytes is the rotation threshold for File. Zero disables rotation.
	RotateBytes int64

	// Output is the console writer. Default: os.Stdout
	Output io.Writer
}

var (
	log  zerolog.Logger
	file *RotatingFile
	mu   sync.RWMutex
)

func init() {
	log = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Init configures the global logger. It is safe to call more than once; a
// previously opened log file is closed.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var console io.Writer = cfg.Output
	if cfg.Format == "console" {
		console = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05"}
	}

	if file != nil {
		file.Close()
		file = nil
	}
	out := console
	if cfg.File != "" {
		rf, err := OpenRotatingFile(cfg.File, cfg.RotateBytes)
		if err != nil {
			return err
		}
		file = rf
		out = zerolog.MultiLevelWriter(console, rf)
	}

	log = zerolog.New(out).With().Timestamp().Logger()
	return nil
}

// Close closes the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// File returns the active rotating log file, or nil when logging to stdout only.
func File() *RotatingFile {
	mu.RLock()
	defer mu.RUnlock()
	return file
}

// Logger returns the global logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log.With().Str("component", name).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
