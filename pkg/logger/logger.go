// Package logger configures the process-wide zerolog logger used by the tether CLI.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LogConfig holds logger configuration.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // console, json
	File   string `json:"file" mapstructure:"file"`     // log file path, empty means no file
	// Quiet raises the level to error regardless of Level.
	Quiet bool `json:"-" mapstructure:"-"`
	// Output replaces stderr as the primary sink.
	Output io.Writer `json:"-" mapstructure:"-"`
}

var (
	globalLogger zerolog.Logger
	logFile      *os.File
	mu           sync.RWMutex
	initialized  bool
)

// parseLevel maps a config level name onto zerolog. Unknown or empty
// names fall back to info; "warning" is accepted as an alias.
func parseLevel(name string) zerolog.Level {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "warning" {
		name = "warn"
	}
	level, err := zerolog.ParseLevel(name)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// Init (re)initializes the global logger. A log file opened by an earlier
// call is closed first.
func Init(config LogConfig) error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	level := parseLevel(config.Level)
	if config.Quiet {
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	var writers []io.Writer
	if strings.ToLower(config.Format) == "console" {
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05.000",
		})
	} else {
		writers = append(writers, out)
	}

	if config.File != "" {
		f, err := os.OpenFile(config.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("open log file %s: %w", config.File, err)
		}
		logFile = f
		writers = append(writers, f)
	}

	output := writers[0]
	if len(writers) > 1 {
		output = zerolog.MultiLevelWriter(writers...)
	}

	globalLogger = zerolog.New(output).Level(level).With().Timestamp().Logger()
	initialized = true
	return nil
}

// Get returns the global logger instance.
func Get() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if !initialized {
		l := zerolog.New(os.Stderr).With().Timestamp().Logger()
		return &l
	}
	return &globalLogger
}

// Component returns a child of the global logger tagged with name.
func Component(name string) zerolog.Logger {
	return Get().With().Str("component", name).Logger()
}

// Close closes the log file if opened.
func Close() error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		err := logFile.Close()
		logFile = nil
		return err
	}
	return nil
}

// Debug returns a debug level event.
func Debug() *zerolog.Event { return Get().Debug() }

// Info returns an info level event.
func Info() *zerolog.Event { return Get().Info() }

// Warn returns a warn level event.
func Warn() *zerolog.Event { return Get().Warn() }

// Error returns an error level event.
func Error() *zerolog.Event { return Get().Error() }
