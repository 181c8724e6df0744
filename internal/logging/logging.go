// Package logging configures the process logger and hands out component
// loggers that carry the component name as their prefix.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Setup replaces the default logger. An empty level means info.
func Setup(level string, w io.Writer) error {
	if w == nil {
		w = os.Stderr
	}
	lvl := log.InfoLevel
	if s := strings.TrimSpace(level); s != "" {
		parsed, err := log.ParseLevel(strings.ToLower(s))
		if err != nil {
			return fmt.Errorf("log level %q: %w", level, err)
		}
		lvl = parsed
	}
	log.SetDefault(log.NewWithOptions(w, log.Options{
		Level:           lvl,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	}))
	return nil
}

// For returns a logger for one component, e.g. For("retention").
func For(component string) *log.Logger {
	return log.Default().WithPrefix(component)
}

// Discard is a logger that drops everything.
func Discard() *log.Logger {
	return log.New(io.Discard)
}
