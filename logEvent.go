package pipeworker

import (
	"fmt"
	"os"
	"time"
)

// LogEvent captures information about a logging event.
type LogEvent struct {
	// A human-readable message about the event.
	Message string

	// The name of the worker that triggered the log (if any).
	Worker string

	// The process (unit) name, if available.
	Process string

	// The cycle number, counting from 1, if relevant.
	Cycle int

	// Any error associated with the event.
	Err error

	// How long the cycle or unit took, if relevant.
	Duration *time.Duration
}

func defaultInfoLog(ev LogEvent) {
	// Simple fallback to stdout
	msg := fmt.Sprintf("[pipeworker:INFO] %s", ev.Message)
	if ev.Err != nil {
		msg += fmt.Sprintf(" | error: %v", ev.Err)
	}
	_, _ = fmt.Fprintln(os.Stdout, msg)
}

func defaultErrorLog(ev LogEvent) {
	// Simple fallback to stderr
	msg := fmt.Sprintf("[pipeworker:ERROR] %s", ev.Message)
	if ev.Err != nil {
		msg += fmt.Sprintf(" | error: %v", ev.Err)
	}
	_, _ = fmt.Fprintln(os.Stderr, msg)
}

// Helper methods to invoke logging
func (c *Config) logInfo(ev LogEvent) {
	if c.InfoLog == nil {
		defaultInfoLog(ev)
		return
	}
	c.InfoLog(ev)
}

func (c *Config) logError(ev LogEvent) {
	if c.ErrorLog == nil {
		defaultErrorLog(ev)
		return
	}
	c.ErrorLog(ev)
}
