package pipeworker

import (
	"fmt"
	"time"
)

// Config holds the settings for one worker. It is fixed at construction;
// the worker never reads ambient global state.
type Config struct {
	// WorkerSchema is the database schema where the worker keeps its own
	// tables (registration, activity log, error log).
	WorkerSchema string

	// RunDuration is the maximum runtime of the loop. Zero or negative
	// means run until the idle limit triggers or the context is canceled.
	RunDuration time.Duration

	// SleepDuration is how long the worker sleeps between cycles.
	// Zero means no sleep.
	SleepDuration time.Duration

	// MaxIdleCycles stops the worker once this many consecutive cycles
	// made no progress. The worker stops after the cycle that pushes the
	// count past the limit. Zero or negative means no idle limit.
	MaxIdleCycles int

	// StaleTimeout is the age past which a reserved job may be considered
	// stale. Zero or negative disables stale-job reclaiming.
	StaleTimeout time.Duration

	// StaleAction is applied to reservations found stale. Defaults to
	// StaleMarkError.
	StaleAction StaleAction

	// AutoclearErrorPatterns are SQL LIKE patterns. Errored reservations
	// whose message matches one are copied to the error log and cleared
	// every cycle, on top of the built-in generic patterns.
	AutoclearErrorPatterns []string

	// DBPrefixes are schema-name prefixes stripped when formatting
	// process names for logs and notifications.
	DBPrefixes []string

	// LogCutoffDays is the retention for worker/error log rows.
	// Zero selects the default of 30 days.
	LogCutoffDays int

	// Notifiers receive lifecycle events for registered units.
	Notifiers []Notifier

	// NotifyOn are the default lifecycle events dispatched for a unit
	// registered without its own notification flags.
	NotifyOn NotifyEvents

	// InfoLog is called for informational logs. Defaults to stdout.
	InfoLog func(ev LogEvent)

	// ErrorLog is called for error logs. Defaults to stderr.
	ErrorLog func(ev LogEvent)
}

// ConfigError reports an invalid configuration value. It is the only
// error class surfaced at construction time; everything that can go wrong
// later is recovered and logged instead.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("pipeworker config: %s: %s", e.Field, e.Reason)
}

const defaultLogCutoffDays = 30

// validate checks the configuration and fills in defaults.
func (c *Config) validate() error {
	if c.WorkerSchema == "" {
		return &ConfigError{Field: "WorkerSchema", Reason: "must not be empty"}
	}
	if c.SleepDuration < 0 {
		return &ConfigError{Field: "SleepDuration", Reason: "must not be negative"}
	}
	if c.StaleAction == "" {
		c.StaleAction = StaleMarkError
	}
	if !c.StaleAction.Valid() {
		return &ConfigError{Field: "StaleAction", Reason: fmt.Sprintf("unknown action %q", c.StaleAction)}
	}
	if c.LogCutoffDays < 0 {
		return &ConfigError{Field: "LogCutoffDays", Reason: "must not be negative"}
	}
	if c.LogCutoffDays == 0 {
		c.LogCutoffDays = defaultLogCutoffDays
	}
	if c.InfoLog == nil {
		c.InfoLog = defaultInfoLog
	}
	if c.ErrorLog == nil {
		c.ErrorLog = defaultErrorLog
	}
	return nil
}
