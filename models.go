package pipeworker

import (
	"time"
)

// ReservationStatus enumerates the possible states of a job reservation
// in a pipeline schema's jobs table.
type ReservationStatus string

const (
	StatusReserved ReservationStatus = "reserved"
	StatusError    ReservationStatus = "error"
	StatusIgnore   ReservationStatus = "ignore"
)

// StaleAction is what the reclaimer does with a stale reservation.
type StaleAction string

const (
	// StaleMarkError marks the reservation as errored so operators see it.
	StaleMarkError StaleAction = "error"

	// StaleRemove deletes the reservation so the job becomes available again.
	StaleRemove StaleAction = "remove"

	// StaleReportOnly reports stale reservations without touching them.
	StaleReportOnly StaleAction = "report"
)

// Valid reports whether a is one of the recognized actions.
func (a StaleAction) Valid() bool {
	switch a {
	case StaleMarkError, StaleRemove, StaleReportOnly:
		return true
	}
	return false
}

// JobReservation corresponds to one row in a pipeline schema's jobs table.
// Reservations are created and completed by the pipeline framework; this
// package only reads them and, for stale ones, mutates or removes them.
type JobReservation struct {
	TableName    string
	KeyHash      string
	Status       ReservationStatus
	Key          string // JSON-encoded primary key of the job
	ErrorMessage string
	User         string
	Host         string
	PID          int
	ConnectionID uint64
	ReservedAt   time.Time
}

// ErrorRecord is one row of the worker's error log. Appended when a unit
// fails; rows with the same process and key hash are updated in place.
type ErrorRecord struct {
	Process      string
	KeyHash      string
	Key          string
	ErrorMessage string
	Timestamp    time.Time
	Host         string
	User         string
	PID          int
}

// WorkerLogEntry is one row of the worker activity log, written before
// each unit execution.
type WorkerLogEntry struct {
	Process   string
	Timestamp time.Time
	Worker    string
	Host      string
	User      string
	PID       int
}

// RecentActivity summarizes worker-log rows for one process within a
// backtrack window.
type RecentActivity struct {
	Process            string
	WorkerCount        int
	MinutesSinceOldest int
	MinutesSinceNewest int
}

// TableJobStatus is the per-table reservation tally for one pipeline schema.
type TableJobStatus struct {
	TableName string
	Reserved  int
	Errored   int
	Ignored   int
}
