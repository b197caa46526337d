package pipeworker

import (
	"context"
	"fmt"
	"time"
)

// genericErrorPatterns match transient failures that are safe to clear
// from a jobs table without operator review.
var genericErrorPatterns = []string{
	"%Deadlock%",
	"%Lock wait timeout%",
	"%SIGTERM%",
	"%Lost connection%",
	"%Server shutdown%",
	"%Connection refused%",
}

const staleErrorMessage = "Stale reserved job (process crashed or terminated without error)"

// Reclaimer applies the stale-reservation policy to a pipeline schema.
// A reservation is stale only when BOTH hold: it has been reserved longer
// than Timeout, and the owning database connection is no longer alive.
// When liveness cannot be determined, nothing is touched.
//
// Reservations are shared with other worker processes; a reservation that
// was already completed or mutated by someone else is skipped silently.
type Reclaimer struct {
	Store   JobStore
	Timeout time.Duration
	Action  StaleAction
}

// Reclaim scans one schema's jobs table and applies the configured
// action to every stale reservation. It returns the reservations acted
// on (or, for StaleReportOnly, merely found). An empty result is not an
// error. A non-nil error alongside partial results means some records
// could not be processed.
func (rc *Reclaimer) Reclaim(ctx context.Context, schema string) ([]JobReservation, error) {
	if rc.Timeout <= 0 {
		return nil, nil
	}

	stale, err := rc.Store.StaleReservations(ctx, schema, rc.Timeout)
	if err != nil {
		return nil, fmt.Errorf("scan reservations in %s: %w", schema, err)
	}
	if len(stale) == 0 {
		return nil, nil
	}

	alive, err := rc.Store.ActiveConnections(ctx)
	if err != nil {
		// Cannot tell which owners are dead. Skip the whole pass rather
		// than assume staleness.
		return nil, fmt.Errorf("liveness check for %s: %w", schema, err)
	}

	var affected []JobReservation
	var lastErr error
	for _, r := range stale {
		if _, ok := alive[r.ConnectionID]; ok {
			continue // owner still connected, job may be in progress
		}
		switch rc.Action {
		case StaleReportOnly:
			affected = append(affected, r)
		case StaleRemove:
			ok, err := rc.Store.DeleteReservation(ctx, schema, r)
			if err != nil {
				lastErr = err
				continue
			}
			if ok {
				affected = append(affected, r)
			}
		case StaleMarkError:
			ok, err := rc.Store.MarkReservationError(ctx, schema, r, staleErrorMessage)
			if err != nil {
				lastErr = err
				continue
			}
			if ok {
				affected = append(affected, r)
			}
		}
	}
	return affected, lastErr
}

// cleanUp runs the end-of-cycle maintenance for every pipeline schema
// touched by the registry: clear generic error jobs, archive-and-clear
// configured error patterns, reclaim stale reservations, prune old logs.
// All failures here are logged and swallowed; maintenance never stops
// the worker.
func (w *Worker) cleanUp(ctx context.Context) {
	for _, schema := range w.schemas {
		if n, err := w.store.ClearErrorReservations(ctx, schema, genericErrorPatterns); err != nil {
			w.cfg.logError(LogEvent{
				Message: fmt.Sprintf("Clearing generic error jobs in %s failed", schema),
				Worker:  w.name,
				Err:     err,
			})
		} else if n > 0 {
			w.cfg.logInfo(LogEvent{
				Message: fmt.Sprintf("Cleared %d generic error jobs in %s", n, schema),
				Worker:  w.name,
			})
		}

		w.autoclearErrors(ctx, schema)

		affected, err := w.reclaimer.Reclaim(ctx, schema)
		if err != nil {
			w.cfg.logError(LogEvent{
				Message: fmt.Sprintf("Stale-job reclaim in %s incomplete", schema),
				Worker:  w.name,
				Err:     err,
			})
		}
		for _, r := range affected {
			w.cfg.logInfo(LogEvent{
				Message: fmt.Sprintf("Stale job (%s) %s -> %s.%s",
					w.cfg.StaleAction, r.Key, schema, r.TableName),
				Worker: w.name,
			})
		}
	}

	if err := w.store.PruneLogs(ctx, w.cfg.LogCutoffDays); err != nil {
		w.cfg.logError(LogEvent{
			Message: "Pruning old worker logs failed",
			Worker:  w.name,
			Err:     err,
		})
	}
}

// autoclearErrors copies error jobs matching the configured patterns
// into the worker's error log, then deletes them from the jobs table.
func (w *Worker) autoclearErrors(ctx context.Context, schema string) {
	if len(w.cfg.AutoclearErrorPatterns) == 0 {
		return
	}
	matches, err := w.store.ErrorReservations(ctx, schema, w.cfg.AutoclearErrorPatterns)
	if err != nil {
		w.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Fetching autoclear error jobs in %s failed", schema),
			Worker:  w.name,
			Err:     err,
		})
		return
	}
	for _, r := range matches {
		rec := ErrorRecord{
			Process:      processDisplayName(schema, r.TableName, w.cfg.DBPrefixes),
			KeyHash:      r.KeyHash,
			Key:          r.Key,
			ErrorMessage: r.ErrorMessage,
			Timestamp:    r.ReservedAt,
			Host:         r.Host,
			User:         r.User,
			PID:          r.PID,
		}
		if err := w.store.LogError(ctx, rec); err != nil {
			w.cfg.logError(LogEvent{
				Message: fmt.Sprintf("Archiving error job %s -> %s.%s failed", r.Key, schema, r.TableName),
				Worker:  w.name,
				Err:     err,
			})
			return // keep the jobs-table rows until they are archived
		}
	}
	if _, err := w.store.ClearErrorReservations(ctx, schema, w.cfg.AutoclearErrorPatterns); err != nil {
		w.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Clearing autoclear error jobs in %s failed", schema),
			Worker:  w.name,
			Err:     err,
		})
	}
}
