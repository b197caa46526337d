package pipeworker

import (
	"context"
	"fmt"
	"time"
)

// State of the worker loop.
type State int

const (
	StateIdle State = iota
	StateRunningCycle
	StateSleeping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunningCycle:
		return "running-cycle"
	case StateSleeping:
		return "sleeping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Run drives the worker loop until a stop condition is met or the context
// is canceled. Stop conditions are evaluated only at cycle boundaries;
// the cycle in flight always completes, including its cleanup, so no job
// is left half-handled.
//
// The only errors Run returns are bootstrap failures (worker tables could
// not be created). Everything that goes wrong once the loop is running is
// recovered, logged, and kept out of the caller's way.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.store.EnsureWorkerTables(ctx); err != nil {
		return fmt.Errorf("worker %s bootstrap: %w", w.name, err)
	}
	if user, err := w.store.ConnectionUser(ctx); err == nil {
		w.user = user
	}
	if err := w.registerWorker(ctx); err != nil {
		// Registration is bookkeeping; a worker that cannot register
		// still processes jobs.
		w.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Registering worker %s failed", w.name),
			Worker:  w.name,
			Err:     err,
		})
	}

	w.cfg.logInfo(LogEvent{
		Message: fmt.Sprintf("Starting worker: %s", w.name),
		Worker:  w.name,
	})

	start := time.Now()
	idled := 0
	cycle := 0
	for {
		cycle++
		progressed := w.runCycle(ctx, cycle)
		if progressed == 0 {
			idled++
		} else {
			idled = 0
		}
		w.cleanUp(ctx)

		if reason := w.stopReason(ctx, time.Since(start), idled); reason != "" {
			w.cfg.logInfo(LogEvent{
				Message: fmt.Sprintf("Stopping worker %s: %s", w.name, reason),
				Worker:  w.name,
				Cycle:   cycle,
			})
			break
		}
		if !w.sleep(ctx) {
			w.cfg.logInfo(LogEvent{
				Message: fmt.Sprintf("Stopping worker %s: context canceled during sleep", w.name),
				Worker:  w.name,
				Cycle:   cycle,
			})
			break
		}
	}
	w.setState(StateStopped)
	return nil
}

// stopReason returns a non-empty reason when the loop must not start
// another cycle.
func (w *Worker) stopReason(ctx context.Context, elapsed time.Duration, idled int) string {
	if ctx.Err() != nil {
		return "context canceled"
	}
	if w.cfg.RunDuration > 0 && elapsed > w.cfg.RunDuration {
		return fmt.Sprintf("run duration %s exceeded", w.cfg.RunDuration)
	}
	if w.cfg.MaxIdleCycles > 0 && idled > w.cfg.MaxIdleCycles {
		return fmt.Sprintf("%d consecutive idle cycles exceeded the limit of %d", idled, w.cfg.MaxIdleCycles)
	}
	return ""
}

// sleep waits out SleepDuration, returning false if the context was
// canceled first.
func (w *Worker) sleep(ctx context.Context) bool {
	if w.cfg.SleepDuration <= 0 {
		return true
	}
	w.setState(StateSleeping)
	timer := time.NewTimer(w.cfg.SleepDuration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// runCycle executes every registered unit once, in registration order,
// and returns the total progress made. A unit failure is recorded and
// dispatched but never aborts the cycle.
func (w *Worker) runCycle(ctx context.Context, cycle int) int {
	w.setState(StateRunningCycle)
	cycleStart := time.Now()
	progressed := 0

	for _, u := range w.registry.units {
		if err := w.store.LogWorkerJob(ctx, WorkerLogEntry{
			Process:   u.name,
			Timestamp: time.Now().UTC(),
			Worker:    w.name,
			Host:      w.host,
			User:      w.user,
			PID:       w.pid,
		}); err != nil {
			w.cfg.logError(LogEvent{
				Message: fmt.Sprintf("Logging activity for %s failed", u.name),
				Worker:  w.name,
				Process: u.name,
				Cycle:   cycle,
				Err:     err,
			})
		}

		w.dispatch(ctx, u, Notification{
			Event:   EventStart,
			Message: fmt.Sprintf("Populating %s", u.name),
		})

		unitStart := time.Now()
		res, err := u.execute(ctx)
		elapsed := time.Since(unitStart)
		if err != nil {
			w.recordError(ctx, u, err)
			w.dispatch(ctx, u, Notification{
				Event:        EventError,
				Message:      fmt.Sprintf("Error populating %s", u.name),
				ErrorMessage: err.Error(),
			})
			w.cfg.logError(LogEvent{
				Message:  fmt.Sprintf("%s failed after %v", u.name, elapsed),
				Worker:   w.name,
				Process:  u.name,
				Cycle:    cycle,
				Err:      err,
				Duration: &elapsed,
			})
			continue
		}

		progressed += res.SuccessCount
		if res.SuccessCount > 0 {
			w.cfg.logInfo(LogEvent{
				Message:  fmt.Sprintf("%s completed %d jobs in %v", u.name, res.SuccessCount, elapsed),
				Worker:   w.name,
				Process:  u.name,
				Cycle:    cycle,
				Duration: &elapsed,
			})
		}
		w.dispatch(ctx, u, Notification{
			Event:   EventSuccess,
			Message: fmt.Sprintf("Success populating %s - %d jobs", u.name, res.SuccessCount),
		})
	}

	cycleElapsed := time.Since(cycleStart)
	w.cfg.logInfo(LogEvent{
		Message:  fmt.Sprintf("Cycle %d finished: %d jobs across %d units", cycle, progressed, w.registry.Len()),
		Worker:   w.name,
		Cycle:    cycle,
		Duration: &cycleElapsed,
	})
	return progressed
}

// recordError appends a unit failure to the error log. The log write
// itself failing is logged and dropped.
func (w *Worker) recordError(ctx context.Context, u *WorkUnit, unitErr error) {
	now := time.Now().UTC()
	key := fmt.Sprintf(`{"error_time": %q}`, now.Format(time.RFC3339Nano))
	rec := ErrorRecord{
		Process:      u.name,
		KeyHash:      keyHash(key),
		Key:          key,
		ErrorMessage: unitErr.Error(),
		Timestamp:    now,
		Host:         w.host,
		User:         w.user,
		PID:          w.pid,
	}
	if err := w.store.LogError(ctx, rec); err != nil {
		w.cfg.logError(LogEvent{
			Message: fmt.Sprintf("Recording error for %s failed", u.name),
			Worker:  w.name,
			Process: u.name,
			Err:     err,
		})
	}
}
