// Package pipeworker runs administrative worker loops against pipelines
// built on a MySQL-backed scientific-data-pipeline framework. A worker
// repeatedly executes registered units (auto-populated tables or plain
// callables), records activity and errors in its own schema, notifies on
// lifecycle events, and reclaims job reservations abandoned by crashed
// processes. All job execution, reservation, and persistence semantics
// belong to the external framework; this package is the policy layer on
// top of its tables.
package pipeworker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Worker owns one registry of units and one loop. Concurrency across
// workers comes from running multiple worker processes against the same
// job-reservation store, not from threads inside one worker.
type Worker struct {
	name      string
	cfg       *Config
	store     JobStore
	registry  Registry
	reclaimer *Reclaimer

	// schemas are the pipeline schemas touched by registered units,
	// in first-seen order.
	schemas []string

	host string
	user string
	pid  int

	mu    sync.Mutex
	state State
}

// New builds a worker. Configuration problems are the only errors
// surfaced here; they are always of type *ConfigError.
func New(name string, store JobStore, cfg Config) (*Worker, error) {
	if name == "" {
		return nil, &ConfigError{Field: "name", Reason: "must not be empty"}
	}
	if store == nil {
		return nil, &ConfigError{Field: "store", Reason: "must not be nil"}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	w := &Worker{
		name:  name,
		cfg:   &cfg,
		store: store,
		host:  host,
		pid:   os.Getpid(),
		state: StateIdle,
	}
	w.reclaimer = &Reclaimer{
		Store:   store,
		Timeout: cfg.StaleTimeout,
		Action:  cfg.StaleAction,
	}
	return w, nil
}

// Name returns the worker's name.
func (w *Worker) Name() string { return w.name }

// State returns the loop's current state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Register appends a populatable unit to the registry and returns its
// handle. Registering while Run is active is only safe between cycles.
func (w *Worker) Register(table Populatable, opts ...UnitOption) *WorkUnit {
	u := &WorkUnit{name: table.Name(), table: table}
	for _, opt := range opts {
		opt(u)
	}
	w.trackSchema(table.SchemaName())
	return w.registry.add(u)
}

// RegisterFunc appends a plain callable to the registry.
func (w *Worker) RegisterFunc(name string, fn ProcessFunc, opts ...UnitOption) *WorkUnit {
	u := &WorkUnit{name: name, fn: fn}
	for _, opt := range opts {
		opt(u)
	}
	return w.registry.add(u)
}

// TrackSchema adds a pipeline schema to the maintenance set without
// registering a unit. Useful for workers that only clean jobs tables.
func (w *Worker) TrackSchema(schema string) {
	w.trackSchema(schema)
}

// Schemas returns the pipeline schemas covered by registered units.
func (w *Worker) Schemas() []string {
	out := make([]string, len(w.schemas))
	copy(out, w.schemas)
	return out
}

func (w *Worker) trackSchema(schema string) {
	if schema == "" {
		return
	}
	for _, s := range w.schemas {
		if s == schema {
			return
		}
	}
	w.schemas = append(w.schemas, schema)
}

// registerWorker writes the worker and its process list into the
// registration table, keyed by a hash of the full configuration. An
// unchanged configuration is not re-registered.
func (w *Worker) registerWorker(ctx context.Context) error {
	processes := make([]ProcessRegistration, 0, w.registry.Len())
	for i, u := range w.registry.units {
		p := ProcessRegistration{
			WorkerName:   w.name,
			ProcessIndex: i,
			Process:      u.name,
			Restriction:  u.restriction,
		}
		if u.table != nil {
			p.FullTableName = fmt.Sprintf("`%s`.`%s`", u.table.SchemaName(), u.table.Name())
		}
		p.ConfigUUID = hashUUID(map[string]any{
			"process_index":   p.ProcessIndex,
			"process":         p.Process,
			"full_table_name": p.FullTableName,
			"restriction":     p.Restriction,
		})
		processes = append(processes, p)
	}

	configDoc := map[string]any{
		"worker_name":              w.name,
		"worker_schema":            w.cfg.WorkerSchema,
		"run_duration":             w.cfg.RunDuration.Seconds(),
		"sleep_duration":           w.cfg.SleepDuration.Seconds(),
		"max_idle_cycles":          w.cfg.MaxIdleCycles,
		"stale_timeout":            w.cfg.StaleTimeout.Seconds(),
		"stale_action":             string(w.cfg.StaleAction),
		"autoclear_error_patterns": w.cfg.AutoclearErrorPatterns,
		"db_prefixes":              w.cfg.DBPrefixes,
	}

	processUUIDs := make(map[string]any, len(processes))
	for _, p := range processes {
		processUUIDs[fmt.Sprintf("%d", p.ProcessIndex)] = p.ConfigUUID
	}
	configUUID := hashUUID(map[string]any{
		"config":    configDoc,
		"processes": processUUIDs,
	})

	exists, err := w.store.RegistrationExists(ctx, w.name, configUUID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	configJSON, err := json.Marshal(configDoc)
	if err != nil {
		return err
	}
	reg := WorkerRegistration{
		WorkerName:       w.name,
		RegistrationTime: time.Now().UTC(),
		ConfigJSON:       string(configJSON),
		ConfigUUID:       configUUID,
	}
	if err := w.store.SaveRegistration(ctx, reg, processes); err != nil {
		return err
	}
	w.cfg.logInfo(LogEvent{
		Message: fmt.Sprintf("Worker registered: %s", w.name),
		Worker:  w.name,
	})
	return nil
}

// hashUUID derives a deterministic UUID from a JSON-encodable document.
// Go's JSON encoder writes map keys in sorted order, which keeps the
// hash stable across runs.
func hashUUID(doc map[string]any) string {
	raw, err := json.Marshal(doc)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", doc))
	}
	return uuid.NewMD5(uuid.NameSpaceOID, raw).String()
}

// keyHash is the 32-character hex hash used for error-log keys.
func keyHash(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}
