package pipeworker

import (
	"context"
	"fmt"
	"strings"
)

// PopulateResult reports the outcome of one populate call.
type PopulateResult struct {
	// SuccessCount is the number of keys the unit completed. Zero means
	// no new work was available.
	SuccessCount int
}

// Populatable is one auto-populated pipeline table, as exposed by the
// external framework. Populate runs the framework's unit-of-work
// primitive for every pending key matching the restriction.
type Populatable interface {
	// Name is the display name used in logs and notifications,
	// e.g. "analysis.SpikeSorting".
	Name() string

	// SchemaName is the database schema whose jobs table backs this unit.
	SchemaName() string

	Populate(ctx context.Context, restriction string) (PopulateResult, error)
}

// ProcessFunc is an arbitrary callable step. It reports no progress of
// its own: a worker whose registry holds only ProcessFuncs idles out
// once MaxIdleCycles is set. Use a Populatable to report progress.
type ProcessFunc func(ctx context.Context) error

// WorkUnit is one schedulable entry in the registry. Its restriction and
// notification flags are fixed at registration.
type WorkUnit struct {
	name        string
	table       Populatable // nil for plain callables
	fn          ProcessFunc
	restriction string
	notifyOn    *NotifyEvents // nil means use the worker defaults
}

// Name returns the unit's display name.
func (u *WorkUnit) Name() string { return u.name }

// Restriction returns the key-restriction applied on every execution.
func (u *WorkUnit) Restriction() string { return u.restriction }

// execute runs the unit once. Panics in user code are turned into errors
// so one unit can never take down the cycle.
func (u *WorkUnit) execute(ctx context.Context) (res PopulateResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unit %s panicked: %v", u.name, r)
		}
	}()
	if u.table != nil {
		return u.table.Populate(ctx, u.restriction)
	}
	return PopulateResult{}, u.fn(ctx)
}

// UnitOption customizes a unit at registration time.
type UnitOption func(*WorkUnit)

// WithRestriction limits a populatable unit to keys matching the given
// framework restriction.
func WithRestriction(restriction string) UnitOption {
	return func(u *WorkUnit) { u.restriction = restriction }
}

// WithNotifyOn replaces the worker's default notification flags for this
// unit only.
func WithNotifyOn(events NotifyEvents) UnitOption {
	return func(u *WorkUnit) { u.notifyOn = &events }
}

// Registry is the ordered, append-only list of units a worker executes
// each cycle. Registering the same unit twice is allowed and runs it
// twice per cycle; callers are responsible for avoiding unintended
// duplication. There is no removal: the registry is meant for static,
// startup-time configuration, and adding units while the worker runs is
// only safe between cycles.
type Registry struct {
	units []*WorkUnit
}

func (r *Registry) add(u *WorkUnit) *WorkUnit {
	r.units = append(r.units, u)
	return u
}

// Len returns the number of registered units.
func (r *Registry) Len() int { return len(r.units) }

// stripPrefixes removes the first matching prefix from a schema name.
func stripPrefixes(schema string, prefixes []string) string {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(schema, p) {
			return strings.TrimPrefix(schema, p)
		}
	}
	return schema
}

// toCamelCase converts a snake_case table name to CamelCase, the way the
// pipeline framework names its table classes.
func toCamelCase(tableName string) string {
	tableName = strings.Trim(tableName, "_#~")
	parts := strings.Split(tableName, "_")
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// processDisplayName formats "schema.Table" for logs, with configured
// schema prefixes removed.
func processDisplayName(schema, tableName string, prefixes []string) string {
	return fmt.Sprintf("%s.%s", stripPrefixes(schema, prefixes), toCamelCase(tableName))
}
