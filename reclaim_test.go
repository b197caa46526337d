package pipeworker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sciops/pipeworker"
)

func reservation(keyHash string, age time.Duration, connID uint64) pipeworker.JobReservation {
	return pipeworker.JobReservation{
		TableName:    "__spike_sorting",
		KeyHash:      keyHash,
		Status:       pipeworker.StatusReserved,
		Key:          `{"session_id": 1}`,
		ConnectionID: connID,
		ReservedAt:   time.Now().Add(-age),
	}
}

func TestReclaimMarksStaleJobsWithDeadConnections(t *testing.T) {
	store := &fakeStore{
		reservations: map[string][]pipeworker.JobReservation{
			"pipe": {
				reservation("dead-old", 30*time.Hour, 101),
				reservation("live-old", 30*time.Hour, 202),
				reservation("dead-young", 10*time.Hour, 303),
			},
		},
		alive: map[uint64]struct{}{202: {}},
	}
	rc := &pipeworker.Reclaimer{
		Store:   store,
		Timeout: 24 * time.Hour,
		Action:  pipeworker.StaleMarkError,
	}

	affected, err := rc.Reclaim(context.Background(), "pipe")
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if len(affected) != 1 || affected[0].KeyHash != "dead-old" {
		t.Fatalf("affected = %+v, want only dead-old", affected)
	}
	if len(store.marked) != 1 || store.marked[0] != "dead-old" {
		t.Errorf("marked = %v, want [dead-old]", store.marked)
	}
	if len(store.removed) != 0 {
		t.Errorf("removed = %v, want none for mark-error action", store.removed)
	}
}

func TestReclaimRemoveAction(t *testing.T) {
	store := &fakeStore{
		reservations: map[string][]pipeworker.JobReservation{
			"pipe": {reservation("dead-old", 48 * time.Hour, 7)},
		},
		alive: map[uint64]struct{}{},
	}
	rc := &pipeworker.Reclaimer{
		Store:   store,
		Timeout: 24 * time.Hour,
		Action:  pipeworker.StaleRemove,
	}

	affected, err := rc.Reclaim(context.Background(), "pipe")
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if len(affected) != 1 {
		t.Fatalf("affected = %+v, want one", affected)
	}
	if len(store.removed) != 1 || store.removed[0] != "dead-old" {
		t.Errorf("removed = %v", store.removed)
	}
	if len(store.marked) != 0 {
		t.Errorf("marked = %v, want none for remove action", store.marked)
	}
}

func TestReclaimReportOnlyTouchesNothing(t *testing.T) {
	store := &fakeStore{
		reservations: map[string][]pipeworker.JobReservation{
			"pipe": {reservation("dead-old", 48 * time.Hour, 7)},
		},
		alive: map[uint64]struct{}{},
	}
	rc := &pipeworker.Reclaimer{
		Store:   store,
		Timeout: 24 * time.Hour,
		Action:  pipeworker.StaleReportOnly,
	}

	affected, err := rc.Reclaim(context.Background(), "pipe")
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if len(affected) != 1 {
		t.Fatalf("affected = %+v, want one reported", affected)
	}
	if len(store.marked) != 0 || len(store.removed) != 0 {
		t.Errorf("report-only mutated the store: marked=%v removed=%v", store.marked, store.removed)
	}
}

func TestReclaimIndeterminateLivenessSkipsEverything(t *testing.T) {
	store := &fakeStore{
		reservations: map[string][]pipeworker.JobReservation{
			"pipe": {reservation("dead-old", 48 * time.Hour, 7)},
		},
		aliveErr: errors.New("server has gone away"),
	}
	rc := &pipeworker.Reclaimer{
		Store:   store,
		Timeout: 24 * time.Hour,
		Action:  pipeworker.StaleMarkError,
	}

	affected, err := rc.Reclaim(context.Background(), "pipe")
	if err == nil {
		t.Fatal("expected an error when liveness cannot be determined")
	}
	if len(affected) != 0 || len(store.marked) != 0 || len(store.removed) != 0 {
		t.Errorf("indeterminate liveness must touch nothing: affected=%v marked=%v removed=%v",
			affected, store.marked, store.removed)
	}
}

func TestReclaimDisabledWhenTimeoutNotPositive(t *testing.T) {
	store := &fakeStore{
		reservations: map[string][]pipeworker.JobReservation{
			"pipe": {reservation("dead-old", 480 * time.Hour, 7)},
		},
		alive: map[uint64]struct{}{},
	}
	rc := &pipeworker.Reclaimer{
		Store:  store,
		Action: pipeworker.StaleMarkError,
	}

	affected, err := rc.Reclaim(context.Background(), "pipe")
	if err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	if affected != nil {
		t.Errorf("affected = %+v, want nil with zero timeout", affected)
	}
}

func TestReclaimConcurrentMutationIsBenign(t *testing.T) {
	store := &fakeStore{
		reservations: map[string][]pipeworker.JobReservation{
			"pipe": {
				reservation("taken", 48*time.Hour, 7),
				reservation("free", 48*time.Hour, 8),
			},
		},
		alive:      map[uint64]struct{}{},
		markDenied: map[string]bool{"taken": true},
	}
	rc := &pipeworker.Reclaimer{
		Store:   store,
		Timeout: 24 * time.Hour,
		Action:  pipeworker.StaleMarkError,
	}

	affected, err := rc.Reclaim(context.Background(), "pipe")
	if err != nil {
		t.Fatalf("a row mutated by another worker must not be an error, got %v", err)
	}
	if len(affected) != 1 || affected[0].KeyHash != "free" {
		t.Errorf("affected = %+v, want only the free reservation", affected)
	}
}

func TestReclaimEmptySchemaIsNotAnError(t *testing.T) {
	store := &fakeStore{alive: map[uint64]struct{}{}}
	rc := &pipeworker.Reclaimer{
		Store:   store,
		Timeout: 24 * time.Hour,
		Action:  pipeworker.StaleRemove,
	}
	affected, err := rc.Reclaim(context.Background(), "pipe")
	if err != nil {
		t.Fatalf("Reclaim on empty schema: %v", err)
	}
	if len(affected) != 0 {
		t.Errorf("affected = %+v, want none", affected)
	}
}
