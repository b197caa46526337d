package pipeworker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/sciops/pipeworker"
)

func TestNewRejectsBadConfiguration(t *testing.T) {
	store := &fakeStore{}

	cases := []struct {
		name string
		run  func() (*pipeworker.Worker, error)
	}{
		{"empty worker name", func() (*pipeworker.Worker, error) {
			return pipeworker.New("", store, pipeworker.Config{WorkerSchema: "w"})
		}},
		{"nil store", func() (*pipeworker.Worker, error) {
			return pipeworker.New("w", nil, pipeworker.Config{WorkerSchema: "w"})
		}},
		{"empty worker schema", func() (*pipeworker.Worker, error) {
			return pipeworker.New("w", store, pipeworker.Config{})
		}},
		{"negative sleep", func() (*pipeworker.Worker, error) {
			return pipeworker.New("w", store, pipeworker.Config{
				WorkerSchema:  "w",
				SleepDuration: -time.Second,
			})
		}},
		{"unknown stale action", func() (*pipeworker.Worker, error) {
			return pipeworker.New("w", store, pipeworker.Config{
				WorkerSchema: "w",
				StaleAction:  "purge",
			})
		}},
		{"negative log cutoff", func() (*pipeworker.Worker, error) {
			return pipeworker.New("w", store, pipeworker.Config{
				WorkerSchema:  "w",
				LogCutoffDays: -1,
			})
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.run()
			if err == nil {
				t.Fatal("expected a construction error")
			}
			var cfgErr *pipeworker.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("error %v is not a *ConfigError", err)
			}
		})
	}
}

func TestNewAcceptsUnlimitedDurations(t *testing.T) {
	store := &fakeStore{}
	w, err := pipeworker.New("forever", store, pipeworker.Config{
		WorkerSchema:  "w",
		RunDuration:   -1,
		MaxIdleCycles: -1,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if w.Name() != "forever" {
		t.Errorf("name = %q", w.Name())
	}
	if w.State() != pipeworker.StateIdle {
		t.Errorf("initial state = %v, want idle", w.State())
	}
}
