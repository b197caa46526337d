package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sciops/pipeworker"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeworker.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigMapsWorkerDefinition(t *testing.T) {
	path := writeConfig(t, `
database:
  host: db.example.org
  user: worker
  password: secret
worker:
  name: ephys-worker
  schema: lab_worker
  pipeline_schemas: [lab_ephys, lab_imaging]
  run_duration: 8h
  sleep_duration: 60s
  max_idle_cycles: 10
  stale_timeout: 24h
  stale_action: error
  autoclear_error_patterns: ["%Duplicate entry%"]
  db_prefixes: [lab_]
notify:
  webhook_url: https://hooks.example.org/T000/B000
  on_error: true
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Worker.Name != "ephys-worker" || cfg.Worker.Schema != "lab_worker" {
		t.Errorf("worker = %+v", cfg.Worker)
	}
	if len(cfg.Worker.PipelineSchemas) != 2 {
		t.Errorf("pipeline schemas = %v", cfg.Worker.PipelineSchemas)
	}

	wcfg, err := cfg.workerConfigFromFile()
	if err != nil {
		t.Fatalf("workerConfigFromFile: %v", err)
	}
	if wcfg.RunDuration != 8*time.Hour {
		t.Errorf("run duration = %v", wcfg.RunDuration)
	}
	if wcfg.SleepDuration != time.Minute {
		t.Errorf("sleep duration = %v", wcfg.SleepDuration)
	}
	if wcfg.StaleTimeout != 24*time.Hour {
		t.Errorf("stale timeout = %v", wcfg.StaleTimeout)
	}
	if wcfg.StaleAction != pipeworker.StaleMarkError {
		t.Errorf("stale action = %v", wcfg.StaleAction)
	}
	if len(wcfg.Notifiers) != 1 {
		t.Errorf("notifiers = %d, want the webhook", len(wcfg.Notifiers))
	}
	if !wcfg.NotifyOn.OnError || wcfg.NotifyOn.OnStart {
		t.Errorf("notify flags = %+v", wcfg.NotifyOn)
	}
}

func TestLoadConfigRequiresWorkerSchema(t *testing.T) {
	path := writeConfig(t, `
database:
  host: db.example.org
`)
	if _, err := loadConfig(path); err == nil {
		t.Fatal("expected an error without worker.schema")
	}
}

func TestWorkerConfigRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
worker:
  schema: lab_worker
  run_duration: eight hours
`)
	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if _, err := cfg.workerConfigFromFile(); err == nil {
		t.Fatal("expected a duration parse error")
	}
}

func TestNotifiersBuiltFromMailgunSection(t *testing.T) {
	n := notifyConfig{
		Mailgun: mailgunConfig{
			APIKey:      "key",
			Domain:      "mg.example.org",
			SenderName:  "Ops",
			SenderEmail: "ops@example.org",
			Receivers:   []string{"a@example.org"},
		},
	}
	built := n.notifiers()
	if len(built) != 1 {
		t.Fatalf("got %d notifiers, want 1", len(built))
	}
	if _, ok := built[0].(*pipeworker.EmailNotifier); !ok {
		t.Errorf("notifier type %T, want *EmailNotifier", built[0])
	}
}
