package main

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"

	"github.com/sciops/pipeworker"
)

// fileConfig is the YAML worker definition the CLI commands share.
type fileConfig struct {
	Database databaseConfig `yaml:"database"`
	Worker   workerConfig   `yaml:"worker"`
	Notify   notifyConfig   `yaml:"notify"`
}

type databaseConfig struct {
	// DSN takes precedence over the discrete fields when set.
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

type workerConfig struct {
	Name   string `yaml:"name"`
	Schema string `yaml:"schema"`

	// PipelineSchemas are the schemas whose jobs tables get maintained.
	PipelineSchemas []string `yaml:"pipeline_schemas"`

	RunDuration            string   `yaml:"run_duration"`
	SleepDuration          string   `yaml:"sleep_duration"`
	MaxIdleCycles          int      `yaml:"max_idle_cycles"`
	StaleTimeout           string   `yaml:"stale_timeout"`
	StaleAction            string   `yaml:"stale_action"`
	AutoclearErrorPatterns []string `yaml:"autoclear_error_patterns"`
	DBPrefixes             []string `yaml:"db_prefixes"`
	LogCutoffDays          int      `yaml:"log_cutoff_days"`
}

type notifyConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Mailgun    mailgunConfig `yaml:"mailgun"`
	OnStart    bool          `yaml:"on_start"`
	OnSuccess  bool          `yaml:"on_success"`
	OnError    bool          `yaml:"on_error"`
}

type mailgunConfig struct {
	APIKey      string   `yaml:"api_key"`
	Domain      string   `yaml:"domain"`
	SenderName  string   `yaml:"sender_name"`
	SenderEmail string   `yaml:"sender_email"`
	Receivers   []string `yaml:"receivers"`
}

func loadConfig(path string) (*fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Worker.Schema == "" {
		return nil, fmt.Errorf("config %s: worker.schema is required", path)
	}
	return &cfg, nil
}

// open connects to the database, building the DSN from discrete fields
// when one was not given verbatim.
func (d *databaseConfig) open() (*sql.DB, error) {
	dsn := d.DSN
	if dsn == "" {
		mc := mysql.NewConfig()
		mc.User = d.User
		mc.Passwd = d.Password
		mc.Net = "tcp"
		port := d.Port
		if port == 0 {
			port = 3306
		}
		mc.Addr = fmt.Sprintf("%s:%d", d.Host, port)
		mc.ParseTime = true
		dsn = mc.FormatDSN()
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", field, err)
	}
	return d, nil
}

// workerConfigFromFile maps the YAML definition onto the library config.
func (c *fileConfig) workerConfigFromFile() (pipeworker.Config, error) {
	runDur, err := parseDuration("worker.run_duration", c.Worker.RunDuration)
	if err != nil {
		return pipeworker.Config{}, err
	}
	sleepDur, err := parseDuration("worker.sleep_duration", c.Worker.SleepDuration)
	if err != nil {
		return pipeworker.Config{}, err
	}
	staleTimeout, err := parseDuration("worker.stale_timeout", c.Worker.StaleTimeout)
	if err != nil {
		return pipeworker.Config{}, err
	}

	cfg := pipeworker.Config{
		WorkerSchema:           c.Worker.Schema,
		RunDuration:            runDur,
		SleepDuration:          sleepDur,
		MaxIdleCycles:          c.Worker.MaxIdleCycles,
		StaleTimeout:           staleTimeout,
		StaleAction:            pipeworker.StaleAction(c.Worker.StaleAction),
		AutoclearErrorPatterns: c.Worker.AutoclearErrorPatterns,
		DBPrefixes:             c.Worker.DBPrefixes,
		LogCutoffDays:          c.Worker.LogCutoffDays,
		Notifiers:              c.Notify.notifiers(),
		NotifyOn: pipeworker.NotifyEvents{
			OnStart:   c.Notify.OnStart,
			OnSuccess: c.Notify.OnSuccess,
			OnError:   c.Notify.OnError,
		},
	}
	return cfg, nil
}

func (n *notifyConfig) notifiers() []pipeworker.Notifier {
	var out []pipeworker.Notifier
	if n.WebhookURL != "" {
		out = append(out, &pipeworker.WebhookNotifier{URL: n.WebhookURL})
	}
	if n.Mailgun.APIKey != "" {
		out = append(out, &pipeworker.EmailNotifier{
			APIKey:      n.Mailgun.APIKey,
			Domain:      n.Mailgun.Domain,
			SenderName:  n.Mailgun.SenderName,
			SenderEmail: n.Mailgun.SenderEmail,
			Receivers:   n.Mailgun.Receivers,
		})
	}
	return out
}
