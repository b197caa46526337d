package pipeworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// LifecycleEvent identifies a point in a unit's execution.
type LifecycleEvent string

const (
	EventStart   LifecycleEvent = "start"
	EventSuccess LifecycleEvent = "success"
	EventError   LifecycleEvent = "error"
)

// NotifyEvents selects which lifecycle events get dispatched for a unit.
type NotifyEvents struct {
	OnStart   bool
	OnSuccess bool
	OnError   bool
}

func (n NotifyEvents) enabled(ev LifecycleEvent) bool {
	switch ev {
	case EventStart:
		return n.OnStart
	case EventSuccess:
		return n.OnSuccess
	case EventError:
		return n.OnError
	}
	return false
}

// Notification is the payload delivered to each notifier.
type Notification struct {
	Event        LifecycleEvent
	Worker       string
	Process      string
	Message      string
	ErrorMessage string
	Time         time.Time
}

// Title renders the subject line used by the bundled notifiers.
func (n Notification) Title() string {
	return fmt.Sprintf("Pipeline populate - %s - %s", n.Process, strings.ToUpper(string(n.Event)))
}

// Body renders the message text used by the bundled notifiers.
func (n Notification) Body() string {
	body := n.Message
	if n.ErrorMessage != "" {
		body += "\n" + n.ErrorMessage
	}
	return body
}

// Notifier delivers one notification to one channel. Implementations are
// called fire-and-forget: a returned error is logged and the remaining
// notifiers still run.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// dispatch fans a lifecycle event out to the configured notifiers,
// honoring the unit's own flags when set. Notifier failures never
// propagate and never block the loop.
func (w *Worker) dispatch(ctx context.Context, u *WorkUnit, n Notification) {
	flags := w.cfg.NotifyOn
	if u.notifyOn != nil {
		flags = *u.notifyOn
	}
	if !flags.enabled(n.Event) {
		return
	}
	n.Worker = w.name
	n.Process = u.name
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}
	for _, notifier := range w.cfg.Notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			w.cfg.logError(LogEvent{
				Message: fmt.Sprintf("Notification (%s) for %s failed", n.Event, u.name),
				Worker:  w.name,
				Process: u.name,
				Err:     err,
			})
		}
	}
}

func notifyClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// EmailNotifier sends notifications through a Mailgun-compatible
// messages API.
type EmailNotifier struct {
	APIKey      string
	Domain      string
	SenderName  string
	SenderEmail string
	Receivers   []string

	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string

	// Client overrides the HTTP client. Defaults to a 10s-timeout client.
	Client *http.Client
}

func (e *EmailNotifier) Notify(ctx context.Context, n Notification) error {
	base := e.BaseURL
	if base == "" {
		base = "https://api.mailgun.net/v3"
	}
	form := url.Values{
		"from":    {fmt.Sprintf("%s <%s>", e.SenderName, e.SenderEmail)},
		"bcc":     {strings.Join(e.Receivers, ",")},
		"subject": {n.Title()},
		"text":    {n.Body()},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s/messages", base, e.Domain),
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("api", e.APIKey)

	resp, err := notifyClient(e.Client).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("mailgun: unexpected status %s", resp.Status)
	}
	return nil
}

// WebhookNotifier posts notifications to a chat webhook (Slack-style
// "text" payload).
type WebhookNotifier struct {
	URL string

	// Client overrides the HTTP client. Defaults to a 10s-timeout client.
	Client *http.Client
}

func (s *WebhookNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("#%s\n```%s```", n.Title(), n.Body()),
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := notifyClient(s.Client).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("webhook: unexpected status %s", resp.Status)
	}
	return nil
}
