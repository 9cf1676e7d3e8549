// Package alerts dispatches best-effort notifications about detected
// attacks to external collaborators (currently a generic webhook). A send
// failure is logged and never propagated to the request pipeline.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Level is an alert's severity.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Event is a single alert-worthy occurrence.
type Event struct {
	Level      Level          `json:"level"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	SourceIP   string         `json:"source_ip,omitempty"`
	AttackType string         `json:"attack_type,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Dispatcher sends an Event to one external collaborator. Send never
// returns an error the caller is expected to act on; it reports success for
// metrics/logging purposes only.
type Dispatcher interface {
	Send(ctx context.Context, event Event) bool
}

// WebhookDispatcher POSTs the event as JSON to a configured URL.
type WebhookDispatcher struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

// NewWebhookDispatcher creates a dispatcher that POSTs to url with a bounded
// per-request timeout. If url is empty, Send is a no-op.
func NewWebhookDispatcher(url string, log *zap.Logger) *WebhookDispatcher {
	return &WebhookDispatcher{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// Send posts event as JSON. Returns false (and logs) on any failure; with
// an empty configured URL it returns false without logging.
func (d *WebhookDispatcher) Send(ctx context.Context, event Event) bool {
	if d.url == "" {
		return false
	}

	body, err := json.Marshal(event)
	if err != nil {
		if d.log != nil {
			d.log.Warn("failed to marshal alert event", zap.Error(err))
		}
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		if d.log != nil {
			d.log.Warn("failed to build webhook request", zap.Error(err))
		}
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if d.log != nil {
			d.log.Warn("webhook alert failed", zap.String("url", d.url), zap.Error(err))
		}
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		if d.log != nil {
			d.log.Warn("webhook alert rejected", zap.String("url", d.url), zap.Int("status", resp.StatusCode))
		}
		return false
	}

	if d.log != nil {
		d.log.Info("webhook alert sent", zap.String("title", event.Title))
	}
	return true
}

// Manager fans an alert out to every registered dispatcher, swallowing and
// logging individual dispatcher failures so one bad collaborator never
// blocks the others.
type Manager struct {
	dispatchers []Dispatcher
	log         *zap.Logger
}

// NewManager creates a Manager over the given dispatchers.
func NewManager(log *zap.Logger, dispatchers ...Dispatcher) *Manager {
	return &Manager{dispatchers: dispatchers, log: log}
}

// Dispatch sends event to every dispatcher. Intended to be called from its
// own goroutine by the pipeline so alerting never adds request latency.
func (m *Manager) Dispatch(ctx context.Context, event Event) {
	for _, d := range m.dispatchers {
		func() {
			defer func() {
				if r := recover(); r != nil && m.log != nil {
					m.log.Error("alert dispatcher panicked", zap.Any("recover", r))
				}
			}()
			if !d.Send(ctx, event) && m.log != nil {
				m.log.Debug("alert dispatch skipped or failed", zap.String("title", event.Title))
			}
		}()
	}
}
