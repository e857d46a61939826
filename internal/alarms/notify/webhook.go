package notify

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	alarmapp "ess-cloud/internal/alarms/application"
)

// WebhookNotifier forwards alarm lifecycle events to an external webhook.
// Delivery is best effort; failures are logged and never block the alarm
// service.
type WebhookNotifier struct {
	url            string
	client         *http.Client
	logger         *log.Logger
	cooldown       time.Duration
	dedupeWindow   time.Duration
	requestTimeout time.Duration

	mu   sync.Mutex
	sent map[string]sendRecord
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Option configures the notifier.
type Option func(*WebhookNotifier)

// WithCooldown sets a minimum interval between deliveries for the same
// alarm and event type.
func WithCooldown(interval time.Duration) Option {
	return func(n *WebhookNotifier) {
		if interval > 0 {
			n.cooldown = interval
		}
	}
}

// WithDedupeWindow suppresses identical payloads within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *WebhookNotifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithRequestTimeout overrides the default delivery timeout.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *WebhookNotifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// NewWebhookNotifier constructs a notifier.
func NewWebhookNotifier(url string, logger *log.Logger, opts ...Option) (*WebhookNotifier, error) {
	if url == "" {
		return nil, errors.New("webhook notifier: empty url")
	}
	if logger == nil {
		return nil, errors.New("webhook notifier: nil logger")
	}
	notifier := &WebhookNotifier{
		url:            url,
		logger:         logger,
		requestTimeout: 10 * time.Second,
		sent:           make(map[string]sendRecord),
	}
	for _, opt := range opts {
		opt(notifier)
	}
	notifier.client = &http.Client{Timeout: notifier.requestTimeout}
	return notifier, nil
}

// Notify implements AlarmNotifier. Delivery runs detached from the caller's
// request context so a slow webhook cannot stall an ingest or clear path.
func (n *WebhookNotifier) Notify(_ context.Context, event alarmapp.AlarmEvent) {
	if n == nil || n.url == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if n.suppressed(eventKey(event), payload) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.requestTimeout)
		defer cancel()
		if err := n.deliver(ctx, payload); err != nil {
			n.logger.Printf("alarm webhook delivery failed: %v", err)
		}
	}()
}

func (n *WebhookNotifier) deliver(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook notifier: status %d", resp.StatusCode)
	}
	return nil
}

// suppressed applies the cooldown and dedupe window for one event key.
func (n *WebhookNotifier) suppressed(key string, payload []byte) bool {
	if n.cooldown == 0 && n.dedupeWindow == 0 {
		return false
	}
	sum := sha1.Sum(payload)
	hash := hex.EncodeToString(sum[:])
	now := time.Now()

	n.mu.Lock()
	defer n.mu.Unlock()
	record, ok := n.sent[key]
	if ok {
		if n.dedupeWindow > 0 && record.hash == hash && now.Sub(record.at) < n.dedupeWindow {
			return true
		}
		if n.cooldown > 0 && now.Sub(record.at) < n.cooldown {
			return true
		}
	}
	n.sent[key] = sendRecord{at: now, hash: hash}
	return false
}

func eventKey(event alarmapp.AlarmEvent) string {
	switch {
	case event.Alarm != nil:
		return fmt.Sprintf("%s:%d", event.Type, event.Alarm.ID)
	case event.History != nil:
		return fmt.Sprintf("%s:h%d", event.Type, event.History.ID)
	default:
		return event.Type
	}
}
