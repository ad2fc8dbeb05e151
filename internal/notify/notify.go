// Package notify delivers run lifecycle notifications to external sinks.
// Notifiers are loaded from ~/.stagehand/notify.yaml; with no config the
// worker never starts.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Notifier is an integration that can deliver a message (e.g. Slack, a
// generic webhook receiver).
type Notifier interface {
	Name() string
	Notify(ctx context.Context, message string) error
}

// Registry holds loaded notifiers by name.
type Registry struct {
	mu        sync.RWMutex
	notifiers map[string]Notifier
}

func NewRegistry() *Registry {
	return &Registry{notifiers: make(map[string]Notifier)}
}

func (r *Registry) Register(name string, n Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifiers[name] = n
}

func (r *Registry) Get(name string) Notifier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notifiers[name]
}

// Len reports how many notifiers are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.notifiers)
}

// NotifyAll fans the message out to every registered notifier. Delivery is
// best-effort; the first error is returned after all sends are attempted.
func (r *Registry) NotifyAll(ctx context.Context, message string) error {
	r.mu.RLock()
	all := make([]Notifier, 0, len(r.notifiers))
	for _, n := range r.notifiers {
		all = append(all, n)
	}
	r.mu.RUnlock()

	var first error
	for _, n := range all {
		if err := n.Notify(ctx, message); err != nil && first == nil {
			first = fmt.Errorf("notify %s: %w", n.Name(), err)
		}
	}
	return first
}

// SlackWebhook posts messages to a Slack incoming webhook.
type SlackWebhook struct {
	WebhookURL string
	Channel    string // optional override
	Username   string // optional
	Client     *http.Client
}

func (s SlackWebhook) Name() string { return "slack" }

func (s SlackWebhook) Notify(ctx context.Context, message string) error {
	if s.WebhookURL == "" {
		return fmt.Errorf("slack webhook URL not set")
	}
	payload := map[string]any{"text": message}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	if s.Username != "" {
		payload["username"] = s.Username
	}
	return postJSON(ctx, s.client(), s.WebhookURL, nil, payload)
}

func (s SlackWebhook) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return defaultClient
}

// Webhook POSTs the raw event payload to an arbitrary HTTPS endpoint.
type Webhook struct {
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func (w Webhook) Name() string { return "webhook" }

func (w Webhook) Notify(ctx context.Context, message string) error {
	if w.URL == "" {
		return fmt.Errorf("webhook URL not set")
	}
	c := w.Client
	if c == nil {
		c = defaultClient
	}
	return postJSON(ctx, c, w.URL, w.Headers, map[string]any{"text": message})
}

var defaultClient = &http.Client{Timeout: 10 * time.Second}

func postJSON(ctx context.Context, c *http.Client, url string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// notifyFile is the on-disk shape of ~/.stagehand/notify.yaml.
type notifyFile struct {
	Notifiers []notifierConfig `yaml:"notifiers"`
}

type notifierConfig struct {
	Kind     string            `yaml:"kind"` // "slack" or "webhook"
	URL      string            `yaml:"url"`
	Channel  string            `yaml:"channel"`
	Username string            `yaml:"username"`
	Headers  map[string]string `yaml:"headers"`
}

// LoadFile reads notifier configuration from path. A missing file returns an
// empty registry and no error.
func LoadFile(path string) (*Registry, error) {
	reg := NewRegistry()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, err
	}
	var f notifyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, nc := range f.Notifiers {
		switch nc.Kind {
		case "slack":
			if nc.URL == "" {
				return nil, fmt.Errorf("notifier %d: slack requires url", i)
			}
			reg.Register(fmt.Sprintf("slack-%d", i), SlackWebhook{WebhookURL: nc.URL, Channel: nc.Channel, Username: nc.Username})
		case "webhook":
			if nc.URL == "" {
				return nil, fmt.Errorf("notifier %d: webhook requires url", i)
			}
			reg.Register(fmt.Sprintf("webhook-%d", i), Webhook{URL: nc.URL, Headers: nc.Headers})
		default:
			return nil, fmt.Errorf("notifier %d: unknown kind %q", i, nc.Kind)
		}
	}
	return reg, nil
}
