package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestRegistry_RegisterGet(t *testing.T) {
	reg := NewRegistry()
	n := SlackWebhook{WebhookURL: "https://example.com"}
	reg.Register("slack", n)
	if got := reg.Get("slack"); got != n {
		t.Fatalf("Get(slack): got %+v", got)
	}
	if reg.Get("nonexistent") != nil {
		t.Fatal("Get(nonexistent) should be nil")
	}
	if reg.Len() != 1 {
		t.Fatalf("Len: got %d", reg.Len())
	}
}

func TestSlackWebhook_Notify(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method: %s", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := SlackWebhook{WebhookURL: srv.URL, Channel: "#runs", Username: "stagehand"}
	if err := n.Notify(context.Background(), "run r1 blocked at Git"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if payload["text"] != "run r1 blocked at Git" {
		t.Errorf("text: got %v", payload["text"])
	}
	if payload["channel"] != "#runs" {
		t.Errorf("channel: got %v", payload["channel"])
	}
}

func TestSlackWebhook_Notify_serverError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := SlackWebhook{WebhookURL: srv.URL}
	if err := n.Notify(context.Background(), "hello"); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestWebhook_Notify_sendsHeaders(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := Webhook{URL: srv.URL, Headers: map[string]string{"Authorization": "Bearer tok"}}
	if err := n.Notify(context.Background(), "hi"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if auth != "Bearer tok" {
		t.Errorf("Authorization header: got %q", auth)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notify.yaml")
	data := `notifiers:
  - kind: slack
    url: https://hooks.example.com/T/B/x
    channel: "#releases"
  - kind: webhook
    url: https://ops.example.com/hook
    headers:
      Authorization: Bearer tok
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	reg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len: got %d, want 2", reg.Len())
	}
}

func TestLoadFile_missingFileDisables(t *testing.T) {
	reg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile missing: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("Len: got %d, want 0", reg.Len())
	}
}

func TestLoadFile_unknownKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notify.yaml")
	_ = os.WriteFile(path, []byte("notifiers:\n  - kind: pager\n    url: x\n"), 0o644)
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

// recordingNotifier collects delivered messages.
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingNotifier) Name() string { return "recording" }

func (r *recordingNotifier) Notify(_ context.Context, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingNotifier) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func TestWorker_notifiesBlockedAndTerminalOnce(t *testing.T) {
	rec := &recordingNotifier{}
	reg := NewRegistry()
	reg.Register("rec", rec)

	events := make(chan []byte, 16)
	w := &Worker{Registry: reg}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx, events)
		close(done)
	}()

	send := func(status, stage, reason string) {
		ev := map[string]any{"type": "run_update", "run_id": "r1", "status": status, "stage": stage}
		if reason != "" {
			ev["reason_code"] = reason
		}
		raw, _ := json.Marshal(ev)
		events <- raw
	}

	send("running", "Plan", "")                       // ignored
	send("blocked", "DryRun", "ENV_DOWN")             // notified
	send("blocked", "DryRun", "ENV_DOWN")             // duplicate, suppressed
	send("blocked", "Git", "APPROVAL_PENDING")        // new state, notified
	send("completed", "Git", "")                      // terminal, notified
	close(events)
	<-done
	cancel()

	msgs := rec.messages()
	if len(msgs) != 3 {
		t.Fatalf("messages: got %d (%v), want 3", len(msgs), msgs)
	}
}

func TestWorker_noNotifiersReturnsImmediately(t *testing.T) {
	w := &Worker{Registry: NewRegistry()}
	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), make(chan []byte))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit with empty registry")
	}
}
