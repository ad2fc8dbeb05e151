package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ankittk/stagehand/pkg/models"
)

func TestNew(t *testing.T) {
	c := New("http://localhost:3560", "")
	if c.BaseURL != "http://localhost:3560" || c.APIKey != "" {
		t.Errorf("New: %+v", c)
	}
	c2 := New("http://localhost:3560", "secret")
	if c2.APIKey != "secret" {
		t.Errorf("New with key: %+v", c2)
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	ctx := context.Background()
	ok, err := c.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if !ok {
		t.Fatal("Health: expected ok true")
	}
}

func TestHealth_error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":"down"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	ctx := context.Background()
	_, err := c.Health(ctx)
	if err == nil {
		t.Fatal("expected error from 503")
	}
}

func TestClient_setsAPIKeyHeader(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "mykey")
	ctx := context.Background()
	_, _ = c.Health(ctx)
	if gotKey != "mykey" {
		t.Errorf("X-API-Key: got %q", gotKey)
	}
}

func TestCreateRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/runs" {
			t.Errorf("request: %s %s", r.Method, r.URL.Path)
		}
		var body CreateRunRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.Scope["project"] != "checkout" || body.Policy != "sprint" {
			t.Errorf("body: %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.Run{RunID: "r1", Status: models.RunQueued, Policy: "sprint"})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	run, err := c.CreateRun(context.Background(), CreateRunRequest{
		Scope:  map[string]string{"project": "checkout"},
		Policy: "sprint",
	})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if run.RunID != "r1" || run.Status != models.RunQueued {
		t.Errorf("CreateRun: got %+v", run)
	}
}

func TestListRuns_buildsQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	if _, err := c.ListRuns(context.Background(), "blocked", "sprint", 10); err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	want := "limit=10&policy=sprint&status=blocked"
	if gotQuery != want {
		t.Errorf("query: got %q, want %q", gotQuery, want)
	}
}

func TestRecordApproval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/runs/r1/approvals" {
			t.Errorf("path: %s", r.URL.Path)
		}
		var body ApprovalRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Approver != "dana" {
			t.Errorf("approver: %q", body.Approver)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.Approval{
			RunID: "r1", Stage: models.StageGit, Decision: models.DecisionApprove, Approver: "dana",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	ap, err := c.RecordApproval(context.Background(), "r1", ApprovalRequest{Approver: "dana"})
	if err != nil {
		t.Fatalf("RecordApproval: %v", err)
	}
	if ap.Stage != models.StageGit || ap.Decision != models.DecisionApprove {
		t.Errorf("RecordApproval: got %+v", ap)
	}
}

func TestErrorBodySurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"run is terminal"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.Cancel(context.Background(), "r1", "")
	if err == nil || err.Error() != "api POST /runs/r1/cancel: run is terminal" {
		t.Errorf("error: got %v", err)
	}
}
