// Package httpapi serves the Stagehand HTTP API: run CRUD, the ordered run
// timeline, approvals, operator resume/cancel, contract and policy inspection,
// an SSE event stream, and the embedded dashboard.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ankittk/stagehand/internal/contract"
	"github.com/ankittk/stagehand/internal/evidence"
	"github.com/ankittk/stagehand/internal/executor"
	"github.com/ankittk/stagehand/internal/gate"
	"github.com/ankittk/stagehand/internal/otel"
	"github.com/ankittk/stagehand/internal/policy"
	"github.com/ankittk/stagehand/internal/store"
	"github.com/ankittk/stagehand/internal/store/postgres"
	"github.com/ankittk/stagehand/internal/ui"
	"github.com/ankittk/stagehand/internal/workflow"
	"github.com/ankittk/stagehand/pkg/models"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// limitBody wraps r.Body with http.MaxBytesReader so handlers cannot read more
// than maxBytes. Call this for requests that have a body before decoding JSON.
func limitBody(w http.ResponseWriter, r *http.Request, maxBytes int64) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
}

// bodyLimitMiddleware limits request body size for POST, PUT, PATCH to prevent OOM.
func bodyLimitMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			limitBody(w, r, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware sets CORS headers for dev mode (dashboard served from a
// different origin).
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ServerOptions configures the HTTP server (home dir, listen addr, API key,
// store, invoker, metrics).
type ServerOptions struct {
	Home           string
	Addr           string
	Dev            bool
	APIKey         string           // if set, require X-API-Key header or query api_key
	DBDriver       string           // "sqlite" (default) or "postgres"
	DBURL          string           // for postgres: connection string (or set STAGEHAND_DB env)
	Version        string           // reported by /version
	Invoker        executor.Invoker // nil uses the stub invoker
	MetricsHandler http.Handler     // if set, used for /metrics (e.g. OTel Prometheus handler)
	UseOtelHTTP    bool             // if true, wrap handler with otelhttp for request metrics
}

// App holds the HTTP server, the SSE hub, and the engine wiring shared with
// the daemon scheduler.
type App struct {
	Server   *http.Server
	Hub      *SSEHub
	Store    store.Store
	Registry *contract.Registry
	Policies *policy.Set
	Gate     *gate.Gate
	Engine   *workflow.Engine
	Home     string
}

// NewApp creates the HTTP app and registers all routes.
func NewApp(opts ServerOptions) (*App, error) {
	hub := NewSSEHub()
	mux := http.NewServeMux()
	ctx := context.Background()

	var st store.Store
	var err error
	if opts.DBDriver == "postgres" {
		st, err = postgres.Open(opts.DBURL)
	} else {
		st, err = store.Open(opts.Home)
	}
	if err != nil {
		return nil, err
	}

	registry := contract.NewRegistry(st)
	if err := registry.Init(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}
	if opts.Home != "" {
		if err := loadHomeContracts(ctx, registry, opts.Home); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	policies := policy.NewSet()
	if opts.Home != "" {
		if err := policies.LoadFile(filepath.Join(opts.Home, "policies.yaml")); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	profiles := executor.DefaultProfiles()
	if opts.Home != "" {
		profiles, err = executor.LoadProfiles(filepath.Join(opts.Home, "profiles.yaml"))
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	var ev *evidence.Dir
	if opts.Home != "" {
		ev = &evidence.Dir{Home: opts.Home}
	}

	inv := opts.Invoker
	if inv == nil {
		inv = executor.StubInvoker{Registry: registry}
	}

	g := gate.New(st)
	engine := &workflow.Engine{
		Store:    st,
		Policies: policies,
		Gate:     g,
		Executor: &executor.Executor{
			Store:    st,
			Registry: registry,
			Invoker:  inv,
			Profiles: profiles,
			Evidence: ev,
		},
		Evidence: ev,
		Publish:  hub.PublishJSON,
	}

	app := &App{
		Hub:      hub,
		Store:    st,
		Registry: registry,
		Policies: policies,
		Gate:     g,
		Engine:   engine,
		Home:     opts.Home,
	}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	})

	version := opts.Version
	if version == "" {
		version = "dev"
	}
	mux.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"version": version})
	})

	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	} else {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			counts, _ := st.CountRunsByStatus(r.Context())
			_, _ = fmt.Fprintf(w, "# TYPE stagehand_runs_total gauge\n")
			for _, status := range []string{models.RunQueued, models.RunRunning, models.RunBlocked, models.RunCompleted, models.RunFailed} {
				_, _ = fmt.Fprintf(w, "stagehand_runs_total{status=%q} %d\n", status, counts[status])
			}
		})
	}

	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		driver := opts.DBDriver
		if driver == "" {
			driver = "sqlite"
		}
		writeJSON(w, models.Config{
			Home:        opts.Home,
			Store:       driver,
			PolicyNames: policies.Names(),
		})
	})

	mux.HandleFunc("/stream", hub.Handler())

	mux.HandleFunc("/runs", app.handleRuns)
	mux.HandleFunc("/runs/", app.handleRunByID)
	mux.HandleFunc("/contracts", app.handleContracts)
	mux.HandleFunc("/contracts/", app.handleContractByStage)
	mux.HandleFunc("/policies", app.handlePolicies)
	mux.HandleFunc("/policies/", app.handlePolicyByName)

	// Dashboard: embedded single-page run board.
	mux.Handle("/", ui.Handler())

	var handler http.Handler = mux
	handler = bodyLimitMiddleware(models.DefaultMaxRequestBodyBytes, handler)
	if opts.Dev {
		handler = corsMiddleware(handler)
	}
	if opts.APIKey != "" {
		handler = apiKeyMiddleware(opts.APIKey, handler)
	}
	handler = requestLogMiddleware(handler)
	if opts.UseOtelHTTP {
		handler = otelhttp.NewHandler(handler, "stagehand")
	}
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	srv.RegisterOnShutdown(func() {
		_ = st.Close()
	})
	app.Server = srv
	return app, nil
}

// loadHomeContracts registers ~/.stagehand/contracts.yaml only when it
// differs from the active set, so a restart does not mint a new version.
func loadHomeContracts(ctx context.Context, registry *contract.Registry, home string) error {
	stages, err := contract.LoadFile(filepath.Join(home, "contracts.yaml"))
	if err != nil {
		return err
	}
	if stages == nil {
		return nil
	}
	next, err := contract.EncodeSet(stages)
	if err != nil {
		return err
	}
	current, err := contract.EncodeSet(registry.Current().Stages)
	if err != nil {
		return err
	}
	if next == current {
		return nil
	}
	_, err = registry.Register(ctx, stages)
	return err
}

// handleRuns serves GET /runs (list) and POST /runs (create).
func (app *App) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := store.RunFilter{
			Status: r.URL.Query().Get("status"),
			Policy: r.URL.Query().Get("policy"),
		}
		if l := r.URL.Query().Get("limit"); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n <= 0 {
				writeJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			if n > models.DefaultRunListLimit {
				n = models.DefaultRunListLimit
			}
			filter.Limit = n
		}
		runs, err := app.Store.ListRuns(r.Context(), filter)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out := make([]models.Run, 0, len(runs))
		for i := range runs {
			out = append(out, apiRun(&runs[i]))
		}
		writeJSON(w, out)

	case http.MethodPost:
		var body struct {
			Scope   map[string]string `json:"scope"`
			Policy  string            `json:"policy"`
			LoopCap int               `json:"loop_cap"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Policy == "" {
			body.Policy = models.PolicySprint
		}
		pol, err := app.Policies.Get(body.Policy)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		run, err := app.Store.CreateRun(r.Context(), store.CreateRunParams{
			Scope:         body.Scope,
			Policy:        pol.Name,
			LoopCap:       body.LoopCap,
			RequiredScope: pol.RequiredScope,
		})
		if err != nil {
			writeJSONError(w, errStatus(err), err.Error())
			return
		}
		otel.RecordRunOp(r.Context(), "create", pol.Name, run.Status)
		app.Hub.PublishJSON(map[string]any{"type": "run_update", "run_id": run.RunID, "status": run.Status})
		writeJSON(w, apiRun(&run))

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleRunByID serves /runs/{id} and its sub-resources.
func (app *App) handleRunByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.Split(rest, "/")
	if len(parts) < 1 || parts[0] == "" || len(parts) > 2 {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	runID := parts[0]
	sub := ""
	if len(parts) == 2 {
		sub = parts[1]
	}

	switch sub {
	case "":
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		run, err := app.Store.GetRun(r.Context(), runID)
		if err != nil {
			writeJSONError(w, errStatus(err), err.Error())
			return
		}
		writeJSON(w, apiRun(run))

	case "summary":
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		summary, err := app.Store.GetRunSummary(r.Context(), runID)
		if err != nil {
			writeJSONError(w, errStatus(err), err.Error())
			return
		}
		writeJSON(w, apiSummary(summary))

	case "executions":
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		execs, err := app.Store.ListStageExecutions(r.Context(), runID)
		if err != nil {
			writeJSONError(w, errStatus(err), err.Error())
			return
		}
		out := make([]models.StageExecution, 0, len(execs))
		for i := range execs {
			out = append(out, apiExecution(&execs[i]))
		}
		writeJSON(w, out)

	case "transitions":
		if r.Method != http.MethodGet {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		transitions, err := app.Store.ListLoopTransitions(r.Context(), runID)
		if err != nil {
			writeJSONError(w, errStatus(err), err.Error())
			return
		}
		out := make([]models.LoopTransition, 0, len(transitions))
		for i := range transitions {
			out = append(out, apiTransition(&transitions[i]))
		}
		writeJSON(w, out)

	case "approvals":
		app.handleRunApprovals(w, r, runID)

	case "resume":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body struct {
			Operator string `json:"operator"`
			Comment  string `json:"comment"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Operator == "" {
			body.Operator = "api"
		}
		run, err := app.Engine.Resume(r.Context(), runID, body.Operator, body.Comment)
		if err != nil {
			writeJSONError(w, errStatus(err), err.Error())
			return
		}
		writeJSON(w, apiRun(run))

	case "cancel":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		run, err := app.Store.CancelRun(r.Context(), runID, body.Detail)
		if err != nil {
			writeJSONError(w, errStatus(err), err.Error())
			return
		}
		otel.RecordRunOp(r.Context(), "cancel", run.Policy, run.Status)
		app.Hub.PublishJSON(map[string]any{"type": "run_update", "run_id": run.RunID, "status": run.Status, "reason_code": models.ReasonCancelled})
		writeJSON(w, apiRun(run))

	case "advance":
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		run, err := app.Engine.Tick(r.Context(), runID)
		if err != nil {
			writeJSONError(w, errStatus(err), err.Error())
			return
		}
		writeJSON(w, apiRun(run))

	default:
		writeJSONError(w, http.StatusNotFound, "not found")
	}
}

// handleRunApprovals serves GET and POST /runs/{id}/approvals.
func (app *App) handleRunApprovals(w http.ResponseWriter, r *http.Request, runID string) {
	switch r.Method {
	case http.MethodGet:
		approvals, err := app.Store.ListApprovals(r.Context(), runID)
		if err != nil {
			writeJSONError(w, errStatus(err), err.Error())
			return
		}
		out := make([]models.Approval, 0, len(approvals))
		for i := range approvals {
			out = append(out, apiApproval(&approvals[i]))
		}
		writeJSON(w, out)

	case http.MethodPost:
		var body struct {
			Stage     string     `json:"stage"`
			Decision  string     `json:"decision"`
			Approver  string     `json:"approver"`
			Comment   string     `json:"comment"`
			Override  bool       `json:"override"`
			ExpiresAt *time.Time `json:"expires_at"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Stage == "" {
			body.Stage = models.StageGit
		}
		if body.Decision == "" {
			body.Decision = models.DecisionApprove
		}
		if body.Approver == "" {
			writeJSONError(w, http.StatusBadRequest, "approver required")
			return
		}
		if _, err := app.Store.GetRun(r.Context(), runID); err != nil {
			writeJSONError(w, errStatus(err), err.Error())
			return
		}
		ap, err := app.Gate.Record(r.Context(), store.Approval{
			RunID:     runID,
			Stage:     body.Stage,
			Decision:  body.Decision,
			Approver:  body.Approver,
			Comment:   body.Comment,
			Override:  body.Override,
			ExpiresAt: body.ExpiresAt,
		})
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		otel.RecordApproval(r.Context(), ap.Stage, ap.Decision)
		app.Hub.PublishJSON(map[string]any{
			"type": "approval", "run_id": runID,
			"stage": ap.Stage, "decision": ap.Decision, "approver": ap.Approver,
		})
		writeJSON(w, apiApproval(&ap))

	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleContracts serves GET /contracts and POST /contracts/reload is routed
// through handleContractByStage.
func (app *App) handleContracts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, app.Registry.Current())
}

func (app *App) handleContractByStage(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/contracts/")
	if rest == "" || strings.Contains(rest, "/") {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}

	if rest == "reload" {
		if r.Method != http.MethodPost {
			writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if app.Home == "" {
			writeJSONError(w, http.StatusBadRequest, "home not configured")
			return
		}
		version, err := app.Registry.LoadFile(r.Context(), filepath.Join(app.Home, "contracts.yaml"))
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		app.Hub.PublishJSON(map[string]any{"type": "contract_update", "version": version})
		writeJSON(w, map[string]any{"version": version})
		return
	}

	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	c, version, err := app.Registry.ForStage(rest)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, map[string]any{"version": version, "contract": c})
}

func (app *App) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	names := app.Policies.Names()
	out := make([]models.RoutingPolicy, 0, len(names))
	for _, name := range names {
		if p, err := app.Policies.Get(name); err == nil {
			out = append(out, p)
		}
	}
	writeJSON(w, out)
}

func (app *App) handlePolicyByName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/policies/")
	if name == "" || strings.Contains(name, "/") {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	p, err := app.Policies.Get(name)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, p)
}

// errStatus maps store and engine sentinel errors to HTTP status codes.
func errStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidScope):
		return http.StatusBadRequest
	case errors.Is(err, policy.ErrUnknownPolicy):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnknownStage):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrRunTerminal),
		errors.Is(err, store.ErrStaleRunVersion),
		errors.Is(err, workflow.ErrRunNotRunnable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// responseRecorder captures status code for logging and forwards Flusher if supported.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func apiKeyMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/health" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != apiKey {
			writeJSONError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, req)
		slog.Info("request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// writeJSONError sends a JSON body {"error": "message"} with the given status code.
func writeJSONError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": message})
}
