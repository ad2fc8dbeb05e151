package daemon

// StartOptions configures the daemon (home, port, scheduler interval,
// invoker, DB, blocked-run TTL, otel).
type StartOptions struct {
	Home           string
	Port           int
	IntervalSec    float64
	MaxConcurrent  int
	Dev            bool
	PprofAddr      string
	Invoker        string   // "stub" (default), "subprocess", or "http"
	SubprocessCmd  string   // e.g. "stagehand-stage"
	SubprocessArgs []string // e.g. ["--profile", "default"]
	RunnerURL      string   // for invoker=http: stage-runner base URL (e.g. "http://localhost:3561")
	RunnerKey      string   // optional X-API-Key for the stage runner
	SandboxHome    string   // if set, run subprocess inside bubblewrap with this dir writable (Linux only)
	DBDriver       string   // "sqlite" (default) or "postgres"
	DBURL          string   // for postgres: connection string (or DATABASE_URL env)
	BlockedTTLSec  int      // if > 0, cancel runs blocked longer than this
	EnableOtel     bool     // enable OpenTelemetry metrics (Prometheus exporter + HTTP/SSE/run instrumentation)
}

// StatusInfo is the result of Status (running or not, PID, listen addr).
type StatusInfo struct {
	Running bool
	PID     int
	Addr    string
}
