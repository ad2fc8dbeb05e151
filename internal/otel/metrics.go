package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	runOpsCounter       metric.Int64Counter
	stageExecsCounter   metric.Int64Counter
	stageExecDuration   metric.Float64Histogram
	tickDuration        metric.Float64Histogram
	loopsCounter        metric.Int64Counter
	approvalsCounter    metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseEventsCounter    metric.Int64Counter
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		runOpsCounter, err = m.Int64Counter("stagehand_run_operations_total", metric.WithDescription("Total run operations (create, resume, cancel, etc.)"))
		if err != nil {
			return
		}
		stageExecsCounter, err = m.Int64Counter("stagehand_stage_executions_total", metric.WithDescription("Total stage executions recorded"))
		if err != nil {
			return
		}
		stageExecDuration, err = m.Float64Histogram("stagehand_stage_duration_seconds", metric.WithDescription("Stage execution duration in seconds"))
		if err != nil {
			return
		}
		tickDuration, err = m.Float64Histogram("stagehand_tick_duration_seconds", metric.WithDescription("Orchestrator tick duration in seconds"))
		if err != nil {
			return
		}
		loopsCounter, err = m.Int64Counter("stagehand_loop_transitions_total", metric.WithDescription("Total loop-back and retry transitions"))
		if err != nil {
			return
		}
		approvalsCounter, err = m.Int64Counter("stagehand_approvals_total", metric.WithDescription("Total approval records"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("stagehand_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("stagehand_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
		if err != nil {
			return
		}
	})
	return err
}

// RecordRunOp records a run operation (create, resume, cancel, etc.).
func RecordRunOp(ctx context.Context, op string, policy string, status string) {
	if runOpsCounter == nil {
		return
	}
	runOpsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		AttrPolicy.String(policy),
		AttrStatus.String(status),
	))
}

// RecordStageExecution records one stage execution and its duration.
func RecordStageExecution(ctx context.Context, stage, status string, duration time.Duration) {
	if stageExecsCounter != nil {
		stageExecsCounter.Add(ctx, 1, metric.WithAttributes(AttrStage.String(stage), AttrStatus.String(status)))
	}
	if stageExecDuration != nil {
		stageExecDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrStage.String(stage), AttrStatus.String(status)))
	}
}

// RecordTick records one orchestrator tick duration.
func RecordTick(ctx context.Context, stage string, duration time.Duration) {
	if tickDuration != nil {
		tickDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(AttrStage.String(stage)))
	}
}

// RecordLoopTransition records a loop-back or retry transition.
func RecordLoopTransition(ctx context.Context, from, to, reason string) {
	if loopsCounter != nil {
		loopsCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from_stage", from),
			attribute.String("to_stage", to),
			AttrReason.String(reason),
		))
	}
}

// RecordApproval records one approval decision.
func RecordApproval(ctx context.Context, stage, decision string) {
	if approvalsCounter != nil {
		approvalsCounter.Add(ctx, 1, metric.WithAttributes(
			AttrStage.String(stage),
			attribute.String("decision", decision),
		))
	}
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// RunCountFunc returns run counts by status. Used for the stagehand_runs_total gauge.
type RunCountFunc func() (queued, running, blocked, completed, failed int64)

// InitMetricsWithRunCount creates instruments and optionally registers a callback for run gauges.
// Call after InitMeterProvider. If runCount is nil, run gauges are not reported.
func InitMetricsWithRunCount(ctx context.Context, runCount RunCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if runCount == nil {
		return nil
	}
	m := Meter()
	runsGauge, err := m.Float64ObservableGauge("stagehand_runs_total", metric.WithDescription("Number of runs by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		queued, running, blocked, completed, failed := runCount()
		o.ObserveFloat64(runsGauge, float64(queued), metric.WithAttributes(AttrStatus.String("queued")))
		o.ObserveFloat64(runsGauge, float64(running), metric.WithAttributes(AttrStatus.String("running")))
		o.ObserveFloat64(runsGauge, float64(blocked), metric.WithAttributes(AttrStatus.String("blocked")))
		o.ObserveFloat64(runsGauge, float64(completed), metric.WithAttributes(AttrStatus.String("completed")))
		o.ObserveFloat64(runsGauge, float64(failed), metric.WithAttributes(AttrStatus.String("failed")))
		return nil
	}, runsGauge)
	return err
}
