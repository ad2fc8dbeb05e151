package otel

import (
	"context"
	"testing"
	"time"
)

func TestInitMetrics_RecordRunOp(t *testing.T) {
	ctx := context.Background()
	_, err := InitMeterProvider(ctx, "metrics-test")
	if err != nil {
		t.Fatalf("InitMeterProvider: %v", err)
	}
	if err := InitMetrics(ctx); err != nil {
		t.Fatalf("InitMetrics: %v", err)
	}
	RecordRunOp(ctx, "create", "sprint", "queued")
	RecordRunOp(ctx, "resume", "sprint", "running")
}

func TestAddSSEConnection_RemoveSSEConnection(t *testing.T) {
	AddSSEConnection()
	AddSSEConnection()
	RemoveSSEConnection()
	RemoveSSEConnection()
	RemoveSSEConnection() // should not go negative
}

func TestRecordStageExecution_RecordTick_RecordSSEEvent(t *testing.T) {
	ctx := context.Background()
	_, _ = InitMeterProvider(ctx, "record-test")
	_ = InitMetrics(ctx)
	RecordStageExecution(ctx, "Plan", "success", 100*time.Millisecond)
	RecordTick(ctx, "Design", 50*time.Millisecond)
	RecordLoopTransition(ctx, "Validate", "Implement", "VALIDATION_GAP")
	RecordApproval(ctx, "Git", "approve")
	RecordSSEEvent(ctx)
}

func TestInitMetricsWithRunCount(t *testing.T) {
	ctx := context.Background()
	_, _ = InitMeterProvider(ctx, "runcount-test")
	err := InitMetricsWithRunCount(ctx, func() (queued, running, blocked, completed, failed int64) {
		return 1, 2, 1, 3, 0
	})
	if err != nil {
		t.Fatalf("InitMetricsWithRunCount: %v", err)
	}
}

func TestInitMetricsWithRunCount_nilFunc(t *testing.T) {
	ctx := context.Background()
	_, _ = InitMeterProvider(ctx, "runcount-nil-test")
	err := InitMetricsWithRunCount(ctx, nil)
	if err != nil {
		t.Fatalf("InitMetricsWithRunCount(nil): %v", err)
	}
}
