package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected \"-\", got %q", got)
	}
	ctx = WithTraceID(ctx, "trace-123")
	if got := TraceID(ctx); got != "trace-123" {
		t.Fatalf("expected trace-123, got %q", got)
	}
}

func TestAgentID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := AgentID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithAgentID(ctx, "agent-a")
	if got := AgentID(ctx); got != "agent-a" {
		t.Fatalf("expected agent-a, got %q", got)
	}
}

func TestOwnerAndExecutionID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithOwnerID(ctx, "owner-1")
	ctx = WithExecutionID(ctx, "exec-1")
	if got := OwnerID(ctx); got != "owner-1" {
		t.Fatalf("expected owner-1, got %q", got)
	}
	if got := ExecutionID(ctx); got != "exec-1" {
		t.Fatalf("expected exec-1, got %q", got)
	}
}

func TestNewTraceID_NonEmptyAndUnique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == "" || b == "" || a == b {
		t.Fatalf("expected two distinct non-empty ids, got %q and %q", a, b)
	}
}
