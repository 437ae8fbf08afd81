package approval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-pilot/internal/clock"
	"github.com/basket/go-pilot/internal/persistence"
)

func newTestGate(t *testing.T, ttl time.Duration) (*Gate, *persistence.Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gopilot.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store.SetClock(mock)
	t.Cleanup(func() { _ = store.Close() })
	gate := New(Config{Store: store, Clock: mock, TTL: ttl})
	return gate, store, mock
}

func createAgent(t *testing.T, store *persistence.Store, name string) *persistence.Agent {
	t.Helper()
	a := &persistence.Agent{OwnerID: "user-1", Name: name, Enabled: true}
	if err := store.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

func TestRequestAndResolve(t *testing.T) {
	gate, store, mock := newTestGate(t, 24*time.Hour)
	ctx := context.Background()
	a := createAgent(t, store, "digest")

	ap, err := gate.Request(ctx, RequestParams{
		AgentID:     a.ID,
		UserID:      "user-1",
		ToolName:    "send_email",
		ToolArgs:    `{"to": "boss@example.com"}`,
		Description: "send the weekly report",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if ap.Status != persistence.ApprovalPending {
		t.Fatalf("status = %s, want pending", ap.Status)
	}
	wantExpiry := mock.Now().Add(24 * time.Hour)
	if ap.ExpiresAt == nil || !ap.ExpiresAt.Equal(wantExpiry) {
		t.Fatalf("expires_at = %v, want %v", ap.ExpiresAt, wantExpiry)
	}

	mock.Advance(10 * time.Minute)
	resolved, err := gate.Resolve(ctx, ap.ApprovalID, "user-1", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != persistence.ApprovalApproved {
		t.Fatalf("status = %s, want approved", resolved.Status)
	}

	if _, err := gate.Resolve(ctx, ap.ApprovalID, "user-1", false); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("double resolve = %v, want ErrNotFound", err)
	}
}

func TestResolve_GuardsUserAndExpiry(t *testing.T) {
	gate, store, mock := newTestGate(t, time.Hour)
	ctx := context.Background()
	a := createAgent(t, store, "digest")

	ap, err := gate.Request(ctx, RequestParams{AgentID: a.ID, UserID: "user-1", ToolName: "send_email"})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if _, err := gate.Resolve(ctx, ap.ApprovalID, "intruder", true); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("foreign resolve = %v, want ErrNotFound", err)
	}

	mock.Advance(2 * time.Hour)
	if _, err := gate.Resolve(ctx, ap.ApprovalID, "user-1", true); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expired resolve = %v, want ErrNotFound", err)
	}
}

func TestPendingQueries(t *testing.T) {
	gate, store, _ := newTestGate(t, time.Hour)
	ctx := context.Background()
	a := createAgent(t, store, "digest")
	b := createAgent(t, store, "reporter")

	ap1, _ := gate.Request(ctx, RequestParams{AgentID: a.ID, UserID: "user-1", ToolName: "tool_a"})
	ap2, _ := gate.Request(ctx, RequestParams{AgentID: b.ID, UserID: "user-1", ToolName: "tool_b"})

	forA, err := gate.PendingForAgent(ctx, a.ID)
	if err != nil || len(forA) != 1 || forA[0].ApprovalID != ap1.ApprovalID {
		t.Fatalf("PendingForAgent = %d, %v", len(forA), err)
	}

	forUser, err := gate.PendingForUser(ctx, "user-1")
	if err != nil || len(forUser) != 2 {
		t.Fatalf("PendingForUser = %d, %v; want 2", len(forUser), err)
	}
	// Oldest first.
	if forUser[0].ApprovalID != ap1.ApprovalID || forUser[1].ApprovalID != ap2.ApprovalID {
		t.Fatal("expected oldest-first ordering")
	}

	has, err := gate.HasPending(ctx, a.ID)
	if err != nil || !has {
		t.Fatalf("HasPending = %v, %v; want true", has, err)
	}
}

func TestSweepExpired(t *testing.T) {
	gate, store, mock := newTestGate(t, time.Minute)
	ctx := context.Background()
	a := createAgent(t, store, "digest")

	ap, _ := gate.Request(ctx, RequestParams{AgentID: a.ID, UserID: "user-1", ToolName: "send_email"})
	mock.Advance(5 * time.Minute)

	expired, err := gate.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(expired) != 1 || expired[0].ApprovalID != ap.ApprovalID {
		t.Fatalf("expired = %d, want the single stale request", len(expired))
	}
	if expired[0].Status != persistence.ApprovalRejected {
		t.Fatalf("status = %s, want rejected", expired[0].Status)
	}

	has, _ := gate.HasPending(ctx, a.ID)
	if has {
		t.Fatal("agent still blocked after sweep")
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	gate, store, mock := newTestGate(t, 0)
	ctx := context.Background()
	a := createAgent(t, store, "digest")

	ap, _ := gate.Request(ctx, RequestParams{AgentID: a.ID, UserID: "user-1", ToolName: "send_email"})
	if ap.ExpiresAt != nil {
		t.Fatalf("expected no expiry, got %v", ap.ExpiresAt)
	}
	mock.Advance(1000 * time.Hour)

	expired, err := gate.SweepExpired(ctx)
	if err != nil || len(expired) != 0 {
		t.Fatalf("sweep = %d, %v; want nothing expired", len(expired), err)
	}
	if _, err := gate.Resolve(ctx, ap.ApprovalID, "user-1", true); err != nil {
		t.Fatalf("resolve after long wait: %v", err)
	}
}
