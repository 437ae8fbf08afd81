package execution

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-pilot/internal/clock"
	"github.com/basket/go-pilot/internal/persistence"
)

func newTestTracker(t *testing.T) (*Tracker, *persistence.Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gopilot.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store.SetClock(mock)
	t.Cleanup(func() { _ = store.Close() })
	tracker := New(Config{
		Store:    store,
		Clock:    mock,
		Timeout:  30 * time.Minute,
		Cooldown: time.Minute,
	})
	return tracker, store, mock
}

func createAgent(t *testing.T, store *persistence.Store, name string) *persistence.Agent {
	t.Helper()
	a := &persistence.Agent{OwnerID: "user-1", Name: name, Enabled: true}
	if err := store.CreateAgent(context.Background(), a); err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

func TestStartCompleteLifecycle(t *testing.T) {
	tracker, store, _ := newTestTracker(t)
	ctx := context.Background()
	a := createAgent(t, store, "digest")

	exec, err := tracker.Start(ctx, a.ID, persistence.TriggerScheduled, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	running, err := tracker.IsRunning(ctx, a.ID)
	if err != nil || !running {
		t.Fatalf("IsRunning = %v, %v; want true", running, err)
	}

	if _, err := tracker.Start(ctx, a.ID, persistence.TriggerManual, nil); !errors.Is(err, persistence.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}

	if err := tracker.Complete(ctx, exec.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	running, _ = tracker.IsRunning(ctx, a.ID)
	if running {
		t.Fatal("completed run still counts as running")
	}
	cool, err := tracker.InCooldown(ctx, a.ID)
	if err != nil || !cool {
		t.Fatalf("InCooldown = %v, %v; want true right after completion", cool, err)
	}
}

func TestFailRecordsError(t *testing.T) {
	tracker, store, _ := newTestTracker(t)
	ctx := context.Background()
	a := createAgent(t, store, "digest")

	exec, _ := tracker.Start(ctx, a.ID, persistence.TriggerManual, nil)
	if err := tracker.Fail(ctx, exec.ID, "webhook returned 500"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	got, err := store.GetExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.ExecutionFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "webhook returned 500" {
		t.Fatalf("error = %v", got.ErrorMessage)
	}
}

func TestSuspendResume(t *testing.T) {
	tracker, store, _ := newTestTracker(t)
	ctx := context.Background()
	a := createAgent(t, store, "digest")

	exec, _ := tracker.Start(ctx, a.ID, persistence.TriggerScheduled, nil)
	if err := tracker.Suspend(ctx, exec.ID); err != nil {
		t.Fatalf("suspend: %v", err)
	}

	waiting, err := tracker.Waiting(ctx, a.ID)
	if err != nil {
		t.Fatalf("waiting: %v", err)
	}
	if waiting.ID != exec.ID {
		t.Fatalf("waiting = %s, want %s", waiting.ID, exec.ID)
	}

	// A suspended run still holds the agent's slot.
	running, _ := tracker.IsRunning(ctx, a.ID)
	if !running {
		t.Fatal("waiting_approval should count as live")
	}

	if err := tracker.ResumeRunning(ctx, exec.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ := store.GetExecution(ctx, exec.ID)
	if got.Status != persistence.ExecutionRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
}

func TestReapZombies(t *testing.T) {
	tracker, store, mock := newTestTracker(t)
	ctx := context.Background()
	a := createAgent(t, store, "digest")

	exec, _ := tracker.Start(ctx, a.ID, persistence.TriggerScheduled, nil)
	mock.Advance(31 * time.Minute)

	reaped, err := tracker.ReapZombies(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if reaped != 1 {
		t.Fatalf("reaped = %d, want 1", reaped)
	}
	got, _ := store.GetExecution(ctx, exec.ID)
	if got.Status != persistence.ExecutionFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != persistence.ZombieErrorMessage {
		t.Fatalf("error = %v, want zombie message", got.ErrorMessage)
	}

	// Slot is free again.
	if _, err := tracker.Start(ctx, a.ID, persistence.TriggerScheduled, nil); err != nil {
		t.Fatalf("start after reap: %v", err)
	}
}

func TestCooldownLapses(t *testing.T) {
	tracker, store, mock := newTestTracker(t)
	ctx := context.Background()
	a := createAgent(t, store, "digest")

	exec, _ := tracker.Start(ctx, a.ID, persistence.TriggerScheduled, nil)
	_ = tracker.Complete(ctx, exec.ID)

	mock.Advance(61 * time.Second)
	cool, err := tracker.InCooldown(ctx, a.ID)
	if err != nil || cool {
		t.Fatalf("InCooldown after window = %v, %v; want false", cool, err)
	}
}
