package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-pilot/internal/clock"
	"github.com/basket/go-pilot/internal/persistence"
)

func newTestRegistry(t *testing.T) (*Registry, *persistence.Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock(time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC))
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gopilot.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store.SetClock(mock)
	t.Cleanup(func() { _ = store.Close() })
	reg := New(Config{Store: store, Clock: mock})
	return reg, store, mock
}

func strPtr(s string) *string { return &s }

func TestCreate_ScheduledAgentGetsNextRun(t *testing.T) {
	reg, _, mock := newTestRegistry(t)
	ctx := context.Background()

	agent, err := reg.Create(ctx, CreateParams{
		OwnerID:  "user-1",
		Name:     "digest",
		Schedule: strPtr("0 9 * * *"),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if agent.Timezone != "UTC" {
		t.Fatalf("timezone = %q, want default UTC", agent.Timezone)
	}
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if agent.NextRunAt == nil || !agent.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v (clock at %v)", agent.NextRunAt, want, mock.Now())
	}
}

func TestCreate_ManualAgentHasNoNextRun(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	agent, err := reg.Create(context.Background(), CreateParams{OwnerID: "user-1", Name: "manual"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if agent.NextRunAt != nil {
		t.Fatalf("manual agent next_run_at = %v, want nil", agent.NextRunAt)
	}
	if !agent.Enabled {
		t.Fatal("expected enabled by default")
	}
}

func TestCreate_Validation(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	if _, err := reg.Create(ctx, CreateParams{OwnerID: "user-1"}); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("expected ErrNameRequired, got %v", err)
	}
	if _, err := reg.Create(ctx, CreateParams{Name: "x"}); !errors.Is(err, ErrOwnerRequired) {
		t.Fatalf("expected ErrOwnerRequired, got %v", err)
	}
	if _, err := reg.Create(ctx, CreateParams{OwnerID: "u", Name: "x", Schedule: strPtr("bogus")}); err == nil {
		t.Fatal("expected malformed cron rejected")
	}
	if _, err := reg.Create(ctx, CreateParams{OwnerID: "u", Name: "x", Timezone: "Nowhere/Land"}); err == nil {
		t.Fatal("expected unknown timezone rejected")
	}
	neg := -1.0
	if _, err := reg.Create(ctx, CreateParams{OwnerID: "u", Name: "x", BudgetLimitUSD: &neg}); err == nil {
		t.Fatal("expected negative budget rejected")
	}

	if _, err := reg.Create(ctx, CreateParams{OwnerID: "u", Name: "dup"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := reg.Create(ctx, CreateParams{OwnerID: "u", Name: "dup"}); !errors.Is(err, persistence.ErrDuplicateName) {
		t.Fatal("expected duplicate name rejected")
	}
}

func TestUpdate_ScheduleChangeRecomputesNextRun(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, err := reg.Create(ctx, CreateParams{OwnerID: "u", Name: "digest", Schedule: strPtr("0 9 * * *")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := reg.Update(ctx, agent.ID, "u", Patch{Schedule: Some("0 18 * * *")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	want := time.Date(2026, 3, 10, 18, 0, 0, 0, time.UTC)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, want)
	}
}

func TestUpdate_ClearingScheduleClearsNextRun(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, _ := reg.Create(ctx, CreateParams{OwnerID: "u", Name: "digest", Schedule: strPtr("0 9 * * *")})
	got, err := reg.Update(ctx, agent.ID, "u", Patch{Schedule: Null[string]()})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Schedule != nil || got.NextRunAt != nil {
		t.Fatalf("expected schedule and next_run_at cleared: %v %v", got.Schedule, got.NextRunAt)
	}
}

func TestUpdate_DisableAndReenable(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, _ := reg.Create(ctx, CreateParams{OwnerID: "u", Name: "digest", Schedule: strPtr("0 9 * * *")})

	got, err := reg.Update(ctx, agent.ID, "u", Patch{Enabled: Some(false)})
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if got.NextRunAt != nil {
		t.Fatalf("disabled agent keeps next_run_at: %v", got.NextRunAt)
	}

	got, err = reg.Update(ctx, agent.ID, "u", Patch{Enabled: Some(true)})
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if got.NextRunAt == nil {
		t.Fatal("re-enabled scheduled agent should regain next_run_at")
	}
}

func TestUpdate_TimezoneChangeMovesNextRun(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, _ := reg.Create(ctx, CreateParams{OwnerID: "u", Name: "digest", Schedule: strPtr("0 9 * * *")})
	utcNext := *agent.NextRunAt

	got, err := reg.Update(ctx, agent.ID, "u", Patch{Timezone: Some("America/New_York")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.NextRunAt == nil || got.NextRunAt.Equal(utcNext) {
		t.Fatalf("expected next_run_at recomputed for new zone, got %v", got.NextRunAt)
	}
	// 09:00 EDT = 13:00 UTC on 2026-03-10 (DST already started Mar 8).
	want := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)
	if !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, want)
	}
}

func TestUpdate_UntouchedFieldsSurvive(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	budget := 5.0
	agent, _ := reg.Create(ctx, CreateParams{
		OwnerID:        "u",
		Name:           "digest",
		Description:    "daily report",
		BudgetLimitUSD: &budget,
	})

	got, err := reg.Update(ctx, agent.ID, "u", Patch{Model: Some("gpt-4o")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Description != "daily report" {
		t.Fatalf("description lost: %q", got.Description)
	}
	if got.BudgetLimitUSD == nil || *got.BudgetLimitUSD != 5.0 {
		t.Fatalf("budget lost: %v", got.BudgetLimitUSD)
	}

	// Explicit null clears the budget.
	got, err = reg.Update(ctx, agent.ID, "u", Patch{BudgetLimitUSD: Null[float64]()})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.BudgetLimitUSD != nil {
		t.Fatalf("expected budget cleared, got %v", got.BudgetLimitUSD)
	}
}

func TestRecordRunCompleted_AdvancesPastCompletion(t *testing.T) {
	reg, store, mock := newTestRegistry(t)
	ctx := context.Background()

	agent, _ := reg.Create(ctx, CreateParams{OwnerID: "u", Name: "digest", Schedule: strPtr("0 9 * * *")})

	// The run dispatched at 09:00 finishes well past the slot.
	mock.Set(time.Date(2026, 3, 10, 9, 42, 0, 0, time.UTC))
	if err := reg.RecordRunCompleted(ctx, agent, mock.Now()); err != nil {
		t.Fatalf("record: %v", err)
	}
	got, _ := store.GetAgent(ctx, agent.ID)
	if got.LastRunAt == nil || !got.LastRunAt.Equal(mock.Now()) {
		t.Fatalf("last_run_at = %v, want the completion instant", got.LastRunAt)
	}
	want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, want)
	}
}

func TestOwnerScoping_WrongOwnerReadsAsNotFound(t *testing.T) {
	reg, store, _ := newTestRegistry(t)
	ctx := context.Background()

	agent, err := reg.Create(ctx, CreateParams{OwnerID: "alice", Name: "digest"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := reg.Get(ctx, agent.ID, "bob"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("get by wrong owner: %v, want ErrNotFound", err)
	}
	if _, err := reg.Update(ctx, agent.ID, "bob", Patch{Name: Some("stolen")}); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("update by wrong owner: %v, want ErrNotFound", err)
	}
	if err := reg.MarkViewed(ctx, agent.ID, "bob"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("mark viewed by wrong owner: %v, want ErrNotFound", err)
	}
	if err := reg.Delete(ctx, agent.ID, "bob"); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("delete by wrong owner: %v, want ErrNotFound", err)
	}

	// The agent is untouched and still reachable by its owner.
	got, err := reg.Get(ctx, agent.ID, "alice")
	if err != nil {
		t.Fatalf("get by owner: %v", err)
	}
	if got.Name != "digest" {
		t.Fatalf("name = %q, want digest", got.Name)
	}
	if err := reg.Delete(ctx, agent.ID, "alice"); err != nil {
		t.Fatalf("delete by owner: %v", err)
	}
	if _, err := store.GetAgent(ctx, agent.ID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("agent survived owner delete: %v", err)
	}
}

func TestAdvanceSchedule_SkipKeepsLastRun(t *testing.T) {
	reg, store, mock := newTestRegistry(t)
	ctx := context.Background()

	agent, _ := reg.Create(ctx, CreateParams{OwnerID: "u", Name: "digest", Schedule: strPtr("0 9 * * *")})
	mock.Set(time.Date(2026, 3, 10, 9, 0, 5, 0, time.UTC))

	if err := reg.AdvanceSchedule(ctx, agent, mock.Now()); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, _ := store.GetAgent(ctx, agent.ID)
	if got.LastRunAt != nil {
		t.Fatalf("skip must not set last_run_at, got %v", got.LastRunAt)
	}
	want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, want)
	}
}
