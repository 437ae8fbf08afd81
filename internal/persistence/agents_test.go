package persistence

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestCreateAgent_AssignsIDsAndConversation(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	a := &Agent{OwnerID: "user-1", Name: "daily-digest", Enabled: true}
	if err := store.CreateAgent(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if a.ID == "" || a.ConversationID == "" {
		t.Fatal("expected generated agent and conversation ids")
	}
	if a.Timezone != "UTC" {
		t.Fatalf("default timezone = %q, want UTC", a.Timezone)
	}

	got, err := store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "daily-digest" || got.OwnerID != "user-1" || !got.Enabled {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.Schedule != nil || got.BudgetLimitUSD != nil {
		t.Fatal("expected nil schedule and budget for unset fields")
	}
}

func TestCreateAgent_DuplicateNamePerOwner(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	mustCreateAgent(t, store, "user-1", "digest")

	dup := &Agent{OwnerID: "user-1", Name: "digest"}
	if err := store.CreateAgent(ctx, dup); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}

	// Same name under a different owner is fine.
	other := &Agent{OwnerID: "user-2", Name: "digest"}
	if err := store.CreateAgent(ctx, other); err != nil {
		t.Fatalf("cross-owner create: %v", err)
	}
}

func TestGetAgent_NotFound(t *testing.T) {
	store, _ := openTestStore(t)
	if _, err := store.GetAgent(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveAgent_UpdatesFields(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	a := mustCreateAgent(t, store, "user-1", "digest")
	sched := "0 9 * * *"
	budget := 5.0
	a.Schedule = &sched
	a.Timezone = "America/New_York"
	a.BudgetLimitUSD = &budget
	a.Enabled = false
	if err := store.SaveAgent(ctx, a); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Schedule == nil || *got.Schedule != sched {
		t.Fatalf("schedule = %v, want %q", got.Schedule, sched)
	}
	if got.Timezone != "America/New_York" || got.Enabled {
		t.Fatalf("save mismatch: %+v", got)
	}
	if got.BudgetLimitUSD == nil || *got.BudgetLimitUSD != 5.0 {
		t.Fatalf("budget = %v, want 5.0", got.BudgetLimitUSD)
	}
}

func TestDueAgents_FiltersAndOrders(t *testing.T) {
	store, mock := openTestStore(t)
	ctx := context.Background()
	now := mock.Now()

	due1 := mustCreateAgent(t, store, "user-1", "a-oldest")
	due2 := mustCreateAgent(t, store, "user-1", "b-newer")
	future := mustCreateAgent(t, store, "user-1", "c-future")
	disabled := mustCreateAgent(t, store, "user-1", "d-disabled")
	manual := mustCreateAgent(t, store, "user-1", "e-manual")

	set := func(a *Agent, next *time.Time, enabled bool) {
		a.NextRunAt = next
		a.Enabled = enabled
		if err := store.SaveAgent(ctx, a); err != nil {
			t.Fatalf("save %s: %v", a.Name, err)
		}
	}
	t1 := now.Add(-2 * time.Hour)
	t2 := now.Add(-1 * time.Hour)
	t3 := now.Add(time.Hour)
	set(due1, &t1, true)
	set(due2, &t2, true)
	set(future, &t3, true)
	set(disabled, &t1, false)
	set(manual, nil, true)

	got, err := store.DueAgents(ctx, now)
	if err != nil {
		t.Fatalf("due agents: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 due agents, got %d", len(got))
	}
	if got[0].ID != due1.ID || got[1].ID != due2.ID {
		t.Fatalf("expected oldest-due-first ordering, got %s then %s", got[0].Name, got[1].Name)
	}
}

func TestUpdateAgentRunTimes_AndNextRunOnly(t *testing.T) {
	store, mock := openTestStore(t)
	ctx := context.Background()
	a := mustCreateAgent(t, store, "user-1", "digest")

	ran := mock.Now()
	next := ran.Add(24 * time.Hour)
	if err := store.UpdateAgentRunTimes(ctx, a.ID, ran, &next); err != nil {
		t.Fatalf("update run times: %v", err)
	}
	got, _ := store.GetAgent(ctx, a.ID)
	if got.LastRunAt == nil || !got.LastRunAt.Equal(ran) {
		t.Fatalf("last_run_at = %v, want %v", got.LastRunAt, ran)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(next) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, next)
	}

	// A skip advances next_run_at but leaves last_run_at alone.
	later := next.Add(24 * time.Hour)
	if err := store.UpdateAgentNextRun(ctx, a.ID, &later); err != nil {
		t.Fatalf("update next run: %v", err)
	}
	got, _ = store.GetAgent(ctx, a.ID)
	if got.LastRunAt == nil || !got.LastRunAt.Equal(ran) {
		t.Fatalf("last_run_at changed on skip: %v", got.LastRunAt)
	}
	if got.NextRunAt == nil || !got.NextRunAt.Equal(later) {
		t.Fatalf("next_run_at = %v, want %v", got.NextRunAt, later)
	}
}

func TestDeleteAgent_CascadesDependents(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	a := mustCreateAgent(t, store, "user-1", "digest")

	if _, err := store.AppendMessage(ctx, a.ConversationID, "assistant", "hello"); err != nil {
		t.Fatalf("append message: %v", err)
	}
	if _, err := store.CreateExecution(ctx, a.ID, TriggerManual, nil, 30*time.Minute); err != nil {
		t.Fatalf("create execution: %v", err)
	}
	if err := store.CreateApproval(ctx, &Approval{AgentID: a.ID, UserID: "user-1", ToolName: "send_email"}, time.Hour); err != nil {
		t.Fatalf("create approval: %v", err)
	}
	if err := store.KVSet(ctx, a.ID, "cursor", "42"); err != nil {
		t.Fatalf("kv set: %v", err)
	}

	if err := store.DeleteAgent(ctx, a.ID, "someone-else"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign owner, got %v", err)
	}
	if err := store.DeleteAgent(ctx, a.ID, "user-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetAgent(ctx, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected agent gone, got %v", err)
	}
	for _, table := range []string{"executions", "approvals", "agent_kv", "messages", "conversations"} {
		var count int
		if err := store.db.QueryRow(`SELECT COUNT(*) FROM ` + table + `;`).Scan(&count); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if count != 0 {
			t.Fatalf("expected %s emptied by cascade, found %d rows", table, count)
		}
	}

	if err := store.DeleteAgent(ctx, a.ID, "user-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestKV_RoundTripAndUpsert(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	a := mustCreateAgent(t, store, "user-1", "digest")

	if _, err := store.KVGet(ctx, a.ID, "cursor"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing key, got %v", err)
	}
	if err := store.KVSet(ctx, a.ID, "cursor", "1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.KVSet(ctx, a.ID, "cursor", "2"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	v, err := store.KVGet(ctx, a.ID, "cursor")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != "2" {
		t.Fatalf("value = %q, want 2", v)
	}
}
