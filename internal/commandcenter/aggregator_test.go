package commandcenter

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-pilot/internal/budget"
	"github.com/basket/go-pilot/internal/clock"
	"github.com/basket/go-pilot/internal/persistence"
)

func newTestAggregator(t *testing.T) (*Aggregator, *persistence.Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	store, err := persistence.Open(filepath.Join(t.TempDir(), "gopilot.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	store.SetClock(mock)
	t.Cleanup(func() { _ = store.Close() })
	guard := budget.New(budget.Config{Store: store, Clock: mock})
	agg := New(Config{Store: store, Guard: guard})
	return agg, store, mock
}

func TestSnapshot(t *testing.T) {
	agg, store, _ := newTestAggregator(t)
	ctx := context.Background()

	limit := 10.0
	digest := &persistence.Agent{OwnerID: "user-1", Name: "digest", Enabled: true, BudgetLimitUSD: &limit}
	if err := store.CreateAgent(ctx, digest); err != nil {
		t.Fatalf("create: %v", err)
	}
	idle := &persistence.Agent{OwnerID: "user-1", Name: "idle", Enabled: false}
	if err := store.CreateAgent(ctx, idle); err != nil {
		t.Fatalf("create: %v", err)
	}
	foreign := &persistence.Agent{OwnerID: "user-2", Name: "foreign", Enabled: true}
	if err := store.CreateAgent(ctx, foreign); err != nil {
		t.Fatalf("create: %v", err)
	}

	// digest: unread message, failed run, pending approval, spend.
	if _, err := store.AppendMessage(ctx, digest.ConversationID, "assistant", "report ready"); err != nil {
		t.Fatalf("append: %v", err)
	}
	e, err := store.CreateExecution(ctx, digest.ID, persistence.TriggerScheduled, nil, 30*time.Minute)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if err := store.UpdateExecutionStatus(ctx, e.ID, persistence.ExecutionFailed, "api_key=sk-secret123 leaked"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := store.CreateApproval(ctx, &persistence.Approval{
		AgentID: digest.ID, UserID: "user-1", ToolName: "send_email",
	}, time.Hour); err != nil {
		t.Fatalf("approval: %v", err)
	}
	if err := store.RecordUsage(ctx, &persistence.UsageRecord{
		ConversationID: digest.ConversationID, AgentID: digest.ID, CostUSD: 2.5,
	}); err != nil {
		t.Fatalf("usage: %v", err)
	}

	snap, err := agg.Snapshot(ctx, "user-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if len(snap.Agents) != 2 {
		t.Fatalf("agents = %d, want 2 (owner-scoped)", len(snap.Agents))
	}
	var card *AgentCard
	for i := range snap.Agents {
		if snap.Agents[i].Name == "digest" {
			card = &snap.Agents[i]
		}
	}
	if card == nil {
		t.Fatal("digest card missing")
	}
	if card.UnreadCount != 1 || card.PendingCount != 1 {
		t.Fatalf("counts = unread %d pending %d, want 1/1", card.UnreadCount, card.PendingCount)
	}
	if card.LastStatus != "failed" || !card.HasError {
		t.Fatalf("last status = %q hasError=%v", card.LastStatus, card.HasError)
	}
	if card.LastError == "" || card.LastError == "api_key=sk-secret123 leaked" {
		t.Fatalf("error should be redacted, got %q", card.LastError)
	}
	if card.DailySpendUSD != 2.5 {
		t.Fatalf("spend = %v, want 2.5", card.DailySpendUSD)
	}
	if card.BudgetUSD == nil || *card.BudgetUSD != 10.0 {
		t.Fatalf("budget = %v", card.BudgetUSD)
	}

	if snap.Totals.Agents != 2 || snap.Totals.Enabled != 1 || snap.Totals.Running != 0 {
		t.Fatalf("totals = %+v", snap.Totals)
	}
	if snap.Totals.AgentsWithErrors != 1 || snap.Totals.AgentsWaiting != 0 {
		t.Fatalf("totals = %+v, want one agent with errors and none waiting", snap.Totals)
	}
	if snap.Totals.UnreadMessages != 1 || snap.Totals.PendingApprovals != 1 {
		t.Fatalf("totals = %+v", snap.Totals)
	}
	if snap.Totals.SpendTodayUSD != 2.5 {
		t.Fatalf("spend today = %v", snap.Totals.SpendTodayUSD)
	}

	if len(snap.PendingApprovals) != 1 || snap.PendingApprovals[0].AgentName != "digest" {
		t.Fatalf("pending approvals = %+v", snap.PendingApprovals)
	}
	if len(snap.RecentActivity) != 1 || snap.RecentActivity[0].AgentName != "digest" {
		t.Fatalf("activity = %+v", snap.RecentActivity)
	}
}

func TestSnapshot_RunningAndWaitingCountedSeparately(t *testing.T) {
	agg, store, _ := newTestAggregator(t)
	ctx := context.Background()

	a := &persistence.Agent{OwnerID: "user-1", Name: "digest", Enabled: true}
	if err := store.CreateAgent(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateExecution(ctx, a.ID, persistence.TriggerManual, nil, 30*time.Minute); err != nil {
		t.Fatalf("exec: %v", err)
	}

	parked := &persistence.Agent{OwnerID: "user-1", Name: "mailer", Enabled: true}
	if err := store.CreateAgent(ctx, parked); err != nil {
		t.Fatalf("create: %v", err)
	}
	e, err := store.CreateExecution(ctx, parked.ID, persistence.TriggerScheduled, nil, 30*time.Minute)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if err := store.UpdateExecutionStatus(ctx, e.ID, persistence.ExecutionWaitingApproval, ""); err != nil {
		t.Fatalf("to waiting: %v", err)
	}

	snap, err := agg.Snapshot(ctx, "user-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Totals.Running != 1 || snap.Totals.AgentsWaiting != 1 {
		t.Fatalf("totals = %+v, want running 1 and waiting 1", snap.Totals)
	}
	for _, card := range snap.Agents {
		if !card.IsRunning {
			t.Fatalf("card %s should count as busy: %+v", card.Name, card)
		}
	}
}

func TestSnapshot_EmptyOwner(t *testing.T) {
	agg, _, _ := newTestAggregator(t)
	snap, err := agg.Snapshot(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Agents) != 0 || snap.Totals.Agents != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snap)
	}
}
