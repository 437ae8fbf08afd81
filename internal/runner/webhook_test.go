package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basket/go-pilot/internal/cron"
	"github.com/basket/go-pilot/internal/persistence"
)

func testJob() cron.Job {
	return cron.Job{
		Agent: &persistence.Agent{
			ID:           "agent-1",
			Name:         "digest",
			SystemPrompt: "summarize the day",
			Model:        "gpt-4o",
		},
		Execution: &persistence.Execution{
			ID:          "exec-1",
			AgentID:     "agent-1",
			TriggerType: persistence.TriggerScheduled,
		},
	}
}

func TestWebhook_CompletedRoundTrip(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "completed",
			"summary": "all done",
		})
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, 5*time.Second, nil)
	outcome, err := w.Execute(context.Background(), testJob())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Status != persistence.ExecutionCompleted || outcome.Summary != "all done" {
		t.Fatalf("outcome = %+v", outcome)
	}
	if got["execution_id"] != "exec-1" || got["agent_id"] != "agent-1" || got["trigger"] != "scheduled" {
		t.Fatalf("request payload = %v", got)
	}
}

func TestWebhook_WaitingApprovalCarriesAsk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "waiting_approval",
			"approval": map[string]string{
				"tool_name":   "send_email",
				"tool_args":   `{"to": "ops@example.com"}`,
				"description": "notify the on-call",
			},
		})
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, 5*time.Second, nil)
	outcome, err := w.Execute(context.Background(), testJob())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Status != persistence.ExecutionWaitingApproval {
		t.Fatalf("status = %s", outcome.Status)
	}
	if outcome.Approval == nil || outcome.Approval.ToolName != "send_email" {
		t.Fatalf("approval = %+v", outcome.Approval)
	}
}

func TestWebhook_FailureStatuses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "failed"})
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, 5*time.Second, nil)
	outcome, err := w.Execute(context.Background(), testJob())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Status != persistence.ExecutionFailed || outcome.ErrorMessage == "" {
		t.Fatalf("expected failed with default message, got %+v", outcome)
	}
}

func TestWebhook_NonOKIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "worker exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, 5*time.Second, nil)
	if _, err := w.Execute(context.Background(), testJob()); err == nil {
		t.Fatal("expected error for 500 response")
	}
}

func TestWebhook_UnknownStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "maybe"})
	}))
	defer srv.Close()

	w := NewWebhook(srv.URL, 5*time.Second, nil)
	if _, err := w.Execute(context.Background(), testJob()); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestWebhook_UnreachableWorker(t *testing.T) {
	w := NewWebhook("http://127.0.0.1:1", time.Second, nil)
	if _, err := w.Execute(context.Background(), testJob()); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestNoop_Completes(t *testing.T) {
	outcome, err := NewNoop().Execute(context.Background(), testJob())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if outcome.Status != persistence.ExecutionCompleted {
		t.Fatalf("status = %s, want completed", outcome.Status)
	}
}
