// Package runner contains the Runner implementations the poller dispatches
// through: an HTTP webhook bridge to an external agent worker, and a no-op
// for dry runs.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/basket/go-pilot/internal/cron"
	"github.com/basket/go-pilot/internal/persistence"
	"github.com/basket/go-pilot/internal/shared"
)

// webhookRequest is the payload POSTed to the worker.
type webhookRequest struct {
	ExecutionID  string `json:"execution_id"`
	AgentID      string `json:"agent_id"`
	AgentName    string `json:"agent_name"`
	SystemPrompt string `json:"system_prompt"`
	Model        string `json:"model"`
	Permissions  string `json:"tool_permissions"`
	Trigger      string `json:"trigger"`
	Resumed      bool   `json:"resumed"`
	Approved     *bool  `json:"approved,omitempty"`
	TraceID      string `json:"trace_id"`
}

// webhookResponse is the worker's verdict.
type webhookResponse struct {
	Status       string `json:"status"` // completed, failed, waiting_approval
	ErrorMessage string `json:"error_message"`
	Summary      string `json:"summary"`
	Approval     *struct {
		ToolName    string `json:"tool_name"`
		ToolArgs    string `json:"tool_args"`
		Description string `json:"description"`
	} `json:"approval"`
}

// Webhook executes jobs by POSTing them to an external worker endpoint.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhook builds a webhook runner. timeout bounds the whole request; it
// should stay under the execution zombie timeout.
func NewWebhook(url string, timeout time.Duration, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "runner"),
	}
}

func (w *Webhook) Execute(ctx context.Context, job cron.Job) (cron.Outcome, error) {
	payload := webhookRequest{
		ExecutionID:  job.Execution.ID,
		AgentID:      job.Agent.ID,
		AgentName:    job.Agent.Name,
		SystemPrompt: job.Agent.SystemPrompt,
		Model:        job.Agent.Model,
		Permissions:  job.Agent.ToolPermissions,
		Trigger:      string(job.Execution.TriggerType),
		Resumed:      job.Resumed,
		Approved:     job.Approved,
		TraceID:      shared.TraceID(ctx),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return cron.Outcome{}, fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return cron.Outcome{}, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return cron.Outcome{}, fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return cron.Outcome{}, fmt.Errorf("webhook returned %d: %s", resp.StatusCode, shared.Redact(string(snippet)))
	}

	var verdict webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		return cron.Outcome{}, fmt.Errorf("decode webhook response: %w", err)
	}

	outcome := cron.Outcome{
		ErrorMessage: verdict.ErrorMessage,
		Summary:      verdict.Summary,
	}
	switch verdict.Status {
	case "completed":
		outcome.Status = persistence.ExecutionCompleted
	case "failed":
		outcome.Status = persistence.ExecutionFailed
		if outcome.ErrorMessage == "" {
			outcome.ErrorMessage = "worker reported failure"
		}
	case "waiting_approval":
		outcome.Status = persistence.ExecutionWaitingApproval
		if verdict.Approval != nil {
			outcome.Approval = &cron.ApprovalAsk{
				ToolName:    verdict.Approval.ToolName,
				ToolArgs:    verdict.Approval.ToolArgs,
				Description: verdict.Approval.Description,
			}
		}
	default:
		return cron.Outcome{}, fmt.Errorf("webhook returned unknown status %q", verdict.Status)
	}

	w.logger.DebugContext(ctx, "webhook run finished",
		"trace_id", shared.TraceID(ctx),
		"execution_id", job.Execution.ID,
		"status", verdict.Status,
	)
	return outcome, nil
}
