package cron

import (
	"context"

	"github.com/basket/go-pilot/internal/persistence"
)

// Job is one unit of agent work handed to a Runner.
type Job struct {
	Agent     *persistence.Agent
	Execution *persistence.Execution

	// Resumed is true when this job continues a run that was parked in
	// waiting_approval. Approved then carries the owner's decision.
	Resumed  bool
	Approved *bool
}

// ApprovalAsk is a runner's request for human sign-off.
type ApprovalAsk struct {
	ToolName    string
	ToolArgs    string // JSON object
	Description string
}

// Outcome is what a Runner reports back for a job.
type Outcome struct {
	// Status is completed, failed, or waiting_approval.
	Status persistence.ExecutionStatus
	// ErrorMessage is set when Status is failed.
	ErrorMessage string
	// Approval describes the sign-off to create when Status is
	// waiting_approval.
	Approval *ApprovalAsk
	// Summary, when non-empty, is appended to the agent's conversation as an
	// assistant message.
	Summary string
}

// Runner executes agent jobs. Implementations must honor ctx cancellation;
// an error return is treated as a failed execution.
type Runner interface {
	Execute(ctx context.Context, job Job) (Outcome, error)
}
