package bus

// Execution lifecycle topics.
const (
	TopicExecutionStateChanged = "execution.state_changed"
	TopicExecutionCompleted    = "execution.completed"
	TopicExecutionFailed       = "execution.failed"
	TopicExecutionZombieReaped = "execution.zombie_reaped"
)

// Approval gate topics.
const (
	TopicApprovalRequested = "approval.requested"
	TopicApprovalResolved  = "approval.resolved"
	TopicApprovalExpired   = "approval.expired"
)

// Agent registry and budget topics.
const (
	TopicAgentUpdated   = "agent.updated"
	TopicAgentDeleted   = "agent.deleted"
	TopicBudgetExceeded = "budget.exceeded"
)

// ExecutionStateChangedEvent is published when an execution's status changes,
// including creation (OldStatus empty) and zombie reclassification.
type ExecutionStateChangedEvent struct {
	ExecutionID string // Execution ID
	AgentID     string // Owning agent ID
	OldStatus   string // Previous status ("" on create)
	NewStatus   string // New status (e.g. running, waiting_approval)
	Trigger     string // Trigger type (scheduled, manual, agent_trigger)
}

// ApprovalEvent is published when an approval request is created, resolved,
// or expired by the sweep.
type ApprovalEvent struct {
	ApprovalID string // Approval request ID
	AgentID    string // Agent that asked for sign-off
	UserID     string // Owner expected to resolve it
	ToolName   string // Tool awaiting approval
	Status     string // pending, approved, or rejected
}

// AgentEvent is published on registry mutations.
type AgentEvent struct {
	AgentID string // Agent ID
	OwnerID string // Owning user
	Name    string // Display name at event time
}

// BudgetExceededEvent is published when a usage record pushes an agent at or
// past its daily limit.
type BudgetExceededEvent struct {
	AgentID    string  // Agent ID
	DailySpend float64 // Spend so far today, USD
	Limit      float64 // Configured daily limit, USD
}
