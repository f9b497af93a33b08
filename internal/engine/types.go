package engine

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/fixgen"
)

// State is a run's position in the remediation state machine.
type State string

const (
	StateIdentify       State = "identify"
	StateDiagnose       State = "diagnose"
	StateQueryKnowledge State = "query_knowledge"
	StateGenerateFixes  State = "generate_fixes"
	StateAwaitApproval  State = "await_approval"
	StateExecute        State = "execute"
	StateValidate       State = "validate"
	StateLearn          State = "learn"
	StateDone           State = "done"
)

// DoneStatus qualifies how a run finished.
type DoneStatus string

const (
	// DoneOK means the run completed with every executed fix healthy, or
	// ended cleanly with nothing to execute.
	DoneOK DoneStatus = "ok"

	// DoneTimeout means the approval window elapsed; undecided proposals
	// were expired, nothing was executed.
	DoneTimeout DoneStatus = "timeout"

	// DoneRejected means a reviewer rejected at least one proposal, so the
	// run skipped execution entirely.
	DoneRejected DoneStatus = "rejected"

	// DonePartialFailure means execution ran but at least one fix failed.
	DonePartialFailure DoneStatus = "partial_failure"

	// DoneCancelled means the run was cancelled before execution.
	DoneCancelled DoneStatus = "cancelled"
)

// Outcome is the per-proposal execution result kept on the run.
type Outcome struct {
	ProposalID string `json:"proposal_id"`
	Applied    bool   `json:"applied"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Summary is a point-in-time snapshot of one run.
type Summary struct {
	RunID       string             `json:"run_id"`
	EntityScope string             `json:"entity_scope"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	State       State              `json:"state"`
	Status      DoneStatus         `json:"status,omitempty"`
	ProposalIDs []string           `json:"proposal_ids,omitempty"`
	Outcomes    map[string]Outcome `json:"outcomes,omitempty"`
	Notes       []string           `json:"notes,omitempty"`
}

// Executor applies remediation actions against the target system.
type Executor interface {
	// Apply runs the action. An error means the action did not take effect.
	Apply(ctx context.Context, action fixgen.Action) error

	// Rollback undoes a previously applied action.
	Rollback(ctx context.Context, action fixgen.Action) error
}

// HealthChecker verifies an entity's health during the validate step.
type HealthChecker interface {
	// Check returns nil when the entity is healthy.
	Check(ctx context.Context, entityID string) error
}
