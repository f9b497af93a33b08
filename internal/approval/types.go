package approval

import (
	"time"

	"github.com/fyrsmithlabs/remedyd/internal/fixgen"
)

// Status is a proposal's position in the approval state machine.
type Status string

const (
	StatusProposed      Status = "proposed"
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusNeedsMoreInfo Status = "needs_more_info"
	StatusExecuting     Status = "executing"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusExpired       Status = "expired"
)

// transitions is the single authority on legal state changes. A status with
// no entry is terminal.
var transitions = map[Status][]Status{
	StatusProposed:      {StatusPendingReview},
	StatusPendingReview: {StatusApproved, StatusRejected, StatusNeedsMoreInfo, StatusExpired},
	// approved -> rejected covers cancellation between approval and execution.
	StatusApproved:  {StatusExecuting, StatusExpired, StatusRejected},
	StatusExecuting: {StatusCompleted, StatusFailed},
}

// canTransition reports whether from -> to is a legal state change.
func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Decision is a reviewer's verdict on a pending proposal.
type Decision string

const (
	DecisionApproved      Decision = "approved"
	DecisionRejected      Decision = "rejected"
	DecisionNeedsMoreInfo Decision = "needs_more_info"
)

// statusFor maps a decision to the resulting record status.
func (d Decision) statusFor() (Status, bool) {
	switch d {
	case DecisionApproved:
		return StatusApproved, true
	case DecisionRejected:
		return StatusRejected, true
	case DecisionNeedsMoreInfo:
		return StatusNeedsMoreInfo, true
	default:
		return "", false
	}
}

// AuditEntry records one state change with its actor.
type AuditEntry struct {
	Actor     string    `json:"actor"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Feedback  string    `json:"feedback,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Record wraps a submitted proposal with its approval lifecycle. The queue
// exclusively owns record state once a proposal is submitted.
type Record struct {
	Proposal  fixgen.Proposal `json:"proposal"`
	Status    Status          `json:"status"`
	DecidedBy string          `json:"decided_by,omitempty"`
	DecidedAt *time.Time      `json:"decided_at,omitempty"`
	Feedback  string          `json:"feedback,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
	Audit     []AuditEntry    `json:"audit"`
}

// WorkflowStatus summarizes a workflow's records for the engine's await loop.
type WorkflowStatus struct {
	AllApproved  bool `json:"all_approved"`
	AnyRejected  bool `json:"any_rejected"`
	PendingCount int  `json:"pending_count"`
}

// Event types broadcast to workflow subscribers.
const (
	EventConnected     = "connected"
	EventSubmitted     = "submitted"
	EventDecided       = "decided"
	EventBatchApproved = "batch_approved"
	EventBatchRejected = "batch_rejected"
	EventExpired       = "expired"
)

// Event is a state-change notification for one workflow.
type Event struct {
	Type       string    `json:"event"`
	WorkflowID string    `json:"workflow_id"`
	ProposalID string    `json:"proposal_id,omitempty"`
	Status     Status    `json:"status,omitempty"`
	Actor      string    `json:"actor,omitempty"`

	// PendingCount rides on connected events so late subscribers learn the
	// current queue depth without event replay.
	PendingCount int       `json:"pending_count,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
