// Package approval implements the human approval gate between fix generation
// and execution.
//
// Submitted proposals move through a strict state machine:
//
//	proposed -> pending_review -> {approved | rejected | needs_more_info}
//	approved -> executing -> {completed | failed}
//
// with a time-based expired transition out of pending_review and approved
// when no one acts within the risk-dependent review window. needs_more_info
// hands control back to the workflow's diagnose step; the queue itself never
// transitions out of it.
//
// The queue is the single source of truth for proposal state. Every mutation
// passes through a per-proposal critical section, so a proposal is decided
// exactly once: of N concurrent Decide calls, one succeeds and the rest get
// ErrInvalidTransition. DecideBatch holds the queue lock across the whole
// batch, so no record can be double-decided between the batch and an
// individual call.
//
// State changes broadcast JSON events on NATS subjects
// "approvals.<workflow_id>.<event>". Subscribers receive a connected event
// with the current pending count on attach; historical events are not
// replayed. Without a NATS connection the queue still works, and callers
// poll Status instead.
package approval
