package fixgen

import (
	"errors"
	"fmt"
)

// RiskLevel grades how dangerous a proposed action is to apply.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Rank orders risk levels for presentation sorting (higher is riskier).
func (r RiskLevel) Rank() int {
	switch r {
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	case RiskLow:
		return 1
	default:
		return 0
	}
}

// Valid reports whether the risk level is a known value.
func (r RiskLevel) Valid() bool {
	return r == RiskLow || r == RiskMedium || r == RiskHigh
}

// Action is a concrete remediation command with its human description.
type Action struct {
	// Command is the structured command to apply (e.g. a kubectl invocation).
	Command string `json:"command"`

	// Description explains the command for the reviewer.
	Description string `json:"description"`
}

// Proposal is a candidate remediation produced by the generator. It is owned
// by the workflow until submitted, then by the approval queue until it
// reaches a terminal state.
type Proposal struct {
	ID             string    `json:"id"`
	WorkflowID     string    `json:"workflow_id"`
	EntityID       string    `json:"entity_id"`
	RootCause      string    `json:"root_cause"`
	ProposedAction Action    `json:"proposed_action"`
	RiskLevel      RiskLevel `json:"risk_level"`

	// Confidence is 0.0-1.0. Generated proposals derive it from prior
	// evidence; fallback proposals carry fixed conservative values.
	Confidence float64 `json:"confidence"`

	// Rationale explains the proposal, including the count and success rate
	// of similar past fixes when any exist.
	Rationale string `json:"rationale"`

	// RollbackAction restores the prior state if the fix misbehaves.
	// A proposal without one is invalid and must not be submitted.
	RollbackAction Action `json:"rollback_action"`

	PatternID string `json:"pattern_id"`

	// Fallback marks proposals produced by the static rule table rather
	// than the generative backend.
	Fallback bool `json:"fallback,omitempty"`
}

// ErrInvalidProposal is the validation failure class for malformed proposals.
var ErrInvalidProposal = errors.New("invalid proposal")

// Validate checks the proposal satisfies the submission contract. Invalid
// proposals are logged and skipped by the workflow, never submitted.
func Validate(p *Proposal) error {
	if p == nil {
		return fmt.Errorf("%w: nil proposal", ErrInvalidProposal)
	}
	if p.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidProposal)
	}
	if p.ProposedAction.Command == "" {
		return fmt.Errorf("%w: missing proposed action", ErrInvalidProposal)
	}
	if p.RollbackAction.Command == "" {
		return fmt.Errorf("%w: missing rollback action", ErrInvalidProposal)
	}
	if !p.RiskLevel.Valid() {
		return fmt.Errorf("%w: unknown risk level %q", ErrInvalidProposal, p.RiskLevel)
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("%w: confidence %.2f out of range", ErrInvalidProposal, p.Confidence)
	}
	return nil
}
