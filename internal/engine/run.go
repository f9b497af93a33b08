package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/approval"
	"github.com/fyrsmithlabs/remedyd/internal/detect"
	"github.com/fyrsmithlabs/remedyd/internal/fixgen"
	"github.com/fyrsmithlabs/remedyd/internal/graph"
	"github.com/fyrsmithlabs/remedyd/internal/learning"
)

// execute drives one run through the remediation state machine. It owns the
// run goroutine; every exit path passes through learn and finish.
func (e *Engine) execute(r *run) {
	defer close(r.done)
	defer r.cancel()

	_, span := e.tracer.Start(r.ctx, "engine.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", r.id),
		attribute.String("scope", r.scope),
	)

	// identify
	entities := e.identify(r)
	if r.ctx.Err() != nil {
		e.finish(r, DoneCancelled)
		return
	}

	// diagnose
	e.setState(r, StateDiagnose)
	bundles := e.diagnose(r, entities)

	// query_knowledge
	e.setState(r, StateQueryKnowledge)
	e.queryKnowledge(r, entities)

	// generate_fixes
	e.setState(r, StateGenerateFixes)
	proposals := e.generateFixes(r, bundles)
	if r.ctx.Err() != nil {
		e.finish(r, DoneCancelled)
		return
	}
	if len(proposals) == 0 {
		e.addNote(r, "no known failure pattern matched; manual investigation required")
		e.setState(r, StateLearn)
		e.finish(r, DoneOK)
		return
	}

	// await_approval
	e.setState(r, StateAwaitApproval)
	deadline := time.Now().Add(e.config.ApprovalTimeout)
	verdict := e.awaitApproval(r, proposals, bundles, deadline)

	switch verdict {
	case awaitCancelled:
		e.deps.Queue.CancelWorkflow(r.id, "engine", "cancelled")
		e.learn(r)
		e.finish(r, DoneCancelled)
		return
	case awaitTimeout:
		expired := e.deps.Queue.ExpireWorkflow(r.id)
		e.addNote(r, fmt.Sprintf("approval window elapsed with %d undecided proposals", len(expired)))
		e.learn(r)
		e.finish(r, DoneTimeout)
		return
	case awaitRejected:
		e.addNote(r, "at least one proposal was rejected; skipping execution")
		e.learn(r)
		e.finish(r, DoneRejected)
		return
	}

	// execute
	e.setState(r, StateExecute)
	applied := e.executeApproved(r)
	if r.ctx.Err() != nil {
		e.abortExecuting(r)
		e.deps.Queue.CancelWorkflow(r.id, "engine", "cancelled")
		e.learn(r)
		e.finish(r, DoneCancelled)
		return
	}

	// validate
	e.setState(r, StateValidate)
	e.validate(r, applied)

	// learn
	e.learn(r)

	status := DoneOK
	for _, o := range e.snapshotOutcomes(r) {
		if !o.Success {
			status = DonePartialFailure
			break
		}
	}
	e.finish(r, status)
}

// identify groups findings by entity and records them in the knowledge graph.
func (e *Engine) identify(r *run) []string {
	seen := make(map[string]bool)
	var entities []string

	for _, f := range r.findings {
		if _, _, err := e.deps.Graph.AddFinding(f); err != nil {
			e.logger.Warn("failed to record finding",
				zap.String("run_id", r.id),
				zap.String("finding_id", f.ID),
				zap.Error(err),
			)
		}
		if f.EntityID != "" && !seen[f.EntityID] {
			seen[f.EntityID] = true
			entities = append(entities, f.EntityID)
		}
	}
	return entities
}

// diagnose builds one immutable diagnostic bundle per entity from its
// findings' descriptions.
func (e *Engine) diagnose(r *run, entities []string) map[string]detect.Bundle {
	bundles := make(map[string]detect.Bundle, len(entities))
	for _, entity := range entities {
		var signals []string
		for _, f := range r.findings {
			if f.EntityID == entity {
				signals = append(signals, f.Description)
			}
		}
		bundles[entity] = detect.NewBundle(entity, signals)
	}
	return bundles
}

// queryKnowledge notes what the graph already knows about the affected
// entities. The traversal result informs the run summary; the generator does
// its own per-pattern context lookup later.
func (e *Engine) queryKnowledge(r *run, entities []string) {
	for _, entity := range entities {
		start := graph.QualifyID(graph.NodeEntity, entity)
		_, nodes := e.deps.Graph.Traverse(start, graph.DefaultTraverseDepth, nil)
		if len(nodes) > 1 {
			e.addNote(r, fmt.Sprintf("graph knows %d related nodes for %s", len(nodes)-1, entity))
		}
	}
}

// generateFixes detects patterns per bundle and generates proposals for the
// given entities. Entities with no matched pattern are noted, not failed.
func (e *Engine) generateFixes(r *run, bundles map[string]detect.Bundle) []fixgen.Proposal {
	var proposals []fixgen.Proposal

	for entity, bundle := range bundles {
		patterns := e.deps.Detector.Detect(bundle)
		if len(patterns) == 0 {
			e.addNote(r, fmt.Sprintf("no pattern matched for %s", entity))
			continue
		}

		generated, err := e.deps.Generator.Generate(r.ctx, fixgen.Request{
			WorkflowID: r.id,
			EntityID:   entity,
			Bundle:     &bundle,
			Patterns:   patterns,
		})
		if err != nil {
			e.logger.Warn("fix generation failed",
				zap.String("run_id", r.id),
				zap.String("entity_id", entity),
				zap.Error(err),
			)
			continue
		}
		proposals = append(proposals, generated...)
	}
	return proposals
}

type awaitVerdict int

const (
	awaitApproved awaitVerdict = iota
	awaitRejected
	awaitTimeout
	awaitCancelled
)

// awaitApproval submits proposals and suspends until every record is decided,
// the deadline passes, or the run is cancelled. Event subscription is
// preferred; polling on the configured interval is the fallback and also
// covers missed events. A needs_more_info decision triggers exactly one
// re-diagnosis pass over the affected entities within the same deadline.
func (e *Engine) awaitApproval(r *run, proposals []fixgen.Proposal, bundles map[string]detect.Bundle, deadline time.Time) awaitVerdict {
	records, err := e.deps.Queue.Submit(r.ctx, r.id, proposals)
	if err != nil {
		e.logger.Error("proposal submission failed",
			zap.String("run_id", r.id), zap.Error(err))
		e.addNote(r, fmt.Sprintf("submission failed: %v", err))
		return awaitRejected
	}

	e.mu.Lock()
	for _, rec := range records {
		r.proposals = append(r.proposals, rec.Proposal.ID)
	}
	e.mu.Unlock()

	for {
		verdict := e.waitDecisions(r, deadline)
		if verdict != awaitApproved {
			return verdict
		}

		// All records decided. A needs_more_info verdict gets one
		// re-diagnosis pass over just the affected entities.
		moreInfo := e.needsMoreInfoEntities(r)
		if len(moreInfo) == 0 {
			break
		}
		if r.rediagnosed {
			e.addNote(r, "needs_more_info again after re-diagnosis; leaving for manual review")
			break
		}
		r.rediagnosed = true

		e.setState(r, StateDiagnose)
		scoped := make(map[string]detect.Bundle, len(moreInfo))
		for _, entity := range moreInfo {
			if b, ok := bundles[entity]; ok {
				scoped[entity] = b
			}
		}

		e.setState(r, StateGenerateFixes)
		regenerated := e.generateFixes(r, scoped)
		if len(regenerated) == 0 {
			e.addNote(r, "re-diagnosis produced no new proposals")
			break
		}

		e.setState(r, StateAwaitApproval)
		fresh, err := e.deps.Queue.Submit(r.ctx, r.id, regenerated)
		if err != nil {
			e.logger.Warn("re-submission failed", zap.String("run_id", r.id), zap.Error(err))
			break
		}
		e.mu.Lock()
		for _, rec := range fresh {
			r.proposals = append(r.proposals, rec.Proposal.ID)
		}
		e.mu.Unlock()
	}

	if st := e.deps.Queue.Status(r.id); st.AnyRejected {
		return awaitRejected
	}
	return awaitApproved
}

// waitDecisions blocks until the workflow has no pending records, preferring
// event wakeups over the poll ticker.
func (e *Engine) waitDecisions(r *run, deadline time.Time) awaitVerdict {
	events, cancelSub, err := e.deps.Queue.Subscribe(r.ctx, r.id)
	if err != nil {
		if err != approval.ErrEventsDisabled {
			e.logger.Warn("event subscription failed, polling only",
				zap.String("run_id", r.id), zap.Error(err))
		}
		events = nil
	} else {
		defer cancelSub()
	}

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(time.Until(deadline))
	defer timeout.Stop()

	for {
		st := e.deps.Queue.Status(r.id)
		if st.PendingCount == 0 {
			return awaitApproved
		}

		select {
		case <-ticker.C:
		case <-events:
		case <-timeout.C:
			return awaitTimeout
		case <-r.ctx.Done():
			return awaitCancelled
		}
	}
}

// needsMoreInfoEntities lists entities whose records were sent back for more
// information.
func (e *Engine) needsMoreInfoEntities(r *run) []string {
	seen := make(map[string]bool)
	var entities []string
	for _, rec := range e.deps.Queue.Records(r.id) {
		if rec.Status != approval.StatusNeedsMoreInfo {
			continue
		}
		if !seen[rec.Proposal.EntityID] {
			seen[rec.Proposal.EntityID] = true
			entities = append(entities, rec.Proposal.EntityID)
		}
	}
	return entities
}

// executeApproved applies each approved proposal. Apply failures trigger a
// rollback attempt and a failed outcome; the run continues with the rest.
// Returns the records whose actions were applied and await validation.
func (e *Engine) executeApproved(r *run) []approval.Record {
	var applied []approval.Record

	for _, rec := range e.deps.Queue.Records(r.id) {
		if rec.Status != approval.StatusApproved {
			continue
		}
		if r.ctx.Err() != nil {
			return applied
		}

		id := rec.Proposal.ID
		if err := e.deps.Queue.MarkExecuting(id); err != nil {
			e.logger.Warn("could not mark executing",
				zap.String("proposal_id", id), zap.Error(err))
			continue
		}

		if err := e.deps.Executor.Apply(r.ctx, rec.Proposal.ProposedAction); err != nil {
			e.logger.Error("fix application failed",
				zap.String("run_id", r.id),
				zap.String("proposal_id", id),
				zap.Error(err),
			)
			e.rollback(r, rec)
			e.failProposal(r, id, err.Error())
			continue
		}

		applied = append(applied, rec)
	}
	return applied
}

// abortExecuting rolls back and fails every record caught mid-execution by a
// cancellation. Executing has no expiry and is untouched by CancelWorkflow,
// so without this the records would never reach a terminal state. Rollbacks
// run on a detached context: the run's own context is already cancelled.
func (e *Engine) abortExecuting(r *run) {
	ctx := context.WithoutCancel(r.ctx)
	for _, rec := range e.deps.Queue.Records(r.id) {
		if rec.Status != approval.StatusExecuting {
			continue
		}
		if err := e.deps.Executor.Rollback(ctx, rec.Proposal.RollbackAction); err != nil {
			e.logger.Error("rollback failed",
				zap.String("run_id", r.id),
				zap.String("proposal_id", rec.Proposal.ID),
				zap.Error(err),
			)
			e.addNote(r, fmt.Sprintf("rollback failed for %s: %v", rec.Proposal.ID, err))
		}
		e.failProposal(r, rec.Proposal.ID, "run cancelled during execution")
	}
}

// validate health-checks applied fixes after a settle delay. A fix whose
// entity stays unhealthy is rolled back and marked failed.
func (e *Engine) validate(r *run, applied []approval.Record) {
	if len(applied) == 0 {
		return
	}

	if e.config.SettleDelay > 0 {
		select {
		case <-time.After(e.config.SettleDelay):
		case <-r.ctx.Done():
		}
	}

	healthy := make(map[string]bool)
	for _, rec := range applied {
		entity := rec.Proposal.EntityID
		if _, checked := healthy[entity]; checked {
			continue
		}
		if e.deps.Health == nil {
			healthy[entity] = true
			continue
		}
		err := e.deps.Health.Check(r.ctx, entity)
		healthy[entity] = err == nil
		if err != nil {
			e.logger.Warn("entity unhealthy after fix",
				zap.String("run_id", r.id),
				zap.String("entity_id", entity),
				zap.Error(err),
			)
		}
	}

	for _, rec := range applied {
		id := rec.Proposal.ID
		if healthy[rec.Proposal.EntityID] {
			if err := e.deps.Queue.MarkOutcome(id, true); err != nil {
				e.logger.Warn("could not mark outcome", zap.String("proposal_id", id), zap.Error(err))
			}
			e.recordOutcome(r, Outcome{ProposalID: id, Applied: true, Success: true})
			continue
		}
		e.rollback(r, rec)
		e.failProposal(r, id, "entity unhealthy after settle delay")
	}
}

func (e *Engine) rollback(r *run, rec approval.Record) {
	if err := e.deps.Executor.Rollback(r.ctx, rec.Proposal.RollbackAction); err != nil {
		e.logger.Error("rollback failed",
			zap.String("run_id", r.id),
			zap.String("proposal_id", rec.Proposal.ID),
			zap.Error(err),
		)
		e.addNote(r, fmt.Sprintf("rollback failed for %s: %v", rec.Proposal.ID, err))
	}
}

func (e *Engine) failProposal(r *run, proposalID, reason string) {
	if err := e.deps.Queue.MarkOutcome(proposalID, false); err != nil {
		e.logger.Warn("could not mark outcome",
			zap.String("proposal_id", proposalID), zap.Error(err))
	}
	e.recordOutcome(r, Outcome{ProposalID: proposalID, Applied: true, Error: reason})
}

// learn reports every terminal proposal to the learning store. It always
// runs, including after timeouts and rejections where no proposal reached a
// completed or failed state.
func (e *Engine) learn(r *run) {
	e.setState(r, StateLearn)

	for _, rec := range e.deps.Queue.Records(r.id) {
		var success bool
		switch rec.Status {
		case approval.StatusCompleted:
			success = true
		case approval.StatusFailed:
			success = false
		default:
			continue
		}
		e.deps.Learner.Record(r.ctx, learning.Outcome{
			PatternID:   rec.Proposal.PatternID,
			Proposal:    rec.Proposal,
			Success:     success,
			EntityScope: r.scope,
		})
	}
}

func (e *Engine) snapshotOutcomes(r *run) map[string]Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]Outcome, len(r.outcomes))
	for k, v := range r.outcomes {
		out[k] = v
	}
	return out
}
