package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/fixgen"
)

const instrumentationName = "github.com/fyrsmithlabs/remedyd/internal/approval"

// Sentinel errors surfaced to callers.
var (
	// ErrInvalidTransition is returned when a decision targets a record that
	// is not in pending_review, or any other illegal state change.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotFound is returned when the proposal is unknown to the queue.
	ErrNotFound = errors.New("proposal not found")

	// ErrDuplicateProposal is returned when a proposal ID is submitted twice.
	ErrDuplicateProposal = errors.New("proposal already submitted")

	// ErrEventsDisabled is returned by Subscribe when no broker is wired;
	// callers fall back to polling Status.
	ErrEventsDisabled = errors.New("event streaming disabled: no NATS connection")
)

// Config configures the approval queue.
type Config struct {
	// ReviewTTL is how long a record may sit in pending_review or approved
	// before expiring, keyed by risk level. Higher-risk fixes get a longer
	// review window since they warrant more scrutiny.
	ReviewTTL map[fixgen.RiskLevel]time.Duration

	// SweepInterval is how often the expiry sweeper runs.
	SweepInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ReviewTTL: map[fixgen.RiskLevel]time.Duration{
			fixgen.RiskLow:    15 * time.Minute,
			fixgen.RiskMedium: 30 * time.Minute,
			fixgen.RiskHigh:   60 * time.Minute,
		},
		SweepInterval: 30 * time.Second,
	}
}

func (c *Config) ttlFor(risk fixgen.RiskLevel) time.Duration {
	if ttl, ok := c.ReviewTTL[risk]; ok {
		return ttl
	}
	return 15 * time.Minute
}

// Queue is the single source of truth for proposal approval state.
//
// All mutations go through Decide/DecideBatch (and the lifecycle markers used
// by the engine), which are mutually exclusive per proposal: two concurrent
// decisions on the same proposal cannot both succeed. State changes broadcast
// events on NATS subjects "approvals.<workflow_id>.<event>".
//
// The queue is in-memory for a single process; records carry a full audit
// trail so a durable backing store can be swapped in without contract
// changes.
type Queue struct {
	config *Config
	nc     *nats.Conn
	logger *zap.Logger

	mu         sync.Mutex
	records    map[string]*Record
	byWorkflow map[string][]string

	stopSweep chan struct{}
	sweepOnce sync.Once

	tracer          trace.Tracer
	meter           metric.Meter
	submitCounter   metric.Int64Counter
	decisionCounter metric.Int64Counter
	expiredCounter  metric.Int64Counter
}

// NewQueue creates an approval queue. nc may be nil, in which case event
// broadcasting is disabled and Subscribe returns ErrEventsDisabled.
func NewQueue(cfg *Config, nc *nats.Conn, logger *zap.Logger) *Queue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &Queue{
		config:     cfg,
		nc:         nc,
		logger:     logger,
		records:    make(map[string]*Record),
		byWorkflow: make(map[string][]string),
		stopSweep:  make(chan struct{}),
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	q.initMetrics()

	go q.sweepLoop()

	return q
}

func (q *Queue) initMetrics() {
	var err error

	q.submitCounter, err = q.meter.Int64Counter(
		"remedyd.approval.submissions_total",
		metric.WithDescription("Total number of proposals submitted for review"),
		metric.WithUnit("{proposal}"),
	)
	if err != nil {
		q.logger.Warn("failed to create submit counter", zap.Error(err))
	}

	q.decisionCounter, err = q.meter.Int64Counter(
		"remedyd.approval.decisions_total",
		metric.WithDescription("Total number of approval decisions"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		q.logger.Warn("failed to create decision counter", zap.Error(err))
	}

	q.expiredCounter, err = q.meter.Int64Counter(
		"remedyd.approval.expired_total",
		metric.WithDescription("Total number of records expired without a decision"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		q.logger.Warn("failed to create expired counter", zap.Error(err))
	}
}

// Close stops the expiry sweeper. It does not close the NATS connection,
// which the queue does not own.
func (q *Queue) Close() {
	q.sweepOnce.Do(func() { close(q.stopSweep) })
}

// Submit creates one pending_review record per proposal and broadcasts a
// submitted event for each. The returned records are sorted for presentation
// by descending risk then ascending confidence, surfacing the riskiest,
// least certain items first.
func (q *Queue) Submit(ctx context.Context, workflowID string, proposals []fixgen.Proposal) ([]Record, error) {
	ctx, span := q.tracer.Start(ctx, "approval.submit")
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.Int("proposal_count", len(proposals)),
	)

	if workflowID == "" {
		return nil, errors.New("workflow id is required")
	}
	if len(proposals) == 0 {
		return nil, errors.New("no proposals to submit")
	}

	for i := range proposals {
		if err := fixgen.Validate(&proposals[i]); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	now := time.Now()
	var events []Event

	q.mu.Lock()
	for _, p := range proposals {
		if _, exists := q.records[p.ID]; exists {
			q.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProposal, p.ID)
		}
	}

	out := make([]Record, 0, len(proposals))
	for _, p := range proposals {
		p.WorkflowID = workflowID
		rec := &Record{
			Proposal:  p,
			Status:    StatusPendingReview,
			CreatedAt: now,
			ExpiresAt: now.Add(q.config.ttlFor(p.RiskLevel)),
			Audit: []AuditEntry{{
				From:      StatusProposed,
				To:        StatusPendingReview,
				Timestamp: now,
			}},
		}
		q.records[p.ID] = rec
		q.byWorkflow[workflowID] = append(q.byWorkflow[workflowID], p.ID)
		out = append(out, *rec)

		events = append(events, Event{
			Type:       EventSubmitted,
			WorkflowID: workflowID,
			ProposalID: p.ID,
			Status:     StatusPendingReview,
			Timestamp:  now,
		})
	}
	// Published before the lock is released: any decision on these proposals
	// must take the lock first, so its decided event can never be enqueued on
	// the connection ahead of the submitted event.
	q.publishAll(events)
	q.mu.Unlock()

	if q.submitCounter != nil {
		q.submitCounter.Add(ctx, int64(len(out)), metric.WithAttributes(
			attribute.String("workflow_id", workflowID),
		))
	}

	q.logger.Info("proposals submitted for review",
		zap.String("workflow_id", workflowID),
		zap.Int("count", len(out)),
	)

	sortForReview(out)
	return out, nil
}

// Decide applies one reviewer decision to a pending_review record. Returns
// ErrInvalidTransition if the record is in any other state, so concurrent
// decisions on the same proposal cannot both succeed.
func (q *Queue) Decide(ctx context.Context, proposalID string, decision Decision, actor, feedback string) (Record, error) {
	ctx, span := q.tracer.Start(ctx, "approval.decide")
	defer span.End()

	span.SetAttributes(
		attribute.String("proposal_id", proposalID),
		attribute.String("decision", string(decision)),
	)

	target, ok := decision.statusFor()
	if !ok {
		return Record{}, fmt.Errorf("unknown decision %q", decision)
	}

	q.mu.Lock()
	rec, exists := q.records[proposalID]
	if !exists {
		q.mu.Unlock()
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, proposalID)
	}
	if rec.Status != StatusPendingReview {
		status := rec.Status
		q.mu.Unlock()
		return Record{}, fmt.Errorf("%w: proposal %s is %s, not %s",
			ErrInvalidTransition, proposalID, status, StatusPendingReview)
	}

	now := time.Now()
	q.applyLocked(rec, target, actor, feedback, now)
	snapshot := *rec
	workflowID := rec.Proposal.WorkflowID
	q.mu.Unlock()

	q.publishAll([]Event{{
		Type:       EventDecided,
		WorkflowID: workflowID,
		ProposalID: proposalID,
		Status:     target,
		Actor:      actor,
		Timestamp:  now,
	}})

	if q.decisionCounter != nil {
		q.decisionCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("decision", string(decision)),
		))
	}

	q.logger.Info("proposal decided",
		zap.String("proposal_id", proposalID),
		zap.String("decision", string(decision)),
		zap.String("actor", actor),
	)

	return snapshot, nil
}

// DecideBatch applies one decision to every pending_review record of a
// workflow. The batch is atomic with respect to concurrent Decide calls:
// either a record is decided here or individually, never both.
func (q *Queue) DecideBatch(ctx context.Context, workflowID string, decision Decision, actor string) ([]Record, error) {
	ctx, span := q.tracer.Start(ctx, "approval.decide_batch")
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow_id", workflowID),
		attribute.String("decision", string(decision)),
	)

	target, ok := decision.statusFor()
	if !ok {
		return nil, fmt.Errorf("unknown decision %q", decision)
	}

	now := time.Now()
	var out []Record

	q.mu.Lock()
	for _, id := range q.byWorkflow[workflowID] {
		rec := q.records[id]
		if rec.Status != StatusPendingReview {
			continue
		}
		q.applyLocked(rec, target, actor, "", now)
		out = append(out, *rec)
	}
	q.mu.Unlock()

	eventType := EventBatchRejected
	if decision == DecisionApproved {
		eventType = EventBatchApproved
	}
	q.publishAll([]Event{{
		Type:       eventType,
		WorkflowID: workflowID,
		Status:     target,
		Actor:      actor,
		Timestamp:  now,
	}})

	if q.decisionCounter != nil {
		q.decisionCounter.Add(ctx, int64(len(out)), metric.WithAttributes(
			attribute.String("decision", string(decision)),
			attribute.Bool("batch", true),
		))
	}

	q.logger.Info("batch decision applied",
		zap.String("workflow_id", workflowID),
		zap.String("decision", string(decision)),
		zap.String("actor", actor),
		zap.Int("count", len(out)),
	)

	sortForReview(out)
	return out, nil
}

// applyLocked performs a checked transition and appends the audit entry.
// Callers hold q.mu and have verified the transition is legal.
func (q *Queue) applyLocked(rec *Record, target Status, actor, feedback string, now time.Time) {
	entry := AuditEntry{
		Actor:     actor,
		From:      rec.Status,
		To:        target,
		Feedback:  feedback,
		Timestamp: now,
	}
	rec.Status = target
	rec.Audit = append(rec.Audit, entry)

	switch target {
	case StatusApproved, StatusRejected, StatusNeedsMoreInfo:
		rec.DecidedBy = actor
		decidedAt := now
		rec.DecidedAt = &decidedAt
		if feedback != "" {
			rec.Feedback = feedback
		}
	}
}

// Status summarizes a workflow's records for the engine's await loop.
func (q *Queue) Status(workflowID string) WorkflowStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked(workflowID)
}

func (q *Queue) statusLocked(workflowID string) WorkflowStatus {
	ids := q.byWorkflow[workflowID]
	st := WorkflowStatus{}
	if len(ids) == 0 {
		return st
	}

	approved := 0
	for _, id := range ids {
		switch q.records[id].Status {
		case StatusPendingReview:
			st.PendingCount++
		case StatusRejected:
			st.AnyRejected = true
		case StatusApproved, StatusExecuting, StatusCompleted, StatusFailed:
			approved++
		}
	}
	st.AllApproved = approved == len(ids)
	return st
}

// Pending returns the pending_review records whose workflow ID contains the
// scope substring (empty scope matches all), sorted for presentation.
func (q *Queue) Pending(scope string) []Record {
	q.mu.Lock()
	out := make([]Record, 0)
	for _, rec := range q.records {
		if rec.Status != StatusPendingReview {
			continue
		}
		if scope != "" && !containsFold(rec.Proposal.WorkflowID, scope) && !containsFold(rec.Proposal.EntityID, scope) {
			continue
		}
		out = append(out, *rec)
	}
	q.mu.Unlock()

	sortForReview(out)
	return out
}

// Get returns a snapshot of one record.
func (q *Queue) Get(proposalID string) (Record, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.records[proposalID]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, proposalID)
	}
	return *rec, nil
}

// Records returns snapshots of all records for a workflow, in submission order.
func (q *Queue) Records(workflowID string) []Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := q.byWorkflow[workflowID]
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, *q.records[id])
	}
	return out
}

// MarkExecuting transitions an approved record to executing.
func (q *Queue) MarkExecuting(proposalID string) error {
	return q.lifecycle(proposalID, StatusExecuting, "", "")
}

// MarkOutcome transitions an executing record to completed or failed.
func (q *Queue) MarkOutcome(proposalID string, success bool) error {
	target := StatusCompleted
	if !success {
		target = StatusFailed
	}
	return q.lifecycle(proposalID, target, "", "")
}

// lifecycle performs an engine-driven transition with transition checking.
func (q *Queue) lifecycle(proposalID string, target Status, actor, feedback string) error {
	q.mu.Lock()
	rec, ok := q.records[proposalID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, proposalID)
	}
	if !canTransition(rec.Status, target) {
		from := rec.Status
		q.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s for proposal %s", ErrInvalidTransition, from, target, proposalID)
	}
	q.applyLocked(rec, target, actor, feedback, time.Now())
	q.mu.Unlock()
	return nil
}

// CancelWorkflow rejects every still-live record of a workflow with the given
// reason. Used when a run is cancelled after approval but before execution so
// records are not left approved forever.
func (q *Queue) CancelWorkflow(workflowID, actor, reason string) []Record {
	now := time.Now()
	var out []Record
	var events []Event

	q.mu.Lock()
	for _, id := range q.byWorkflow[workflowID] {
		rec := q.records[id]
		if rec.Status != StatusPendingReview && rec.Status != StatusApproved {
			continue
		}
		q.applyLocked(rec, StatusRejected, actor, reason, now)
		out = append(out, *rec)
		events = append(events, Event{
			Type:       EventDecided,
			WorkflowID: workflowID,
			ProposalID: id,
			Status:     StatusRejected,
			Actor:      actor,
			Timestamp:  now,
		})
	}
	q.mu.Unlock()

	q.publishAll(events)
	return out
}

// ExpireWorkflow expires every pending_review or approved record of a
// workflow immediately. The engine calls this when await_approval times out,
// so undecided proposals end in expired rather than being silently dropped.
func (q *Queue) ExpireWorkflow(workflowID string) []Record {
	now := time.Now()
	var out []Record
	var events []Event

	q.mu.Lock()
	for _, id := range q.byWorkflow[workflowID] {
		rec := q.records[id]
		if rec.Status != StatusPendingReview && rec.Status != StatusApproved {
			continue
		}
		q.applyLocked(rec, StatusExpired, "", "approval window elapsed", now)
		out = append(out, *rec)
		events = append(events, Event{
			Type:       EventExpired,
			WorkflowID: workflowID,
			ProposalID: id,
			Status:     StatusExpired,
			Timestamp:  now,
		})
	}
	q.mu.Unlock()

	if q.expiredCounter != nil && len(out) > 0 {
		q.expiredCounter.Add(noopCtx, int64(len(out)))
	}

	q.publishAll(events)
	return out
}

// sweepLoop expires overdue records on a fixed interval.
func (q *Queue) sweepLoop() {
	interval := q.config.SweepInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			q.sweepExpired(time.Now())
		case <-q.stopSweep:
			return
		}
	}
}

func (q *Queue) sweepExpired(now time.Time) {
	var events []Event
	expired := 0

	q.mu.Lock()
	for id, rec := range q.records {
		if rec.Status != StatusPendingReview && rec.Status != StatusApproved {
			continue
		}
		if now.Before(rec.ExpiresAt) {
			continue
		}
		q.applyLocked(rec, StatusExpired, "", "approval window elapsed", now)
		expired++
		events = append(events, Event{
			Type:       EventExpired,
			WorkflowID: rec.Proposal.WorkflowID,
			ProposalID: id,
			Status:     StatusExpired,
			Timestamp:  now,
		})
	}
	q.mu.Unlock()

	if expired > 0 {
		if q.expiredCounter != nil {
			q.expiredCounter.Add(noopCtx, int64(expired))
		}
		q.logger.Info("expired undecided records", zap.Int("count", expired))
	}

	q.publishAll(events)
}

// sortForReview orders records by descending risk then ascending confidence:
// the riskiest, least certain proposals surface first.
func sortForReview(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		ri, rj := records[i].Proposal, records[j].Proposal
		if ri.RiskLevel.Rank() != rj.RiskLevel.Rank() {
			return ri.RiskLevel.Rank() > rj.RiskLevel.Rank()
		}
		return ri.Confidence < rj.Confidence
	})
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// publishAll broadcasts events to NATS. Broadcast failures are logged, never
// returned: the queue's in-memory state is authoritative and pollers still
// observe it.
func (q *Queue) publishAll(events []Event) {
	if q.nc == nil || len(events) == 0 {
		return
	}
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			q.logger.Warn("failed to marshal event", zap.Error(err))
			continue
		}
		subject := fmt.Sprintf("approvals.%s.%s", ev.WorkflowID, ev.Type)
		if err := q.nc.Publish(subject, data); err != nil {
			q.logger.Warn("failed to publish event",
				zap.String("subject", subject), zap.Error(err))
		}
	}
}

// noopCtx is used for metric recording outside request scope.
var noopCtx = context.Background()
