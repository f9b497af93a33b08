package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/fixgen"
)

func testProposal(id string, risk fixgen.RiskLevel, confidence float64) fixgen.Proposal {
	return fixgen.Proposal{
		ID:         id,
		WorkflowID: "wf-1",
		EntityID:   "api-1",
		RootCause:  "container exceeded its memory limit",
		ProposedAction: fixgen.Action{
			Command:     "kubectl set resources deploy/api-1 --limits=memory=1Gi",
			Description: "raise the memory limit",
		},
		RiskLevel:  risk,
		Confidence: confidence,
		RollbackAction: fixgen.Action{
			Command:     "kubectl set resources deploy/api-1 --limits=memory=512Mi",
			Description: "restore the previous memory limit",
		},
		PatternID: "resource_exhaustion",
	}
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	q := NewQueue(DefaultConfig(), nil, zap.NewNop())
	t.Cleanup(q.Close)
	return q
}

func TestSubmitSortsByRiskThenConfidence(t *testing.T) {
	q := newTestQueue(t)

	records, err := q.Submit(context.Background(), "wf-1", []fixgen.Proposal{
		testProposal("p-low", fixgen.RiskLow, 0.9),
		testProposal("p-high-sure", fixgen.RiskHigh, 0.8),
		testProposal("p-high-unsure", fixgen.RiskHigh, 0.2),
		testProposal("p-med", fixgen.RiskMedium, 0.5),
	})
	require.NoError(t, err)
	require.Len(t, records, 4)

	got := make([]string, len(records))
	for i, r := range records {
		got[i] = r.Proposal.ID
	}
	// Highest risk first; within a risk level, lowest confidence first.
	assert.Equal(t, []string{"p-high-unsure", "p-high-sure", "p-med", "p-low"}, got)

	for _, r := range records {
		assert.Equal(t, StatusPendingReview, r.Status)
		assert.False(t, r.ExpiresAt.IsZero())
		require.Len(t, r.Audit, 1)
		assert.Equal(t, StatusProposed, r.Audit[0].From)
		assert.Equal(t, StatusPendingReview, r.Audit[0].To)
	}
}

func TestSubmitRejectsInvalidProposal(t *testing.T) {
	q := newTestQueue(t)

	p := testProposal("p-1", fixgen.RiskLow, 0.5)
	p.RollbackAction = fixgen.Action{}

	_, err := q.Submit(context.Background(), "wf-1", []fixgen.Proposal{p})
	assert.ErrorIs(t, err, fixgen.ErrInvalidProposal)
}

func TestSubmitRejectsDuplicate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, "wf-1", []fixgen.Proposal{testProposal("p-1", fixgen.RiskLow, 0.5)})
	require.NoError(t, err)

	_, err = q.Submit(ctx, "wf-1", []fixgen.Proposal{testProposal("p-1", fixgen.RiskLow, 0.5)})
	assert.ErrorIs(t, err, ErrDuplicateProposal)
}

func TestDecideLifecycle(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, "wf-1", []fixgen.Proposal{testProposal("p-1", fixgen.RiskLow, 0.5)})
	require.NoError(t, err)

	rec, err := q.Decide(ctx, "p-1", DecisionApproved, "alice", "looks safe")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, rec.Status)
	assert.Equal(t, "alice", rec.DecidedBy)
	require.NotNil(t, rec.DecidedAt)
	assert.Equal(t, "looks safe", rec.Feedback)
	require.Len(t, rec.Audit, 2)

	// A second decision on the same proposal is an invalid transition.
	_, err = q.Decide(ctx, "p-1", DecisionRejected, "bob", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, q.MarkExecuting("p-1"))
	require.NoError(t, q.MarkOutcome("p-1", true))

	final, err := q.Get("p-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.True(t, final.Status.Terminal())
}

func TestDecideUnknownProposal(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Decide(context.Background(), "nope", DecisionApproved, "alice", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExactlyOnceDecision(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, "wf-1", []fixgen.Proposal{testProposal("p-1", fixgen.RiskMedium, 0.5)})
	require.NoError(t, err)

	const n = 32
	var wg sync.WaitGroup
	wg.Add(n)
	results := make([]error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, results[i] = q.Decide(ctx, "p-1", DecisionApproved, fmt.Sprintf("actor-%d", i), "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
	}
	assert.Equal(t, 1, succeeded)
}

func TestDecideBatchScenario(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, "wf-1", []fixgen.Proposal{
		testProposal("p-1", fixgen.RiskLow, 0.5),
		testProposal("p-2", fixgen.RiskMedium, 0.6),
		testProposal("p-3", fixgen.RiskHigh, 0.4),
	})
	require.NoError(t, err)

	records, err := q.DecideBatch(ctx, "wf-1", DecisionApproved, "alice")
	require.NoError(t, err)
	assert.Len(t, records, 3)

	st := q.Status("wf-1")
	assert.True(t, st.AllApproved)
	assert.False(t, st.AnyRejected)
	assert.Zero(t, st.PendingCount)
}

func TestDecideBatchSkipsAlreadyDecided(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, "wf-1", []fixgen.Proposal{
		testProposal("p-1", fixgen.RiskLow, 0.5),
		testProposal("p-2", fixgen.RiskLow, 0.6),
	})
	require.NoError(t, err)

	_, err = q.Decide(ctx, "p-1", DecisionRejected, "bob", "too risky")
	require.NoError(t, err)

	records, err := q.DecideBatch(ctx, "wf-1", DecisionApproved, "alice")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "p-2", records[0].Proposal.ID)

	// The individually rejected record keeps its decision.
	rec, err := q.Get("p-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rec.Status)

	st := q.Status("wf-1")
	assert.True(t, st.AnyRejected)
	assert.False(t, st.AllApproved)
}

func TestConcurrentDecideAndBatch(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	var proposals []fixgen.Proposal
	for i := 0; i < 20; i++ {
		proposals = append(proposals, testProposal(fmt.Sprintf("p-%d", i), fixgen.RiskLow, 0.5))
	}
	_, err := q.Submit(ctx, "wf-1", proposals)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = q.DecideBatch(ctx, "wf-1", DecisionApproved, "alice")
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, _ = q.Decide(ctx, fmt.Sprintf("p-%d", i), DecisionRejected, "bob", "")
		}
	}()
	wg.Wait()

	// Every record was decided exactly once: its audit trail shows a single
	// transition out of pending_review.
	for i := 0; i < 20; i++ {
		rec, err := q.Get(fmt.Sprintf("p-%d", i))
		require.NoError(t, err)
		assert.Contains(t, []Status{StatusApproved, StatusRejected}, rec.Status)
		assert.Len(t, rec.Audit, 2)
	}
}

func TestStatusEmptyWorkflow(t *testing.T) {
	q := newTestQueue(t)
	st := q.Status("unknown")
	assert.False(t, st.AllApproved)
	assert.False(t, st.AnyRejected)
	assert.Zero(t, st.PendingCount)
}

func TestPendingScopeFilter(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	p1 := testProposal("p-1", fixgen.RiskLow, 0.5)
	_, err := q.Submit(ctx, "wf-1", []fixgen.Proposal{p1})
	require.NoError(t, err)

	p2 := testProposal("p-2", fixgen.RiskHigh, 0.5)
	p2.WorkflowID = "wf-2"
	p2.EntityID = "db-1"
	_, err = q.Submit(ctx, "wf-2", []fixgen.Proposal{p2})
	require.NoError(t, err)

	all := q.Pending("")
	assert.Len(t, all, 2)
	// Sorted: high risk first.
	assert.Equal(t, "p-2", all[0].Proposal.ID)

	scoped := q.Pending("db-1")
	require.Len(t, scoped, 1)
	assert.Equal(t, "p-2", scoped[0].Proposal.ID)
}

func TestExpireWorkflow(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, "wf-1", []fixgen.Proposal{
		testProposal("p-1", fixgen.RiskLow, 0.5),
		testProposal("p-2", fixgen.RiskLow, 0.6),
	})
	require.NoError(t, err)

	_, err = q.Decide(ctx, "p-1", DecisionApproved, "alice", "")
	require.NoError(t, err)

	expired := q.ExpireWorkflow("wf-1")
	assert.Len(t, expired, 2) // both pending and approved expire

	for _, id := range []string{"p-1", "p-2"} {
		rec, err := q.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, rec.Status)
		assert.True(t, rec.Status.Terminal())
	}
}

func TestSweepExpiresOverdueRecords(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReviewTTL = map[fixgen.RiskLevel]time.Duration{
		fixgen.RiskLow:    -time.Second, // already overdue at submission
		fixgen.RiskMedium: time.Hour,
	}
	q := NewQueue(cfg, nil, zap.NewNop())
	defer q.Close()
	ctx := context.Background()

	_, err := q.Submit(ctx, "wf-1", []fixgen.Proposal{
		testProposal("p-overdue", fixgen.RiskLow, 0.5),
		testProposal("p-fresh", fixgen.RiskMedium, 0.5),
	})
	require.NoError(t, err)

	q.sweepExpired(time.Now())

	rec, err := q.Get("p-overdue")
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, rec.Status)

	rec, err = q.Get("p-fresh")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingReview, rec.Status)
}

func TestCancelWorkflow(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, "wf-1", []fixgen.Proposal{
		testProposal("p-1", fixgen.RiskLow, 0.5),
		testProposal("p-2", fixgen.RiskLow, 0.6),
	})
	require.NoError(t, err)

	_, err = q.Decide(ctx, "p-1", DecisionApproved, "alice", "")
	require.NoError(t, err)

	cancelled := q.CancelWorkflow("wf-1", "engine", "cancelled")
	assert.Len(t, cancelled, 2)

	for _, id := range []string{"p-1", "p-2"} {
		rec, err := q.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusRejected, rec.Status)
		assert.Equal(t, "cancelled", rec.Feedback)
	}
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusProposed, StatusPendingReview, true},
		{StatusPendingReview, StatusApproved, true},
		{StatusPendingReview, StatusExecuting, false},
		{StatusApproved, StatusExecuting, true},
		{StatusApproved, StatusRejected, true}, // cancellation
		{StatusExecuting, StatusCompleted, true},
		{StatusExecuting, StatusFailed, true},
		{StatusCompleted, StatusPendingReview, false},
		{StatusRejected, StatusApproved, false},
		{StatusExpired, StatusApproved, false},
		{StatusNeedsMoreInfo, StatusPendingReview, false},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, canTransition(tt.from, tt.to))
		})
	}
}

func TestSubscribeWithoutBroker(t *testing.T) {
	q := newTestQueue(t)
	_, _, err := q.Subscribe(context.Background(), "wf-1")
	assert.True(t, errors.Is(err, ErrEventsDisabled))
}
