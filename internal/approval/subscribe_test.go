package approval

import (
	"context"
	"fmt"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/fixgen"
)

// startTestNATSServer spins up an embedded NATS server on a random port.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()

	opts := &natsserver.Options{
		Host:           "127.0.0.1",
		Port:           -1,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	}

	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()

	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server failed to start")
	}

	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})

	return server
}

func newEventedQueue(t *testing.T) *Queue {
	t.Helper()

	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	q := NewQueue(DefaultConfig(), nc, zap.NewNop())
	t.Cleanup(q.Close)
	return q
}

func waitEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestSubscribeConnectedEvent(t *testing.T) {
	q := newEventedQueue(t)
	ctx := context.Background()

	_, err := q.Submit(ctx, "wf-1", []fixgen.Proposal{
		testProposal("p-1", fixgen.RiskLow, 0.5),
		testProposal("p-2", fixgen.RiskLow, 0.6),
	})
	require.NoError(t, err)

	events, cancel, err := q.Subscribe(ctx, "wf-1")
	require.NoError(t, err)
	defer cancel()

	ev := waitEvent(t, events)
	assert.Equal(t, EventConnected, ev.Type)
	assert.Equal(t, "wf-1", ev.WorkflowID)
	assert.Equal(t, 2, ev.PendingCount)
}

func TestSubscribeReceivesDecisions(t *testing.T) {
	q := newEventedQueue(t)
	ctx := context.Background()

	events, cancel, err := q.Subscribe(ctx, "wf-1")
	require.NoError(t, err)
	defer cancel()

	ev := waitEvent(t, events)
	require.Equal(t, EventConnected, ev.Type)

	_, err = q.Submit(ctx, "wf-1", []fixgen.Proposal{testProposal("p-1", fixgen.RiskLow, 0.5)})
	require.NoError(t, err)

	ev = waitEvent(t, events)
	assert.Equal(t, EventSubmitted, ev.Type)
	assert.Equal(t, "p-1", ev.ProposalID)
	assert.Equal(t, StatusPendingReview, ev.Status)

	_, err = q.Decide(ctx, "p-1", DecisionApproved, "alice", "")
	require.NoError(t, err)

	ev = waitEvent(t, events)
	assert.Equal(t, EventDecided, ev.Type)
	assert.Equal(t, "p-1", ev.ProposalID)
	assert.Equal(t, StatusApproved, ev.Status)
	assert.Equal(t, "alice", ev.Actor)
}

func TestSubscribeBatchEvent(t *testing.T) {
	q := newEventedQueue(t)
	ctx := context.Background()

	events, cancel, err := q.Subscribe(ctx, "wf-1")
	require.NoError(t, err)
	defer cancel()

	require.Equal(t, EventConnected, waitEvent(t, events).Type)

	_, err = q.Submit(ctx, "wf-1", []fixgen.Proposal{
		testProposal("p-1", fixgen.RiskLow, 0.5),
		testProposal("p-2", fixgen.RiskLow, 0.6),
	})
	require.NoError(t, err)

	require.Equal(t, EventSubmitted, waitEvent(t, events).Type)
	require.Equal(t, EventSubmitted, waitEvent(t, events).Type)

	_, err = q.DecideBatch(ctx, "wf-1", DecisionRejected, "bob")
	require.NoError(t, err)

	ev := waitEvent(t, events)
	assert.Equal(t, EventBatchRejected, ev.Type)
	assert.Equal(t, "bob", ev.Actor)
}

func TestSubscribeScopedToWorkflow(t *testing.T) {
	q := newEventedQueue(t)
	ctx := context.Background()

	events, cancel, err := q.Subscribe(ctx, "wf-1")
	require.NoError(t, err)
	defer cancel()

	require.Equal(t, EventConnected, waitEvent(t, events).Type)

	// Activity on another workflow must not reach this subscriber.
	_, err = q.Submit(ctx, "wf-other", []fixgen.Proposal{testProposal("p-other", fixgen.RiskLow, 0.5)})
	require.NoError(t, err)

	_, err = q.Submit(ctx, "wf-1", []fixgen.Proposal{testProposal("p-mine", fixgen.RiskLow, 0.5)})
	require.NoError(t, err)

	ev := waitEvent(t, events)
	assert.Equal(t, "p-mine", ev.ProposalID)
	assert.Equal(t, "wf-1", ev.WorkflowID)
}

func TestSubmittedEventPrecedesDecided(t *testing.T) {
	q := newEventedQueue(t)
	ctx := context.Background()

	// A reviewer decides the instant the record becomes visible, racing the
	// submitter's event publish. Subscribers must still observe submitted
	// before decided for the same proposal.
	for i := 0; i < 25; i++ {
		wf := fmt.Sprintf("wf-order-%d", i)
		pid := fmt.Sprintf("p-order-%d", i)

		events, cancel, err := q.Subscribe(ctx, wf)
		require.NoError(t, err)
		require.Equal(t, EventConnected, waitEvent(t, events).Type)

		decided := make(chan struct{})
		go func() {
			defer close(decided)
			for {
				if _, err := q.Decide(ctx, pid, DecisionApproved, "alice", ""); err == nil {
					return
				}
				time.Sleep(10 * time.Microsecond)
			}
		}()

		_, err = q.Submit(ctx, wf, []fixgen.Proposal{testProposal(pid, fixgen.RiskLow, 0.5)})
		require.NoError(t, err)
		<-decided

		first := waitEvent(t, events)
		require.Equal(t, EventSubmitted, first.Type, "observed %s before submitted", first.Type)
		require.Equal(t, pid, first.ProposalID)

		second := waitEvent(t, events)
		require.Equal(t, EventDecided, second.Type)
		require.Equal(t, pid, second.ProposalID)

		cancel()
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	q := newEventedQueue(t)

	events, cancel, err := q.Subscribe(context.Background(), "wf-1")
	require.NoError(t, err)

	require.Equal(t, EventConnected, waitEvent(t, events).Type)

	cancel()
	cancel() // safe to call twice

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}

func TestSubscribeExpiredEvent(t *testing.T) {
	q := newEventedQueue(t)
	ctx := context.Background()

	events, cancel, err := q.Subscribe(ctx, "wf-1")
	require.NoError(t, err)
	defer cancel()

	require.Equal(t, EventConnected, waitEvent(t, events).Type)

	_, err = q.Submit(ctx, "wf-1", []fixgen.Proposal{testProposal("p-1", fixgen.RiskLow, 0.5)})
	require.NoError(t, err)
	require.Equal(t, EventSubmitted, waitEvent(t, events).Type)

	expired := q.ExpireWorkflow("wf-1")
	require.Len(t, expired, 1)

	ev := waitEvent(t, events)
	assert.Equal(t, EventExpired, ev.Type)
	assert.Equal(t, "p-1", ev.ProposalID)
	assert.Equal(t, StatusExpired, ev.Status)
}
