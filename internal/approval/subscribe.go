package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subscribe delivers state-change events for one workflow. The first event on
// the channel is always a connected event carrying the current pending count,
// so a late subscriber learns the queue depth without historical replay.
//
// The returned cancel function must be called to release the subscription.
// The channel closes when ctx is done or cancel is called. Returns
// ErrEventsDisabled when the queue has no NATS connection.
func (q *Queue) Subscribe(ctx context.Context, workflowID string) (<-chan Event, func(), error) {
	if q.nc == nil {
		return nil, nil, ErrEventsDisabled
	}

	subject := fmt.Sprintf("approvals.%s.*", workflowID)
	msgCh := make(chan *nats.Msg, 32)
	sub, err := q.nc.ChanSubscribe(subject, msgCh)
	if err != nil {
		return nil, nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	events := make(chan Event, 32)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }

	// Connection-established event with the current pending count. Sent
	// before any forwarded broadcast so subscribers can size their view.
	connected := Event{
		Type:         EventConnected,
		WorkflowID:   workflowID,
		PendingCount: q.Status(workflowID).PendingCount,
		Timestamp:    time.Now(),
	}

	go func() {
		defer close(events)
		defer func() {
			if err := sub.Unsubscribe(); err != nil {
				q.logger.Debug("unsubscribe failed", zap.Error(err))
			}
		}()

		select {
		case events <- connected:
		case <-ctx.Done():
			return
		case <-done:
			return
		}

		for {
			select {
			case msg := <-msgCh:
				var ev Event
				if err := json.Unmarshal(msg.Data, &ev); err != nil {
					q.logger.Warn("dropping malformed event",
						zap.String("subject", msg.Subject), zap.Error(err))
					continue
				}
				select {
				case events <- ev:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return events, cancel, nil
}
