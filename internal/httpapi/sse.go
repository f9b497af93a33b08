package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/remedyd/internal/approval"
)

// sseHeartbeatInterval keeps proxies from closing idle review streams.
const sseHeartbeatInterval = 30 * time.Second

// handleEvents streams a workflow's approval events via Server-Sent Events.
//
// The first event is always "connected" with the current pending count. The
// connection stays open until the client disconnects; historical events are
// not replayed.
//
// Example:
//
//	GET /api/v1/workflows/{id}/events
//
//	event: connected
//	data: {"event":"connected","workflow_id":"wf-1","pending_count":2,...}
//
//	event: decided
//	data: {"event":"decided","workflow_id":"wf-1","proposal_id":"p-1",...}
func (s *Server) handleEvents(c echo.Context) error {
	workflowID, err := requireWorkflowID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	events, cancel, err := s.queue.Subscribe(ctx, workflowID)
	if err != nil {
		if errors.Is(err, approval.ErrEventsDisabled) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "event streaming disabled; poll the status endpoint")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	defer cancel()

	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()

	ticker := time.NewTicker(sseHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("failed to marshal event", zap.Error(err))
				continue
			}
			fmt.Fprintf(c.Response(), "event: %s\n", ev.Type)
			fmt.Fprintf(c.Response(), "data: %s\n\n", data)
			c.Response().Flush()

		case <-ticker.C:
			// Heartbeat to keep the connection alive.
			fmt.Fprintf(c.Response(), ": heartbeat\n\n")
			c.Response().Flush()

		case <-ctx.Done():
			return nil
		}
	}
}
