package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/internal/streaming"
)

// PauseController flips the pause flag on a session. Pause is a dispatch
// guard, not a workflow state: the FSM position is untouched and the
// conversation resumes exactly where it stopped.
type PauseController struct {
	store  store.Store
	hub    streaming.EventHub
	logger *slog.Logger
}

func NewPauseController(st store.Store, hub streaming.EventHub, logger *slog.Logger) *PauseController {
	return &PauseController{store: st, hub: hub, logger: logger}
}

// SetPaused pauses or resumes the session. Setting the flag to its current
// value is a no-op at the store level and still publishes the event, so
// observers converge on the actual flag.
func (c *PauseController) SetPaused(ctx context.Context, sessionID string, paused bool) error {
	if err := c.store.SetSessionPaused(ctx, sessionID, paused); err != nil {
		return err
	}

	eventType := streaming.EventSessionPaused
	verb := "session paused"
	if !paused {
		eventType = streaming.EventSessionResumed
		verb = "session resumed"
	}
	c.logger.InfoContext(ctx, verb, slog.String("session_id", sessionID))

	if c.hub != nil {
		_ = c.hub.Publish(ctx, streaming.SessionEvent{
			SessionID: sessionID,
			EventType: eventType,
		})
	}
	return nil
}
