package web

import (
	"bufio"
	"encoding/json"

	"github.com/gofiber/fiber/v3"
	"github.com/loomline/loomline/pkg/events"
)

// StreamExecution serves the live event stream for one execution over
// Server-Sent Events. The first frame is always a full-state snapshot; the
// stream then follows commit order and ends after a terminal event.
func (h *APIHandlers) StreamExecution(c fiber.Ctx) error {
	subscriber, err := h.hub.Subscribe(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	return c.SendStreamWriter(func(w *bufio.Writer) {
		defer h.hub.Unsubscribe(subscriber)

		for event := range subscriber.Events() {
			if err := writeEventFrame(w, event); err != nil {
				// Client went away; the hub cleans up via Unsubscribe.
				return
			}
		}
	})
}

func writeEventFrame(w *bufio.Writer, event events.Event) error {
	// Heartbeats go out as SSE comments so clients need no handler for them.
	if event.GetType() == events.HeartbeatEvent {
		if _, err := w.WriteString(": heartbeat\n\n"); err != nil {
			return err
		}

		return w.Flush()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if _, err := w.WriteString("event: " + string(event.GetType()) + "\n"); err != nil {
		return err
	}

	if _, err := w.WriteString("data: " + string(payload) + "\n\n"); err != nil {
		return err
	}

	return w.Flush()
}
