package handler

import (
	"encoding/json"
	"io"

	"github.com/gin-gonic/gin"

	"ccflare/internal/events"
)

// EventsHandler streams request-start events to dashboards over SSE.
type EventsHandler struct {
	bus *events.Bus
}

func NewEventsHandler(bus *events.Bus) *EventsHandler {
	return &EventsHandler{bus: bus}
}

func (h *EventsHandler) Stream(c *gin.Context) {
	ch, cancel := h.bus.Subscribe(256)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return true
			}
			c.SSEvent("request_start", string(data))
			return true
		case <-ctx.Done():
			return false
		}
	})
}
