package server

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/kite/internal/buildkite"
)

// streamEvent is one webhook build event relayed to /api/events clients.
type streamEvent struct {
	Event        string           `json:"event"`
	Organization string           `json:"organization"`
	Pipeline     string           `json:"pipeline"`
	Build        *buildkite.Build `json:"build"`
}

// hub fans webhook events out to SSE subscribers. Slow subscribers drop
// events rather than block the webhook handler.
type hub struct {
	mu   sync.Mutex
	subs map[chan streamEvent]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan streamEvent]struct{})}
}

func (h *hub) subscribe() chan streamEvent {
	ch := make(chan streamEvent, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *hub) unsubscribe(ch chan streamEvent) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

func (h *hub) publish(ev streamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

var heartbeatInterval = 15 * time.Second

func (h *handlers) handleEvents(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ch := h.hub.subscribe()
	defer h.hub.unsubscribe(ch)

	writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
	c.Writer.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case ev := <-ch:
			writeSSE(c.Writer, ev.Event, ev)
			c.Writer.Flush()
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
