// ABOUTME: SSE endpoint streaming an owner's broadcast events
// ABOUTME: One subscription per connection, cleaned up when the client goes away

package gateway

import (
	"net/http"
	"time"

	"github.com/chorus-im/chorus/internal/auth"
)

// heartbeatInterval keeps intermediaries from timing out idle streams.
const heartbeatInterval = 30 * time.Second

func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	ac := auth.MustFromContext(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Request context cancellation tears the subscription down
	events, subID := g.broadcaster.Subscribe(r.Context(), ac.UserID)
	g.logger.Debug("event stream opened", "owner_id", ac.UserID, "sub_id", subID)

	g.writeSSEEvent(w, "stream-open", map[string]string{"subscription_id": subID})
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			g.logger.Debug("event stream closed", "owner_id", ac.UserID, "sub_id", subID)
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				return
			}
			g.writeSSEEvent(w, ev.Name, ev)
			flusher.Flush()
		}
	}
}
