// ABOUTME: Server-Sent Events endpoint pushing finalized messages to clients
// ABOUTME: Subscribes to the broadcaster per conversation; placeholders resolve here

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// keepAliveInterval is how often an SSE comment is written to hold idle
// connections open through proxies.
const keepAliveInterval = 30 * time.Second

// handleEvents handles GET /api/events?conversation_id=X. It streams each
// finalized message for the conversation as one "message" SSE event, which is
// how clients learn that a pending placeholder has resolved.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID, ok := g.requestUser(w, r)
	if !ok {
		return
	}

	convID := r.URL.Query().Get("conversation_id")
	if convID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "conversation_id is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, subID, err := g.service.Subscribe(r.Context(), convID, userID)
	if err != nil {
		g.conversationError(w, err, convID)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "subscribed", map[string]string{"subscription_id": subID})
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()

		case msg, open := <-ch:
			if !open {
				return
			}
			g.writeSSEEvent(w, "message", g.messageResponse(msg, false))
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
