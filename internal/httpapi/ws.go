package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"nhooyr.io/websocket"
)

// handleWebsocket upgrades the request and relays the canvas event feed
// until the client disconnects or the subscription is torn down. Events the
// broker drops because the client is slow are simply missed; clients
// resynchronize by listing objects again.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request, canvasID string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, unsubscribe, err := s.store.Broker().Subscribe(ctx, canvasID)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	defer unsubscribe()

	s.metrics.SubscriberConnected()
	defer s.metrics.SubscriberDisconnected()

	// Read pump: the feed is server-to-client only, but reading is what
	// surfaces the close frame when the client goes away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}
