package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/docsearch/internal/bus"
)

const streamWriteTimeout = 5 * time.Second

// streamEvent is one message on /ws/operations.
type streamEvent struct {
	Type string `json:"type"` // "state_changed" or "progress"
	Data any    `json:"data"`
}

// handleOperationStream pushes operation state and progress events to a
// websocket client. ?id= restricts the stream to one operation. The stream
// carries no replay: clients poll GET /api/operations/{id} for current state.
func (s *Server) handleOperationStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		http.Error(w, "event stream not available: bus not configured", http.StatusServiceUnavailable)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "error", err)
		return
	}
	filter := strings.TrimSpace(r.URL.Query().Get("id"))

	sub := s.cfg.Bus.Subscribe("operation.")
	defer s.cfg.Bus.Unsubscribe(sub)

	// The client never sends; CloseRead handles control frames and cancels
	// ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.Info("ws: operation stream opened", "filter", filter)
	defer s.logger.Info("ws: operation stream closed", "filter", filter)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			msg, id := toStreamEvent(ev)
			if msg == nil || (filter != "" && id != filter) {
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, msg)
			cancel()
			if err != nil {
				s.logger.Debug("ws: write failed", "error", err)
				return
			}
		}
	}
}

func toStreamEvent(ev bus.Event) (*streamEvent, string) {
	switch p := ev.Payload.(type) {
	case bus.OperationStateChangedEvent:
		return &streamEvent{Type: "state_changed", Data: p}, p.OperationID
	case bus.OperationProgressEvent:
		return &streamEvent{Type: "progress", Data: p}, p.OperationID
	default:
		return nil, ""
	}
}
