package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"miaochain/core/events"
	"miaochain/core/types"
)

const wsWriteTimeout = 10 * time.Second

type streamMessage struct {
	Sequence uint64 `json:"sequence"`
	*types.Event
}

// handleEventStream pushes committed events over a websocket. A cursor query
// parameter resumes after the given sequence number.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.rt.Hub == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errStreamDisabled)
		return
	}
	var since uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			err = badRequest(errInvalidCursor)
			writeJSONError(w, statusFor(err), err)
			return
		}
		since = parsed
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Reads are only needed to notice the peer closing.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, since); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, since uint64) error {
	updates, cancel, backlog := s.rt.Hub.Subscribe(ctx, since)
	defer cancel()

	for _, entry := range backlog {
		if err := writeStreamMessage(ctx, conn, entry); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeStreamMessage(ctx, conn, entry); err != nil {
				return err
			}
		}
	}
}

func writeStreamMessage(ctx context.Context, conn *websocket.Conn, entry events.Sequenced) error {
	data, err := json.Marshal(streamMessage{Sequence: entry.Sequence, Event: types.Render(entry.Event)})
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
