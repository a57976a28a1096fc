package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

func readStreamMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestEventStreamDeliversBacklogAndLiveEvents(t *testing.T) {
	h := newHarness(t, false)
	h.approve(t, alice, wethAddr)

	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/stream?cursor=0"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// The approval happened before the subscription and arrives as backlog.
	first := readStreamMessage(t, ctx, conn)
	require.Equal(t, float64(1), first["sequence"])
	require.Equal(t, "token.approval", first["type"])

	rec, body := h.do(t, http.MethodPost, "/v1/deposit", map[string]string{
		"caller": alice.Hex(),
		"asset":  wethAddr.Hex(),
		"amount": ether(1).String(),
	})
	require.Equal(t, http.StatusOK, rec.Code, body)

	var types []string
	for len(types) == 0 || types[len(types)-1] != "synth.collateral.deposited" {
		msg := readStreamMessage(t, ctx, conn)
		types = append(types, msg["type"].(string))
	}
	require.Contains(t, types, "token.transfer")
}

func TestEventStreamRejectsBadCursor(t *testing.T) {
	h := newHarness(t, false)
	rec, _ := h.do(t, http.MethodGet, "/v1/events/stream?cursor=-3", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
