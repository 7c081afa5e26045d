package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/escrowbot/internal/webhooks"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func event(t webhooks.EventType, recipients ...int64) *webhooks.Event {
	return &webhooks.Event{ID: "evt_1", Type: t, Timestamp: time.Now(), Recipients: recipients}
}

func TestFilter_Matches(t *testing.T) {
	created := event(webhooks.EventTransactionCreated, 1, 2)
	sent := event(webhooks.EventWithdrawalSent, 3)

	tests := []struct {
		name   string
		filter Filter
		event  *webhooks.Event
		want   bool
	}{
		{"empty filter", Filter{}, created, true},
		{"type match", Filter{EventTypes: []webhooks.EventType{webhooks.EventTransactionCreated}}, created, true},
		{"type miss", Filter{EventTypes: []webhooks.EventType{webhooks.EventTransactionCreated}}, sent, false},
		{"seller match", Filter{UserIDs: []int64{2}}, created, true},
		{"user miss", Filter{UserIDs: []int64{2}}, sent, false},
		{"both must match", Filter{EventTypes: []webhooks.EventType{webhooks.EventWithdrawalSent}, UserIDs: []int64{1}}, sent, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.matches(tt.event))
		})
	}
}

func TestHub_BroadcastWithoutRunDoesNotBlock(t *testing.T) {
	h := testHub()
	for i := 0; i < 300; i++ {
		h.Broadcast(event(webhooks.EventTransactionCreated))
	}
	assert.Equal(t, int64(300-256), h.Stats()["droppedEvents"])
}

func TestHub_RejectsWhenNotRunning(t *testing.T) {
	h := testHub()
	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWebSocket))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Stats()["connectedClients"] == n
	}, 2*time.Second, 10*time.Millisecond)
}

func readEvent(t *testing.T, conn *websocket.Conn) webhooks.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var e webhooks.Event
	require.NoError(t, json.Unmarshal(msg, &e))
	return e
}

func TestHub_StreamsFilteredEvents(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)
	require.Eventually(t, h.Running, time.Second, 5*time.Millisecond)

	conn := dial(t, h)
	waitClients(t, h, 1)

	h.Broadcast(event(webhooks.EventTransactionCreated, 1, 2))
	got := readEvent(t, conn)
	assert.Equal(t, webhooks.EventTransactionCreated, got.Type)
	assert.Equal(t, []int64{1, 2}, got.Recipients)

	// Narrow to user 3.
	require.NoError(t, conn.WriteJSON(Filter{UserIDs: []int64{3}}))
	require.Eventually(t, func() bool {
		h.mu.RLock()
		defer h.mu.RUnlock()
		for c := range h.clients {
			c.mu.RLock()
			n := len(c.filter.UserIDs)
			c.mu.RUnlock()
			return n == 1
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	h.Broadcast(event(webhooks.EventTransactionCreated, 1, 2))
	h.Broadcast(event(webhooks.EventDisputeOpened, 3))
	assert.Equal(t, webhooks.EventDisputeOpened, readEvent(t, conn).Type)
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	require.Eventually(t, h.Running, time.Second, 5*time.Millisecond)

	conn := dial(t, h)
	waitClients(t, h, 1)

	cancel()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return !h.Running() }, time.Second, 5*time.Millisecond)
}
