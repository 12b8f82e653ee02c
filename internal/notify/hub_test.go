package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscription_Matches(t *testing.T) {
	ev := &Event{Type: EventPaymentOverdue, OwnerID: "owner-1"}

	assert.True(t, Subscription{}.matches(ev))
	assert.True(t, Subscription{EventTypes: []EventType{EventPaymentOverdue}}.matches(ev))
	assert.False(t, Subscription{EventTypes: []EventType{EventPlanCreated}}.matches(ev))
	assert.True(t, Subscription{OwnerIDs: []string{"owner-1"}}.matches(ev))
	assert.False(t, Subscription{OwnerIDs: []string{"owner-2"}}.matches(ev))
	assert.False(t, Subscription{
		EventTypes: []EventType{EventPaymentOverdue},
		OwnerIDs:   []string{"owner-2"},
	}.matches(ev))
}

func TestHub_StreamsFilteredEvents(t *testing.T) {
	hub := NewHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(httptestHandler(hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?ownerId=owner-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool {
		return hub.Stats()["connectedClients"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	_ = hub.Send(ctx, &Event{ID: "evt_other", Type: EventPlanCreated, OwnerID: "owner-2"})
	_ = hub.Send(ctx, &Event{ID: "evt_mine", Type: EventPlanCreated, OwnerID: "owner-1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "evt_mine", got.ID)
	assert.Equal(t, EventPlanCreated, got.Type)
}

func TestHub_RejectsAfterShutdown(t *testing.T) {
	hub := NewHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	w := httptest.NewRecorder()
	hub.HandleWebSocket(w, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, 503, w.Code)
}

func TestHub_JoinAndLeaveDoNotBlockAfterShutdown(t *testing.T) {
	hub := NewHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	c := &client{hub: hub, send: make(chan []byte, 1)}
	returned := make(chan bool, 1)
	go func() {
		joined := hub.join(c)
		hub.leave(c)
		returned <- joined
	}()

	select {
	case joined := <-returned:
		assert.False(t, joined)
	case <-time.After(2 * time.Second):
		t.Fatal("join/leave blocked on a stopped hub")
	}
	assert.Equal(t, 0, hub.Stats()["connectedClients"])
}

func TestHub_ClientDisconnectAfterShutdown(t *testing.T) {
	hub := NewHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	srv := httptest.NewServer(httptestHandler(hub))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hub.Stats()["connectedClients"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-stopped

	// The server side closes the stream; the client sees it end.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	_ = conn.Close()
}

func httptestHandler(h *Hub) http.HandlerFunc {
	return h.HandleWebSocket
}

func TestHub_OwnerStreamIgnoresWiderSubscription(t *testing.T) {
	hub := NewHub(quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.HandleOwnerWebSocket(w, r, "owner-1")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?ownerId=owner-2"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool {
		return hub.Stats()["connectedClients"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Asking for every owner must not widen the stream.
	require.NoError(t, conn.WriteJSON(Subscription{}))
	time.Sleep(50 * time.Millisecond)

	_ = hub.Send(ctx, &Event{ID: "evt_other", Type: EventPlanCreated, OwnerID: "owner-2"})
	_ = hub.Send(ctx, &Event{ID: "evt_mine", Type: EventPlanCreated, OwnerID: "owner-1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Event
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, "evt_mine", got.ID)
}
