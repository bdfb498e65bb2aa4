package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spoton-relay/domain"
	"spoton-relay/hub"
	"spoton-relay/protocol"
)

type countingRequester struct {
	mu    sync.Mutex
	calls int
}

func (c *countingRequester) RequestFrame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return true
}

func (c *countingRequester) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newViewerServer(t *testing.T, h *hub.Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	handler := protocol.NewHandler(h)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		NewViewer(r.URL.Query().Get("id"), conn, h, handler).Start()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialViewer(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?id=" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestViewer_ReceivesBroadcast(t *testing.T) {
	h := hub.New(&countingRequester{})
	srv := newViewerServer(t, h)
	conn := dialViewer(t, srv, "v1")

	require.Eventually(t, func() bool { return h.Stats().Viewers == 1 }, time.Second, 10*time.Millisecond)

	free, occupied, total, probability, ts := 5, 15, 20, 75.0, "T1"
	h.Broadcast(domain.CanonicalFrame{
		FreeSpaces:     &free,
		OccupiedSpaces: &occupied,
		TotalSpaces:    &total,
		Probability:    &probability,
		Timestamp:      &ts,
	})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg domain.Envelope
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, domain.EventParkingData, msg.Event)
	assert.JSONEq(t,
		`{"freeSpaces":5,"occupiedSpaces":15,"totalSpaces":20,"probability":75,"timestamp":"T1"}`,
		string(msg.Data))
}

func TestViewer_PullRequestForwarded(t *testing.T) {
	requester := &countingRequester{}
	h := hub.New(requester)
	srv := newViewerServer(t, h)
	conn := dialViewer(t, srv, "v1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"request_parking_data"}`)))

	assert.Eventually(t, func() bool { return requester.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestViewer_UnregisteredOnDisconnect(t *testing.T) {
	h := hub.New(&countingRequester{})
	srv := newViewerServer(t, h)
	conn := dialViewer(t, srv, "v1")

	require.Eventually(t, func() bool { return h.Stats().Viewers == 1 }, time.Second, 10*time.Millisecond)

	conn.Close()

	assert.Eventually(t, func() bool { return h.Stats().Viewers == 0 }, time.Second, 10*time.Millisecond)
}

func TestViewer_SendAfterClose(t *testing.T) {
	h := hub.New(&countingRequester{})
	upgrader := websocket.Upgrader{}
	viewers := make(chan *Viewer, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		viewers <- NewViewer("v1", conn, h, protocol.NewHandler(h))
	}))
	defer srv.Close()

	dialViewer(t, srv, "v1")
	v := <-viewers

	require.NoError(t, v.Close())
	assert.ErrorIs(t, v.Send([]byte("x")), hub.ErrViewerGone)
}
