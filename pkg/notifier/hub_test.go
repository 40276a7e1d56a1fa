package notifier

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, v))
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Len() == n }, 5*time.Second, 5*time.Millisecond)
}

func TestHub_Broadcast(t *testing.T) {
	h := NewHub(HubOpts{})
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	c1 := dial(t, srv, "")
	c2 := dial(t, srv, "")
	waitClients(t, h, 2)

	h.Broadcast(NewSyncComplete(2, 1, 1, 0))
	for _, c := range []*websocket.Conn{c1, c2} {
		var got SyncComplete
		readJSON(t, c, &got)
		assert.Equal(t, NewSyncComplete(2, 1, 1, 0), got)
	}
}

func TestHub_SendAndMessages(t *testing.T) {
	received := make(chan string, 1)
	var h *Hub
	h = NewHub(HubOpts{
		OnMessage: func(clientID string, msg []byte) {
			h.Send(clientID, NewSyncStatus(len(msg)))
			received <- string(msg)
		},
	})
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	c := dial(t, srv, "?url=https://shop.example.com/cart")
	waitClients(t, h, 1)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"GET_SYNC_STATUS"}`)))
	select {
	case msg := <-received:
		assert.Equal(t, `{"type":"GET_SYNC_STATUS"}`, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
	var status SyncStatus
	readJSON(t, c, &status)
	assert.Equal(t, TypeSyncStatus, status.Type)
	assert.Equal(t, 26, status.PendingCount)

	assert.ErrorIs(t, h.Send("missing", NewSyncStatus(0)), ErrNoSuchClient)
}

func TestHub_URLs(t *testing.T) {
	h := NewHub(HubOpts{})
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	dial(t, srv, "?url=https://shop.example.com/")
	waitClients(t, h, 1)
	dial(t, srv, "")
	waitClients(t, h, 2)

	clients := h.Clients()
	require.Len(t, clients, 2)
	_, ok := h.FindByURL("/orders/1")
	assert.False(t, ok)

	require.True(t, h.SetURL(clients[1].ID, "https://shop.example.com/orders/1"))
	id, ok := h.FindByURL("/orders/1")
	require.True(t, ok)
	assert.Equal(t, clients[1].ID, id)
	assert.False(t, h.SetURL("missing", "/"))
}

func TestHub_Close(t *testing.T) {
	h := NewHub(HubOpts{})
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := dial(t, srv, "")
	waitClients(t, h, 1)
	require.NoError(t, h.Close())
	assert.Equal(t, 0, h.Len())

	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := c.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))

	// A closed hub refuses new pages.
	c2 := dial(t, srv, "")
	c2.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = c2.ReadMessage()
	require.Error(t, err)
	assert.Equal(t, 0, h.Len())
}
