package websocket

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coursechat/pkg/types"
)

// newSocketPair returns the server and client ends of a real WebSocket
func newSocketPair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	t.Helper()

	serverSide := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverSide <- conn
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case conn := <-serverSide:
		return conn, client
	case <-time.After(2 * time.Second):
		t.Fatal("server side of the socket never arrived")
		return nil, nil
	}
}

var detachedSeq atomic.Int64

// newDetachedConnection builds a connection with no socket and no writer, so
// queued frames stay in writeCh for inspection
func newDetachedConnection(userID string, buffer int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		id:       fmt.Sprintf("%s-%d", userID, detachedSeq.Add(1)),
		identity: types.Identity{ID: userID, Role: types.RoleMember, DisplayName: userID},
		opts:     ConnectionOptions{BufferSize: buffer, WriteTimeout: time.Second},
		writeCh:  make(chan outbound, buffer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// readEvent reads the next frame from a client socket and decodes it
func readEvent(t *testing.T, client *websocket.Conn) types.Event {
	t.Helper()
	if err := client.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	event, err := types.DecodeEvent(data)
	if err != nil {
		t.Fatalf("failed to decode frame %s: %v", data, err)
	}
	return event
}
