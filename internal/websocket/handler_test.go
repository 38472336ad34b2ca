package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"coursechat/internal/room"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

type stubAuth struct{}

func (stubAuth) Verify(_ context.Context, raw string) (*types.Identity, error) {
	if strings.HasSuffix(raw, "-token") {
		id := strings.TrimSuffix(raw, "-token")
		return &types.Identity{ID: id, Role: types.RoleMember, DisplayName: id}, nil
	}
	return nil, errors.New("bad token")
}

type registryLifecycle struct {
	*Registry
	unregistered chan string
}

func (l *registryLifecycle) Unregister(conn *Connection) {
	l.Registry.Unregister(conn)
	l.unregistered <- conn.GetIdentity().ID
}

type stubRooms struct {
	mu      sync.Mutex
	allowed map[string]bool
	joined  map[string]bool
	posts   []string
	postErr error
}

func (s *stubRooms) Join(_ context.Context, conn interfaces.Connection, courseID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.allowed[courseID] {
		return false
	}
	s.joined[conn.GetID()+"/"+courseID] = true
	return true
}

func (s *stubRooms) Leave(conn interfaces.Connection, courseID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joined, conn.GetID()+"/"+courseID)
}

func (s *stubRooms) Post(_ context.Context, conn interfaces.Connection, courseID, text string) (*types.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.postErr != nil {
		return nil, s.postErr
	}
	s.posts = append(s.posts, text)
	msg := &types.ChatMessage{Message: types.Message{RoomID: courseID, SenderID: conn.GetIdentity().ID, Content: text, Seq: int64(len(s.posts))}}
	_ = conn.Send(types.NewMessage{RoomID: courseID, Message: msg})
	return msg, nil
}

func (s *stubRooms) History(_ context.Context, courseID string, limit int) ([]*types.ChatMessage, error) {
	return []*types.ChatMessage{
		{Message: types.Message{RoomID: courseID, Content: fmt.Sprintf("limit=%d", limit), Seq: 1}},
	}, nil
}

func (s *stubRooms) setPostErr(err error) {
	s.mu.Lock()
	s.postErr = err
	s.mu.Unlock()
}

type handlerFixture struct {
	server    *httptest.Server
	lifecycle *registryLifecycle
	rooms     *stubRooms
}

func newHandlerFixture(t *testing.T, origins ...string) *handlerFixture {
	t.Helper()
	lifecycle := &registryLifecycle{Registry: NewRegistry(), unregistered: make(chan string, 10)}
	rooms := &stubRooms{allowed: map[string]bool{"C1": true}, joined: make(map[string]bool)}
	handler := NewHandler(HandlerConfig{
		CookieName:     "coursechat_session",
		AllowedOrigins: origins,
		PingInterval:   time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   time.Second,
		BufferSize:     50,
		HistoryLimit:   25,
	}, stubAuth{}, lifecycle, rooms)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &handlerFixture{server: server, lifecycle: lifecycle, rooms: rooms}
}

func (f *handlerFixture) dial(token string, header http.Header) (*websocket.Conn, *http.Response, error) {
	if header == nil {
		header = http.Header{}
	}
	if token != "" {
		header.Set("Cookie", "coursechat_session="+token)
	}
	return websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(f.server.URL, "http"), header)
}

func (f *handlerFixture) mustDial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	client, _, err := f.dial(token, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func sendIntent(t *testing.T, client *websocket.Conn, intent types.Intent) {
	t.Helper()
	data, err := types.EncodeIntent(intent)
	if err != nil {
		t.Fatal(err)
	}
	if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func TestHandler_RejectsHandshakeWithoutValidCookie(t *testing.T) {
	f := newHandlerFixture(t)

	for _, token := range []string{"", "garbage"} {
		_, resp, err := f.dial(token, nil)
		if err == nil {
			t.Fatalf("token %q: dial should fail", token)
		}
		if resp == nil || resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("token %q: expected 401, got %v", token, resp)
		}
	}
	if stats := f.lifecycle.GetStats(); stats["total_connections"] != 0 {
		t.Errorf("Rejected handshakes must not register: %v", stats)
	}
}

func TestHandler_RegistersAndUnregisters(t *testing.T) {
	f := newHandlerFixture(t)
	client := f.mustDial(t, "alice-token")

	// The 101 response is written before registration, so poll briefly
	deadline := time.Now().Add(2 * time.Second)
	for !f.lifecycle.IsOnline("alice") {
		if time.Now().After(deadline) {
			t.Fatal("alice should be registered after the handshake")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = client.Close()
	select {
	case id := <-f.lifecycle.unregistered:
		if id != "alice" {
			t.Errorf("Unexpected unregister for %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connection should be unregistered after the client leaves")
	}
	if f.lifecycle.IsOnline("alice") {
		t.Error("alice should be offline")
	}
}

func TestHandler_JoinSendsHistory(t *testing.T) {
	f := newHandlerFixture(t)
	client := f.mustDial(t, "alice-token")

	sendIntent(t, client, types.JoinRoom{CourseID: "C1"})

	history, ok := readEvent(t, client).(types.History)
	if !ok {
		t.Fatal("Expected history event after join")
	}
	if history.RoomID != "C1" || len(history.Messages) != 1 || history.Messages[0].Content != "limit=25" {
		t.Errorf("Unexpected history: %+v", history)
	}
}

func TestHandler_DeclinedJoinIsSilent(t *testing.T) {
	f := newHandlerFixture(t)
	client := f.mustDial(t, "alice-token")

	sendIntent(t, client, types.JoinRoom{CourseID: "SECRET"})
	// A malformed frame is dropped too and does not end the connection
	_ = client.WriteMessage(websocket.TextMessage, []byte(`{"kind":"new_message","payload":{}}`))
	sendIntent(t, client, types.SendMessage{CourseID: "C1", Text: "still here"})

	nm, ok := readEvent(t, client).(types.NewMessage)
	if !ok || nm.Message.Content != "still here" {
		t.Fatalf("Expected only the echo of the later post, got %#v", nm)
	}
}

func TestHandler_PostErrorsReportedToSender(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"persistence", fmt.Errorf("%w: disk full", room.ErrPersistence), types.ErrorCodePersistence},
		{"rate limited", room.ErrRateLimitExceeded, types.ErrorCodeRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(t)
			f.rooms.setPostErr(tt.err)
			client := f.mustDial(t, "alice-token")

			sendIntent(t, client, types.SendMessage{CourseID: "C1", Text: "hello"})

			ev, ok := readEvent(t, client).(types.ErrorEvent)
			if !ok {
				t.Fatal("Expected error event")
			}
			if ev.Code != tt.wantCode || ev.CourseID != "C1" {
				t.Errorf("Unexpected error event: %+v", ev)
			}
		})
	}
}

func TestHandler_SilentlyDropsUnauthorizedPost(t *testing.T) {
	f := newHandlerFixture(t)
	f.rooms.setPostErr(room.ErrNotMember)
	client := f.mustDial(t, "alice-token")

	sendIntent(t, client, types.SendMessage{CourseID: "C1", Text: "hello"})
	sendIntent(t, client, types.JoinRoom{CourseID: "C1"})

	// The first frame back is the history of the join, not an error
	if _, ok := readEvent(t, client).(types.History); !ok {
		t.Error("Not-member post should produce no event")
	}
}

func TestHandler_CheckOrigin(t *testing.T) {
	f := newHandlerFixture(t, "https://lms.example.edu")

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	if _, _, err := f.dial("alice-token", header); err == nil {
		t.Error("Foreign origin should be rejected")
	}

	header.Set("Origin", "https://lms.example.edu")
	client, _, err := f.dial("alice-token", header)
	if err != nil {
		t.Fatalf("Allowed origin should connect: %v", err)
	}
	_ = client.Close()
}
