package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"coursechat/internal/app"
	"coursechat/internal/config"
	"coursechat/pkg/client"
	"coursechat/pkg/types"
)

const eventTimeout = 3 * time.Second

// classroom is the fixture every scenario starts from
var classroom = &app.SeedData{
	Users: []types.Identity{
		{ID: "alice", Role: types.RoleOwner, DisplayName: "Alice", Email: "alice@example.edu"},
		{ID: "bob", Role: types.RoleMember, DisplayName: "Bob", Email: "bob@example.edu"},
		{ID: "carol", Role: types.RoleMember, DisplayName: "Carol", Email: "carol@example.edu"},
		{ID: "dave", Role: types.RoleMember, DisplayName: "Dave"},
		{ID: "root", Role: types.RoleAdmin, DisplayName: "Admin"},
	},
	Courses: []types.CourseMembership{
		{CourseID: "C1", Title: "Compilers", OwnerID: "alice", MemberIDs: []string{"bob", "carol", "dave"}},
	},
}

type testEnv struct {
	app    *app.Application
	server *httptest.Server
	tokens map[string]string
	config *config.Config
}

func newConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Auth.SecretKey = "integration-secret-0123456789abcdef"
	cfg.Database.Path = filepath.Join(dir, "coursechat.db")
	cfg.Storage.UploadDir = filepath.Join(dir, "uploads")
	return cfg
}

// startEnv boots a full application on cfg behind an httptest server
func startEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	application, err := app.NewApplication(cfg)
	if err != nil {
		t.Fatalf("Failed to create application: %v", err)
	}
	tokens, err := application.Seed(context.Background(), classroom)
	if err != nil {
		_ = application.Stop(context.Background())
		t.Fatalf("Failed to seed: %v", err)
	}
	if err := application.StartServices(context.Background()); err != nil {
		_ = application.Stop(context.Background())
		t.Fatalf("Failed to start services: %v", err)
	}

	env := &testEnv{
		app:    application,
		server: httptest.NewServer(application.Handler()),
		tokens: tokens,
		config: cfg,
	}
	t.Cleanup(env.stop)
	return env
}

func (e *testEnv) stop() {
	if e.server == nil {
		return
	}
	_ = e.app.Stop(context.Background())
	e.server.Close()
	e.server = nil
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
}

// participant is one signed-in browser tab
type participant struct {
	userID     string
	manager    *client.Manager
	messages   chan types.NewMessage
	history    chan types.History
	notes      chan types.NewNotification
	terminated chan types.SessionTerminated
	errors     chan types.ErrorEvent
}

func (e *testEnv) connect(t *testing.T, userID string) *participant {
	t.Helper()
	p := &participant{
		userID:     userID,
		manager:    client.NewManager(client.Config{URL: e.wsURL(), MinBackoff: 20 * time.Millisecond}),
		messages:   make(chan types.NewMessage, 32),
		history:    make(chan types.History, 8),
		notes:      make(chan types.NewNotification, 32),
		terminated: make(chan types.SessionTerminated, 1),
		errors:     make(chan types.ErrorEvent, 8),
	}
	p.manager.Subscribe(types.KindNewMessage, func(ev types.Event) { p.messages <- ev.(types.NewMessage) })
	p.manager.Subscribe(types.KindHistory, func(ev types.Event) { p.history <- ev.(types.History) })
	p.manager.Subscribe(types.KindNewNotification, func(ev types.Event) { p.notes <- ev.(types.NewNotification) })
	p.manager.Subscribe(types.KindSessionTerminated, func(ev types.Event) { p.terminated <- ev.(types.SessionTerminated) })
	p.manager.Subscribe(types.KindError, func(ev types.Event) { p.errors <- ev.(types.ErrorEvent) })

	p.manager.SetSession(e.tokens[userID])
	t.Cleanup(p.manager.ClearSession)

	waitUntil(t, userID+" connected", func() bool {
		return p.manager.Connected() && e.app.Hub().IsOnline(userID)
	})
	return p
}

// join enters the room and waits for the history backfill that confirms membership
func (p *participant) join(t *testing.T, courseID string) types.History {
	t.Helper()
	if err := p.manager.Join(courseID); err != nil {
		t.Fatalf("%s join failed: %v", p.userID, err)
	}
	select {
	case h := <-p.history:
		if h.RoomID != courseID {
			t.Fatalf("%s got history for %s, want %s", p.userID, h.RoomID, courseID)
		}
		return h
	case <-time.After(eventTimeout):
		t.Fatalf("%s never received history for %s", p.userID, courseID)
		return types.History{}
	}
}

func (p *participant) nextMessage(t *testing.T) types.NewMessage {
	t.Helper()
	select {
	case m := <-p.messages:
		return m
	case <-time.After(eventTimeout):
		t.Fatalf("%s never received a chat message", p.userID)
		return types.NewMessage{}
	}
}

func (p *participant) nextNotification(t *testing.T) types.NewNotification {
	t.Helper()
	select {
	case n := <-p.notes:
		return n
	case <-time.After(eventTimeout):
		t.Fatalf("%s never received a notification push", p.userID)
		return types.NewNotification{}
	}
}

func (e *testEnv) api(userID string) *client.NotificationAPI {
	return client.NewNotificationAPI(e.server.URL, e.tokens[userID], nil)
}

// request performs an authenticated REST call and decodes a JSON response into out
func (e *testEnv) request(t *testing.T, method, path, userID, body string, out interface{}) int {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.server.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[userID])
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp.StatusCode
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(eventTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func unreadCount(t *testing.T, e *testEnv, userID string) int {
	t.Helper()
	list, err := e.api(userID).Unread(context.Background())
	if err != nil {
		t.Fatalf("unread for %s: %v", userID, err)
	}
	return len(list)
}
