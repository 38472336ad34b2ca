package client

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"coursechat/pkg/types"
)

// Config describes how the client reaches the server
type Config struct {
	// URL of the WebSocket endpoint, e.g. ws://localhost:8080/ws
	URL          string
	CookieName   string
	MinBackoff   time.Duration
	MaxBackoff   time.Duration
	WriteTimeout time.Duration
	Dialer       *websocket.Dialer
}

func (c Config) withDefaults() Config {
	if c.CookieName == "" {
		c.CookieName = "coursechat_session"
	}
	if c.MinBackoff <= 0 {
		c.MinBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = c.MinBackoff
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return c
}

// EventHandler receives decoded server events of one kind
type EventHandler func(event types.Event)

type subscription struct {
	id      uint64
	handler EventHandler
}

// Manager owns the single live channel of the signed-in user
// ARCHITECTURAL DISCOVERY: Every session change bumps a generation counter. A
// run loop only touches shared state while its generation is current, so a
// stale loop from a previous session can never resurrect a cleared channel.
type Manager struct {
	config Config

	mu         sync.Mutex
	token      string
	generation uint64
	cancel     context.CancelFunc
	conn       *websocket.Conn
	writeMu    sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[types.Kind][]subscription
	nextSub   uint64
	onReady   []func()
	onCleared []func(reason string)
}

// NewManager creates a manager with no session
func NewManager(config Config) *Manager {
	return &Manager{
		config:   config.withDefaults(),
		handlers: make(map[types.Kind][]subscription),
	}
}

// SetSession opens the channel for token. Calling it again with the same token
// keeps the existing channel; a different token replaces it.
func (m *Manager) SetSession(token string) {
	if token == "" {
		m.ClearSession()
		return
	}

	m.mu.Lock()
	if m.token == token && m.cancel != nil {
		m.mu.Unlock()
		return
	}
	m.teardownLocked()
	m.token = token
	m.generation++
	gen := m.generation
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	go m.run(ctx, gen, token)
}

// ClearSession drops the session and closes the channel immediately
func (m *Manager) ClearSession() {
	m.clear(0, "signed out")
}

// HandleHTTPStatus lets REST callers report auth failures; 401 and 403 clear
// the session. Returns true when the session was cleared.
func (m *Manager) HandleHTTPStatus(code int) bool {
	if code != http.StatusUnauthorized && code != http.StatusForbidden {
		return false
	}
	return m.clear(0, "session rejected")
}

// clear drops the session if gen is current; gen 0 clears whatever is current
func (m *Manager) clear(gen uint64, reason string) bool {
	m.mu.Lock()
	if m.cancel == nil || (gen != 0 && gen != m.generation) {
		m.mu.Unlock()
		return false
	}
	m.teardownLocked()
	m.token = ""
	m.generation++
	m.mu.Unlock()

	m.handlerMu.RLock()
	callbacks := append([]func(string){}, m.onCleared...)
	m.handlerMu.RUnlock()
	for _, fn := range callbacks {
		fn(reason)
	}
	return true
}

func (m *Manager) teardownLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// HasSession reports whether a session token is set
func (m *Manager) HasSession() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token != ""
}

// Connected reports whether the channel is currently open
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// OnReady registers fn to run after every successful (re)connect. Room joins are
// not restored automatically; views re-issue them from here.
func (m *Manager) OnReady(fn func()) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.onReady = append(m.onReady, fn)
}

// OnCleared registers fn to run when the session is dropped
func (m *Manager) OnCleared(fn func(reason string)) {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()
	m.onCleared = append(m.onCleared, fn)
}

// Subscribe registers handler for one event kind and returns its unsubscribe func
func (m *Manager) Subscribe(kind types.Kind, handler EventHandler) func() {
	m.handlerMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.handlers[kind] = append(m.handlers[kind], subscription{id: id, handler: handler})
	m.handlerMu.Unlock()

	return func() {
		m.handlerMu.Lock()
		defer m.handlerMu.Unlock()
		subs := m.handlers[kind]
		for i, s := range subs {
			if s.id == id {
				m.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Join asks to become a member of the course room
func (m *Manager) Join(courseID string) error {
	return m.emit(types.JoinRoom{CourseID: courseID})
}

// Leave leaves the course room
func (m *Manager) Leave(courseID string) error {
	return m.emit(types.LeaveRoom{CourseID: courseID})
}

// Send posts chat text to a joined room
func (m *Manager) Send(courseID, text string) error {
	return m.emit(types.SendMessage{CourseID: courseID, Text: text})
}

func (m *Manager) emit(intent types.Intent) error {
	data, err := types.EncodeIntent(intent)
	if err != nil {
		return err
	}

	m.mu.Lock()
	conn := m.conn
	hasSession := m.token != ""
	m.mu.Unlock()
	if !hasSession {
		return ErrNoSession
	}
	if conn == nil {
		return ErrNotConnected
	}

	// TECHNICAL DISCOVERY: gorilla allows one concurrent writer per connection
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// run keeps one channel open for the session until ctx is cancelled
func (m *Manager) run(ctx context.Context, gen uint64, token string) {
	backoff := m.config.MinBackoff
	header := http.Header{}
	header.Set("Cookie", (&http.Cookie{Name: m.config.CookieName, Value: token}).String())

	for {
		conn, resp, err := m.config.Dialer.DialContext(ctx, m.config.URL, header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// FUNCTIONAL DISCOVERY: A rejected handshake means the token is bad;
			// retrying would only hammer the server
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				log.Printf("Client: handshake rejected with %d, clearing session", resp.StatusCode)
				m.clear(gen, "session rejected")
				return
			}
			log.Printf("Client: dial failed, retrying in %v: %v", backoff, err)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, m.config.MaxBackoff)
			continue
		}

		if !m.attach(gen, conn) {
			_ = conn.Close()
			return
		}
		backoff = m.config.MinBackoff
		m.fireReady()

		terminated := m.readLoop(gen, conn)

		m.mu.Lock()
		if m.generation == gen && m.conn == conn {
			m.conn = nil
		}
		m.mu.Unlock()
		_ = conn.Close()

		if terminated || ctx.Err() != nil {
			return
		}
		log.Printf("Client: channel lost, reconnecting in %v", backoff)
		if !sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, m.config.MaxBackoff)
	}
}

func (m *Manager) attach(gen uint64, conn *websocket.Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen || m.cancel == nil {
		return false
	}
	m.conn = conn
	return true
}

// readLoop dispatches events until the channel fails; returns true when the
// server terminated the session
func (m *Manager) readLoop(gen uint64, conn *websocket.Conn) bool {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return false
		}

		event, err := types.DecodeEvent(data)
		if err != nil {
			log.Printf("Client: dropping undecodable frame: %v", err)
			continue
		}
		m.dispatch(event)

		if terminated, ok := event.(types.SessionTerminated); ok {
			m.clear(gen, terminated.Reason)
			return true
		}
	}
}

func (m *Manager) dispatch(event types.Event) {
	m.handlerMu.RLock()
	subs := append([]subscription(nil), m.handlers[event.EventKind()]...)
	m.handlerMu.RUnlock()
	for _, s := range subs {
		s.handler(event)
	}
}

func (m *Manager) fireReady() {
	m.handlerMu.RLock()
	callbacks := append([]func(){}, m.onReady...)
	m.handlerMu.RUnlock()
	for _, fn := range callbacks {
		fn()
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// IsUnauthorized reports whether err is a rejected session from the REST client
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}
