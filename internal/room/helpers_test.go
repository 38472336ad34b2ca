package room

import (
	"context"
	"errors"
	"sync"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// fakeConn records every event it is sent
type fakeConn struct {
	id       string
	identity types.Identity

	mu     sync.Mutex
	events []types.Event
	closed bool
	onSend func() // runs inside Send, before the event is recorded
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, identity: types.Identity{ID: userID, Role: types.RoleMember, DisplayName: "User " + userID}}
}

func (c *fakeConn) GetID() string               { return c.id }
func (c *fakeConn) GetIdentity() types.Identity { return c.identity }

func (c *fakeConn) Send(event types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.onSend != nil {
		c.onSend()
	}
	if c.closed {
		return errors.New("closed")
	}
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) setOnSend(fn func()) {
	c.mu.Lock()
	c.onSend = fn
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() []*types.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*types.ChatMessage
	for _, e := range c.events {
		if nm, ok := e.(types.NewMessage); ok {
			out = append(out, nm.Message)
		}
	}
	return out
}

// fakeGate allows participants listed per course
type fakeGate struct {
	courses map[string]*types.CourseMembership
}

func (g *fakeGate) Authorize(_ context.Context, identity types.Identity, courseID string) bool {
	c, ok := g.courses[courseID]
	return ok && c.IsParticipant(identity.ID)
}

func (g *fakeGate) Membership(_ context.Context, courseID string) (*types.CourseMembership, error) {
	c, ok := g.courses[courseID]
	if !ok {
		return nil, interfaces.ErrCourseNotFound
	}
	return c, nil
}

// memoryStore keeps messages per room in insertion order
type memoryStore struct {
	mu       sync.Mutex
	messages map[string][]types.Message
	failing  bool
	lastSeqs int

	// When block is set, StoreMessage signals entered and waits for block to close
	entered chan struct{}
	block   chan struct{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{messages: make(map[string][]types.Message)}
}

func (s *memoryStore) setFailing(v bool) {
	s.mu.Lock()
	s.failing = v
	s.mu.Unlock()
}

func (s *memoryStore) StoreMessage(_ context.Context, m *types.Message) error {
	if s.block != nil {
		s.entered <- struct{}{}
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing {
		return errors.New("disk full")
	}
	for _, existing := range s.messages[m.RoomID] {
		if existing.Seq == m.Seq {
			return errors.New("UNIQUE constraint failed: messages.room_id, messages.seq")
		}
	}
	s.messages[m.RoomID] = append(s.messages[m.RoomID], *m)
	return nil
}

func (s *memoryStore) GetCourseHistory(_ context.Context, courseID string, limit int) ([]*types.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[courseID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]*types.ChatMessage, 0, len(all))
	for _, m := range all {
		out = append(out, &types.ChatMessage{Message: m})
	}
	return out, nil
}

func (s *memoryStore) LastSeq(_ context.Context, courseID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeqs++
	if s.failing {
		return 0, errors.New("disk full")
	}
	var last int64
	for _, m := range s.messages[courseID] {
		if m.Seq > last {
			last = m.Seq
		}
	}
	return last, nil
}

func (s *memoryStore) stored(courseID string) []types.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Message(nil), s.messages[courseID]...)
}

// recordingNotifier captures fan-out calls
type recordingNotifier struct {
	mu    sync.Mutex
	calls []*types.ChatMessage
}

func (n *recordingNotifier) NotifyChatMessage(_ context.Context, _ *types.CourseMembership, m *types.ChatMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, m)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

type fixture struct {
	manager  *Manager
	store    *memoryStore
	notifier *recordingNotifier
}

func newFixture(config Config) *fixture {
	gate := &fakeGate{courses: map[string]*types.CourseMembership{
		"C1": {CourseID: "C1", Title: "Compilers", OwnerID: "alice", MemberIDs: []string{"bob", "carol"}},
		"C2": {CourseID: "C2", Title: "Databases", OwnerID: "bob"},
	}}
	store := newMemoryStore()
	notifier := &recordingNotifier{}
	return &fixture{
		manager:  NewManager(gate, store, notifier, config),
		store:    store,
		notifier: notifier,
	}
}
