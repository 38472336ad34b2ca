package room

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Config tunes sequencers, the reaper and the rate limiter
type Config struct {
	QueueSize      int
	IdleTimeout    time.Duration
	RateLimit      int
	RateWindow     time.Duration
	PersistTimeout time.Duration
	NotifyTimeout  time.Duration
}

// DefaultConfig mirrors the room section of the application config
func DefaultConfig() Config {
	return Config{
		QueueSize:      64,
		IdleTimeout:    5 * time.Minute,
		RateLimit:      100,
		RateWindow:     time.Minute,
		PersistTimeout: 10 * time.Second,
		NotifyTimeout:  10 * time.Second,
	}
}

type postRequest struct {
	sender types.Identity
	text   string
	result chan postResult
}

type postResult struct {
	message *types.ChatMessage
	err     error
}

// room is the in-memory membership of one course id plus its sequencer
// TECHNICAL DISCOVERY: lastSeq and seqLoaded are owned by the sequencer goroutine
// and need no lock; members, pending and lastActive are guarded by Manager.mu
type room struct {
	id         string
	members    map[string]interfaces.Connection
	queue      chan *postRequest
	done       chan struct{}
	exited     chan struct{} // closed when the sequencer returns
	pending    int           // accepted posts the sequencer has not finished
	lastActive time.Time

	lastSeq   int64
	seqLoaded bool
}

// Manager owns every active room
// ARCHITECTURAL DISCOVERY: Each room gets its own sequencer goroutine, so posts in
// one room never wait on another; Manager.mu only guards map bookkeeping and is
// never held across I/O
type Manager struct {
	gate     interfaces.RoomGate
	store    interfaces.MessageStore
	notifier interfaces.Notifier
	limiter  *RateLimiter
	config   Config

	mu        sync.Mutex
	rooms     map[string]*room
	connRooms map[string]map[string]bool // connID -> set of course ids
	stopped   bool

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a room manager; notifier may be nil to disable fan-out
func NewManager(gate interfaces.RoomGate, store interfaces.MessageStore, notifier interfaces.Notifier, config Config) *Manager {
	defaults := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = defaults.PersistTimeout
	}
	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = defaults.NotifyTimeout
	}

	return &Manager{
		gate:      gate,
		store:     store,
		notifier:  notifier,
		limiter:   NewRateLimiter(config.RateLimit, config.RateWindow),
		config:    config,
		rooms:     make(map[string]*room),
		connRooms: make(map[string]map[string]bool),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the idle room reaper. Rooms work without it; they are just never reclaimed.
func (m *Manager) Start() {
	if m.config.IdleTimeout <= 0 {
		return
	}
	interval := m.config.IdleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.reapIdle(time.Now())
				m.limiter.Cleanup()
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop closes every room and waits for sequencers to exit
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)

		m.mu.Lock()
		m.stopped = true
		for id, r := range m.rooms {
			close(r.done)
			delete(m.rooms, id)
		}
		m.connRooms = make(map[string]map[string]bool)
		m.mu.Unlock()

		m.wg.Wait()
	})
}

// roomLocked returns the room, creating it and its sequencer on first use. Caller holds m.mu.
func (m *Manager) roomLocked(courseID string) *room {
	if r, ok := m.rooms[courseID]; ok {
		return r
	}
	r := &room{
		id:         courseID,
		members:    make(map[string]interfaces.Connection),
		queue:      make(chan *postRequest, m.config.QueueSize),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
		lastActive: time.Now(),
	}
	m.rooms[courseID] = r

	m.wg.Add(1)
	go m.runSequencer(r)

	log.Printf("Room %s activated", courseID)
	return r
}

// Join adds conn to the room if the gate allows it. Joining twice is a no-op and a
// declined join is silent.
// FUNCTIONAL DISCOVERY: Membership is checked here only, not on every post; a
// participant removed from the course keeps posting until the connection leaves
func (m *Manager) Join(ctx context.Context, conn interfaces.Connection, courseID string) bool {
	if conn == nil || !types.IsValidID(courseID) {
		return false
	}
	connID := conn.GetID()

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return false
	}
	if r, ok := m.rooms[courseID]; ok {
		if _, member := r.members[connID]; member {
			m.mu.Unlock()
			return true
		}
	}
	m.mu.Unlock()

	identity := conn.GetIdentity()
	if !m.gate.Authorize(ctx, identity, courseID) {
		log.Printf("Join declined for user %s: %v: %s", identity.ID, ErrNotAuthorized, courseID)
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return false
	}
	r := m.roomLocked(courseID)
	r.members[connID] = conn
	r.lastActive = time.Now()
	if m.connRooms[connID] == nil {
		m.connRooms[connID] = make(map[string]bool)
	}
	m.connRooms[connID][courseID] = true
	return true
}

// Leave removes conn from one room
func (m *Manager) Leave(conn interfaces.Connection, courseID string) {
	if conn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(conn.GetID(), courseID)
}

// RemoveConnection removes conn from every room it joined
func (m *Manager) RemoveConnection(conn interfaces.Connection) {
	if conn == nil {
		return
	}
	connID := conn.GetID()

	m.mu.Lock()
	defer m.mu.Unlock()
	for courseID := range m.connRooms[connID] {
		m.removeLocked(connID, courseID)
	}
	delete(m.connRooms, connID)
}

func (m *Manager) removeLocked(connID, courseID string) {
	if r, ok := m.rooms[courseID]; ok {
		if _, member := r.members[connID]; member {
			delete(r.members, connID)
			r.lastActive = time.Now()
		}
	}
	if set, ok := m.connRooms[connID]; ok {
		delete(set, courseID)
		if len(set) == 0 {
			delete(m.connRooms, connID)
		}
	}
}

// IsMember reports whether conn has joined courseID
func (m *Manager) IsMember(connID, courseID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[courseID]
	if !ok {
		return false
	}
	_, member := r.members[connID]
	return member
}

// Post sends text to a room the connection has joined
func (m *Manager) Post(ctx context.Context, conn interfaces.Connection, courseID, text string) (*types.ChatMessage, error) {
	if conn == nil {
		return nil, ErrNotMember
	}
	content, err := types.NormalizeMessageText(text)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	r, ok := m.rooms[courseID]
	if ok {
		_, ok = r.members[conn.GetID()]
	}
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotMember
	}

	return m.submit(ctx, r, conn.GetIdentity(), content)
}

// PostAs appends a message on behalf of a participant without a live connection
// (REST posting and attachments). The caller has already authorized identity.
func (m *Manager) PostAs(ctx context.Context, identity types.Identity, courseID, text string) (*types.ChatMessage, error) {
	content, err := types.NormalizeMessageText(text)
	if err != nil {
		return nil, err
	}
	if !types.IsValidID(courseID) {
		return nil, types.ErrInvalidID
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrRoomClosed
	}
	r := m.roomLocked(courseID)
	r.lastActive = time.Now()
	m.mu.Unlock()

	return m.submit(ctx, r, identity, content)
}

func (m *Manager) submit(ctx context.Context, r *room, sender types.Identity, content string) (*types.ChatMessage, error) {
	if !m.limiter.Allow(sender.ID) {
		return nil, ErrRateLimitExceeded
	}

	m.mu.Lock()
	if m.stopped || m.rooms[r.id] != r {
		m.mu.Unlock()
		return nil, ErrRoomClosed
	}
	r.pending++
	m.mu.Unlock()

	req := &postRequest{
		sender: sender,
		text:   content,
		result: make(chan postResult, 1),
	}

	select {
	case r.queue <- req:
	case <-r.done:
		m.release(r)
		return nil, ErrRoomClosed
	case <-ctx.Done():
		m.release(r)
		return nil, ctx.Err()
	}

	// FUNCTIONAL DISCOVERY: A queued post is stored and broadcast whatever happens
	// to the caller, so from here on only the sequencer decides the outcome and
	// fan-out always follows a stored message
	var res postResult
	select {
	case res = <-req.result:
	case <-r.exited:
		select {
		case res = <-req.result:
		default:
			return nil, ErrRoomClosed
		}
	}
	if res.err != nil {
		return nil, res.err
	}

	m.fanOut(ctx, res.message)
	return res.message, nil
}

// fanOut records a notification for every other participant. Failures are logged;
// the message itself is already delivered.
func (m *Manager) fanOut(ctx context.Context, message *types.ChatMessage) {
	if m.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.NotifyTimeout)
	defer cancel()

	course, err := m.gate.Membership(ctx, message.RoomID)
	if err != nil {
		log.Printf("Skipping notifications for room %s: %v", message.RoomID, err)
		return
	}
	if err := m.notifier.NotifyChatMessage(ctx, course, message); err != nil {
		log.Printf("Notification fan-out for room %s incomplete: %v", message.RoomID, err)
	}
}

// runSequencer is the single writer of one room
func (m *Manager) runSequencer(r *room) {
	defer m.wg.Done()
	defer close(r.exited)
	for {
		select {
		case req := <-r.queue:
			res := m.sequence(r, req)
			m.release(r)
			req.result <- res
		case <-r.done:
			return
		}
	}
}

// release marks one accepted post as finished
func (m *Manager) release(r *room) {
	m.mu.Lock()
	r.pending--
	r.lastActive = time.Now()
	m.mu.Unlock()
}

// sequence persists then broadcasts one message
// ARCHITECTURAL DISCOVERY: Broadcasting from the sequencer goroutine means every
// member observes messages in exactly the order they were stored
func (m *Manager) sequence(r *room, req *postRequest) postResult {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.PersistTimeout)
	defer cancel()

	if !r.seqLoaded {
		last, err := m.store.LastSeq(ctx, r.id)
		if err != nil {
			return postResult{err: fmt.Errorf("%w: %w", ErrPersistence, err)}
		}
		r.lastSeq = last
		r.seqLoaded = true
	}

	msg := types.Message{
		ID:        uuid.NewString(),
		RoomID:    r.id,
		SenderID:  req.sender.ID,
		Content:   req.text,
		Seq:       r.lastSeq + 1,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.StoreMessage(ctx, &msg); err != nil {
		// The write may or may not have landed; reload the sequence next time
		r.seqLoaded = false
		log.Printf("Failed to persist message in room %s: %v", r.id, err)
		return postResult{err: fmt.Errorf("%w: %w", ErrPersistence, err)}
	}
	r.lastSeq = msg.Seq

	chat := &types.ChatMessage{
		Message:      msg,
		SenderName:   req.sender.DisplayName,
		SenderAvatar: req.sender.AvatarURL,
	}
	m.broadcast(r, chat)
	return postResult{message: chat}
}

func (m *Manager) broadcast(r *room, chat *types.ChatMessage) {
	m.mu.Lock()
	members := make([]interfaces.Connection, 0, len(r.members))
	for _, c := range r.members {
		members = append(members, c)
	}
	r.lastActive = time.Now()
	m.mu.Unlock()

	event := types.NewMessage{RoomID: r.id, Message: chat}
	for _, c := range members {
		// A member that closed mid-broadcast is simply skipped
		_ = c.Send(event)
	}
}

// History returns the most recent messages of a room, oldest first
func (m *Manager) History(ctx context.Context, courseID string, limit int) ([]*types.ChatMessage, error) {
	return m.store.GetCourseHistory(ctx, courseID, limit)
}

// reapIdle stops sequencers of rooms that have been empty longer than IdleTimeout.
// A room with a post in flight is never reaped.
func (m *Manager) reapIdle(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	reaped := 0
	for id, r := range m.rooms {
		if len(r.members) == 0 && r.pending == 0 && now.Sub(r.lastActive) > m.config.IdleTimeout {
			close(r.done)
			delete(m.rooms, id)
			reaped++
		}
	}
	if reaped > 0 {
		log.Printf("Reaped %d idle rooms", reaped)
	}
	return reaped
}

// GetStats returns room statistics for monitoring
func (m *Manager) GetStats() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := 0
	for _, r := range m.rooms {
		members += len(r.members)
	}
	return map[string]int{
		"active_rooms":     len(m.rooms),
		"room_memberships": members,
	}
}
