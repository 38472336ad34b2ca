package hub

import (
	"context"
	"log"
	"sync"

	"coursechat/internal/websocket"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// RoomRemover drops a closed connection from every room it joined
type RoomRemover interface {
	RemoveConnection(conn interfaces.Connection)
}

type registration struct {
	conn *websocket.Connection
	ack  chan error
}

type termination struct {
	userID string
	final  types.Event
	ack    chan int
}

// Hub serializes connection lifecycle changes
// ARCHITECTURAL DISCOVERY: Register, unregister and forced termination go through
// one goroutine so a termination can never interleave with a half-finished
// registration. Chat traffic does not pass through here; rooms have their own
// sequencers and pushes go straight to the registry.
type Hub struct {
	registerChannel   chan *registration
	unregisterChannel chan *websocket.Connection
	terminateChannel  chan *termination
	shutdownChannel   chan struct{}

	registry *websocket.Registry
	rooms    RoomRemover

	// TECHNICAL DISCOVERY: RWMutex allows concurrent reads of running state
	running bool
	mu      sync.RWMutex
	done    chan struct{}
}

// NewHub creates a new hub; rooms may be nil when no room layer is wired
func NewHub(registry *websocket.Registry, rooms RoomRemover) *Hub {
	return &Hub{
		registerChannel:   make(chan *registration, 100),
		unregisterChannel: make(chan *websocket.Connection, 100),
		terminateChannel:  make(chan *termination, 16),
		shutdownChannel:   make(chan struct{}),
		registry:          registry,
		rooms:             rooms,
	}
}

// AttachRooms wires the room layer after construction. The room manager and the
// notification service depend on the hub, so the application builds the hub first.
// Must be called before Start.
func (h *Hub) AttachRooms(rooms RoomRemover) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.rooms = rooms
	return nil
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	select {
	case <-h.shutdownChannel:
		return ErrHubNotRunning
	default:
	}
	h.running = true
	h.done = make(chan struct{})

	log.Println("Starting connection hub...")
	go h.run(ctx, h.done)
	return nil
}

// Stop ends processing and closes every registered connection
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdownChannel)
	done := h.done
	h.mu.Unlock()

	log.Println("Stopping connection hub...")
	<-done

	for _, conn := range h.registry.AllConnections() {
		h.remove(conn)
		_ = conn.Close()
	}
	return nil
}

// state returns the running flag and the loop's done channel
func (h *Hub) state() (bool, chan struct{}) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running, h.done
}

// Register adds conn to the registry and returns once it is visible to pushes
func (h *Hub) Register(conn *websocket.Connection) error {
	running, done := h.state()
	if !running {
		return ErrHubNotRunning
	}

	reg := &registration{conn: conn, ack: make(chan error, 1)}
	select {
	case h.registerChannel <- reg:
	case <-done:
		return ErrHubNotRunning
	}

	select {
	case err := <-reg.ack:
		return err
	case <-done:
		return ErrHubNotRunning
	}
}

// Unregister removes conn from the registry and from every room
func (h *Hub) Unregister(conn *websocket.Connection) {
	if conn == nil {
		return
	}
	running, done := h.state()
	if !running {
		h.remove(conn)
		return
	}
	select {
	case h.unregisterChannel <- conn:
	case <-done:
		// FUNCTIONAL DISCOVERY: After shutdown nothing drains the queue, clean up inline
		h.remove(conn)
	}
}

// SendToUser pushes event to every connection of userID
func (h *Hub) SendToUser(userID string, event types.Event) int {
	return h.registry.SendToUser(userID, event)
}

// TerminateUser sends final to every connection of userID, then closes them
func (h *Hub) TerminateUser(userID string, final types.Event) int {
	running, done := h.state()
	if !running {
		return h.terminate(userID, final)
	}

	term := &termination{userID: userID, final: final, ack: make(chan int, 1)}
	select {
	case h.terminateChannel <- term:
	case <-done:
		return h.terminate(userID, final)
	}

	select {
	case n := <-term.ack:
		return n
	case <-done:
		return h.terminate(userID, final)
	}
}

// IsOnline reports whether the user has at least one live connection
func (h *Hub) IsOnline(userID string) bool {
	return h.registry.IsOnline(userID)
}

// GetStats returns registry statistics for monitoring
func (h *Hub) GetStats() map[string]int {
	return h.registry.GetStats()
}

// run is the main hub processing loop
func (h *Hub) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer log.Println("Hub processing stopped")

	for {
		select {
		case reg := <-h.registerChannel:
			reg.ack <- h.handleRegistration(reg.conn)

		case conn := <-h.unregisterChannel:
			h.remove(conn)

		case term := <-h.terminateChannel:
			term.ack <- h.terminate(term.userID, term.final)

		case <-h.shutdownChannel:
			log.Println("Hub shutdown requested")
			return

		case <-ctx.Done():
			log.Println("Hub context cancelled")
			return
		}
	}
}

func (h *Hub) handleRegistration(conn *websocket.Connection) error {
	if err := h.registry.Register(conn); err != nil {
		log.Printf("Connection registration failed: %v", err)
		return err
	}
	identity := conn.GetIdentity()
	log.Printf("Connection registered: user=%s role=%s conn=%s", identity.ID, identity.Role, conn.GetID())
	return nil
}

func (h *Hub) remove(conn *websocket.Connection) {
	h.registry.Unregister(conn)
	if h.rooms != nil {
		h.rooms.RemoveConnection(conn)
	}
}

// terminate unregisters first so no new push lands behind the final event
func (h *Hub) terminate(userID string, final types.Event) int {
	conns := h.registry.UserConnections(userID)
	for _, conn := range conns {
		h.remove(conn)
		if err := conn.SendAndClose(final); err != nil {
			log.Printf("Terminating connection %s of user %s: %v", conn.GetID(), userID, err)
		}
	}
	if len(conns) > 0 {
		log.Printf("Session terminated: user=%s connections=%d", userID, len(conns))
	}
	return len(conns)
}
