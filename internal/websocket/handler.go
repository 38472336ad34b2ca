package websocket

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"coursechat/internal/auth"
	"coursechat/internal/room"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// maxFrameBytes bounds inbound frames; chat text is capped well below this
const maxFrameBytes = 64 << 10

// Authenticator turns the handshake token into an identity
type Authenticator interface {
	Verify(ctx context.Context, raw string) (*types.Identity, error)
}

// Lifecycle tracks connections from registration until their read loop ends
type Lifecycle interface {
	Register(conn *Connection) error
	Unregister(conn *Connection)
}

// RoomService is the room layer as seen from one connection
type RoomService interface {
	Join(ctx context.Context, conn interfaces.Connection, courseID string) bool
	Leave(conn interfaces.Connection, courseID string)
	Post(ctx context.Context, conn interfaces.Connection, courseID, text string) (*types.ChatMessage, error)
	History(ctx context.Context, courseID string, limit int) ([]*types.ChatMessage, error)
}

// HandlerConfig carries the handshake and heartbeat settings
type HandlerConfig struct {
	CookieName     string
	AllowedOrigins []string
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	BufferSize     int
	HistoryLimit   int
}

// Handler authenticates the handshake and runs the read side of every connection
// ARCHITECTURAL DISCOVERY: Authentication happens before the upgrade, so a rejected
// client gets a plain HTTP 401 it can act on and never holds a socket
type Handler struct {
	config    HandlerConfig
	auth      Authenticator
	lifecycle Lifecycle
	rooms     RoomService
	upgrader  websocket.Upgrader
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(config HandlerConfig, authenticator Authenticator, lifecycle Lifecycle, rooms RoomService) *Handler {
	if config.CookieName == "" {
		config.CookieName = "coursechat_session"
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}

	h := &Handler{
		config:    config,
		auth:      authenticator,
		lifecycle: lifecycle,
		rooms:     rooms,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:      h.checkOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
	return h
}

// checkOrigin allows any origin when none are configured (development), otherwise
// requires an exact scheme+host match. Requests without Origin are non-browser clients.
func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	candidate := u.Scheme + "://" + u.Host
	for _, allowed := range h.config.AllowedOrigins {
		if strings.EqualFold(strings.TrimRight(allowed, "/"), candidate) {
			return true
		}
	}
	return false
}

// ServeHTTP lets the handler be mounted directly on a mux
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.HandleWebSocket(w, r)
}

// HandleWebSocket authenticates, upgrades and registers one connection
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromCookie(r, h.config.CookieName)
	identity, err := h.auth.Verify(r.Context(), token)
	if err != nil {
		log.Printf("WebSocket handshake rejected from %s: %v", r.RemoteAddr, err)
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := NewConnection(ws, *identity, ConnectionOptions{
		BufferSize:   h.config.BufferSize,
		WriteTimeout: h.config.WriteTimeout,
		PingInterval: h.config.PingInterval,
	})

	// FUNCTIONAL DISCOVERY: Registration completes before the read loop starts, so
	// a push addressed to this user can never miss a connection that is already reading
	if err := h.lifecycle.Register(conn); err != nil {
		log.Printf("Failed to register connection for user %s: %v", identity.ID, err)
		_ = conn.Close()
		return
	}

	go h.readLoop(conn)
}

func (h *Handler) readLoop(conn *Connection) {
	defer func() {
		h.lifecycle.Unregister(conn)
		_ = conn.Close()
	}()

	conn.conn.SetReadLimit(maxFrameBytes)
	if err := conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	})

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error for user %s: %v", conn.GetIdentity().ID, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		h.dispatch(conn, data)
	}
}

// dispatch handles one intent. Intents from a single connection are processed in
// arrival order because the read loop waits for each one.
func (h *Handler) dispatch(conn *Connection, data []byte) {
	intent, err := types.DecodeIntent(data)
	if err != nil {
		log.Printf("Dropping frame from user %s: %v", conn.GetIdentity().ID, err)
		return
	}

	ctx := conn.Context()

	switch in := intent.(type) {
	case types.JoinRoom:
		if !h.rooms.Join(ctx, conn, in.CourseID) {
			return
		}
		history, err := h.rooms.History(ctx, in.CourseID, h.config.HistoryLimit)
		if err != nil {
			log.Printf("Failed to load history for room %s: %v", in.CourseID, err)
			return
		}
		_ = conn.Send(types.History{RoomID: in.CourseID, Messages: history})

	case types.LeaveRoom:
		h.rooms.Leave(conn, in.CourseID)

	case types.SendMessage:
		if _, err := h.rooms.Post(ctx, conn, in.CourseID, in.Text); err != nil {
			h.reportPostError(conn, in.CourseID, err)
		}
	}
}

// TECHNICAL DISCOVERY: Only failures the sender can act on are reported, and only
// to the sending connection; validation and authorization failures are dropped
func (h *Handler) reportPostError(conn *Connection, courseID string, err error) {
	switch {
	case errors.Is(err, room.ErrPersistence):
		_ = conn.Send(types.ErrorEvent{
			Code:     types.ErrorCodePersistence,
			Message:  "message could not be saved",
			CourseID: courseID,
		})
	case errors.Is(err, room.ErrRateLimitExceeded):
		_ = conn.Send(types.ErrorEvent{
			Code:     types.ErrorCodeRateLimited,
			Message:  "too many messages, slow down",
			CourseID: courseID,
		})
	default:
		log.Printf("Dropping message from user %s to room %s: %v", conn.GetIdentity().ID, courseID, err)
	}
}
