package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"coursechat/internal/auth"
	"coursechat/internal/course"
	"coursechat/internal/room"
	"coursechat/internal/storage"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// maxHistoryLimit caps the limit query parameter of the history endpoint
const maxHistoryLimit = 500

// Authenticator resolves the caller of a REST request
type Authenticator interface {
	Verify(ctx context.Context, raw string) (*types.Identity, error)
}

// Gate answers course-level permission questions
type Gate interface {
	RequireParticipant(ctx context.Context, identity types.Identity, courseID string) (*types.CourseMembership, error)
	RequireOwner(ctx context.Context, identity types.Identity, courseID string) (*types.CourseMembership, error)
}

// Rooms is the chat surface used by REST callers
type Rooms interface {
	History(ctx context.Context, courseID string, limit int) ([]*types.ChatMessage, error)
	PostAs(ctx context.Context, identity types.Identity, courseID, text string) (*types.ChatMessage, error)
}

// Notifications is the notification surface used by REST callers
type Notifications interface {
	Unread(ctx context.Context, userID string) ([]*types.Notification, error)
	MarkRead(ctx context.Context, userID, notificationID string) error
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	NotifyCourseContent(ctx context.Context, course *types.CourseMembership, kind types.ContentKind, title string) ([]*types.Notification, error)
	TerminateSession(userID, reason string) int
}

// StatsProvider reports counters for the health endpoint
type StatsProvider interface {
	GetStats() map[string]int
}

// HealthChecker validates the persistence layer
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps are the collaborators of the REST server
type Deps struct {
	Auth           Authenticator
	Gate           Gate
	Rooms          Rooms
	Notifications  Notifications
	Uploader       interfaces.AssetUploader
	Database       HealthChecker
	Connections    StatsProvider
	RoomStats      StatsProvider
	CookieName     string
	HistoryLimit   int
	MaxUploadBytes int64
}

// Server is the HTTP API: JSON in, JSON out, no business logic of its own
// ARCHITECTURAL DISCOVERY: Every route resolves the caller from the same session
// token the WebSocket handshake uses, so REST and live channel agree on identity
type Server struct {
	deps   Deps
	router *http.ServeMux
}

func NewServer(deps Deps) *Server {
	if deps.CookieName == "" {
		deps.CookieName = "coursechat_session"
	}
	if deps.HistoryLimit <= 0 {
		deps.HistoryLimit = 50
	}
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 10 << 20
	}

	s := &Server{deps: deps, router: http.NewServeMux()}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Handle("GET /api/notifications", s.authed(s.listNotifications))
	s.router.Handle("POST /api/notifications/read", s.authed(s.markAllRead))
	s.router.Handle("POST /api/notifications/{id}/read", s.authed(s.markRead))

	s.router.Handle("GET /api/courses/{id}/members", s.authed(s.courseMembers))
	s.router.Handle("GET /api/courses/{id}/messages", s.authed(s.courseHistory))
	s.router.Handle("POST /api/courses/{id}/messages", s.authed(s.postMessage))
	s.router.Handle("POST /api/courses/{id}/content", s.authed(s.announceContent))
	s.router.Handle("POST /api/courses/{id}/attachments", s.authed(s.uploadAttachment))

	s.router.Handle("POST /api/users/{id}/terminate", s.authed(s.terminateUser))

	s.router.HandleFunc("GET /health", s.healthCheck)
}

// ServeHTTP applies CORS before routing so preflight requests never reach the mux
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.corsMiddleware(s.jsonMiddleware(s.router)).ServeHTTP(w, r)
}

// Request/Response types for JSON serialization
type NotificationsResponse struct {
	Notifications []*types.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unread_count"`
}

type MarkAllReadResponse struct {
	Updated int64 `json:"updated"`
}

type MembersResponse struct {
	CourseID  string   `json:"course_id"`
	Title     string   `json:"title"`
	OwnerID   string   `json:"owner_id"`
	MemberIDs []string `json:"member_ids"`
}

type HistoryResponse struct {
	RoomID   string               `json:"room_id"`
	Messages []*types.ChatMessage `json:"messages"`
}

type PostMessageRequest struct {
	Text string `json:"text" validate:"required,max=5000"`
}

type MessageResponse struct {
	Message *types.ChatMessage `json:"message"`
}

type ContentRequest struct {
	Kind  types.ContentKind `json:"kind" validate:"required,oneof=lecture assignment"`
	Title string            `json:"title" validate:"required,max=200"`
}

type ContentResponse struct {
	Notified int `json:"notified"`
}

type AttachmentResponse struct {
	Asset   *types.Asset       `json:"asset"`
	Message *types.ChatMessage `json:"message"`
}

type TerminateRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

type TerminateResponse struct {
	Terminated int `json:"terminated"`
}

type HealthResponse struct {
	Status      string         `json:"status"`
	Timestamp   time.Time      `json:"timestamp"`
	Database    string         `json:"database"`
	Connections map[string]int `json:"connections"`
	Rooms       map[string]int `json:"rooms,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type identityKey struct{}

type authedHandler func(w http.ResponseWriter, r *http.Request, identity types.Identity)

// authed resolves the caller or answers 401
func (s *Server) authed(next authedHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.TokenFromRequest(r, s.deps.CookieName)
		identity, err := s.deps.Auth.Verify(r.Context(), token)
		if err != nil {
			s.sendError(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, *identity)
		next(w, r.WithContext(ctx), *identity)
	})
}

// IdentityFromContext returns the caller resolved by the auth middleware
func IdentityFromContext(ctx context.Context) (types.Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(types.Identity)
	return identity, ok
}

// GET /api/notifications
func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request, identity types.Identity) {
	list, err := s.deps.Notifications.Unread(r.Context(), identity.ID)
	if err != nil {
		log.Printf("Failed to list notifications for %s: %v", identity.ID, err)
		s.sendError(w, "Failed to list notifications", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusOK, NotificationsResponse{Notifications: list, UnreadCount: len(list)})
}

// POST /api/notifications/read
func (s *Server) markAllRead(w http.ResponseWriter, r *http.Request, identity types.Identity) {
	n, err := s.deps.Notifications.MarkAllRead(r.Context(), identity.ID)
	if err != nil {
		log.Printf("Failed to mark notifications read for %s: %v", identity.ID, err)
		s.sendError(w, "Failed to mark notifications read", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusOK, MarkAllReadResponse{Updated: n})
}

// POST /api/notifications/{id}/read
func (s *Server) markRead(w http.ResponseWriter, r *http.Request, identity types.Identity) {
	id := r.PathValue("id")
	err := s.deps.Notifications.MarkRead(r.Context(), identity.ID, id)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, interfaces.ErrNotificationNotFound):
		// FUNCTIONAL DISCOVERY: Another user's notification looks exactly like a missing one
		s.sendError(w, "Notification not found", http.StatusNotFound)
	default:
		log.Printf("Failed to mark notification %s read: %v", id, err)
		s.sendError(w, "Failed to mark notification read", http.StatusInternalServerError)
	}
}

// GET /api/courses/{id}/members
func (s *Server) courseMembers(w http.ResponseWriter, r *http.Request, identity types.Identity) {
	c, ok := s.requireParticipant(w, r, identity)
	if !ok {
		return
	}
	members := c.MemberIDs
	if members == nil {
		members = []string{}
	}
	s.sendJSON(w, http.StatusOK, MembersResponse{CourseID: c.CourseID, Title: c.Title, OwnerID: c.OwnerID, MemberIDs: members})
}

// GET /api/courses/{id}/messages?limit=N
func (s *Server) courseHistory(w http.ResponseWriter, r *http.Request, identity types.Identity) {
	c, ok := s.requireParticipant(w, r, identity)
	if !ok {
		return
	}

	limit := s.deps.HistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			s.sendError(w, fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit), http.StatusBadRequest)
			return
		}
		limit = n
	}

	messages, err := s.deps.Rooms.History(r.Context(), c.CourseID, limit)
	if err != nil {
		log.Printf("Failed to load history for %s: %v", c.CourseID, err)
		s.sendError(w, "Failed to load messages", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusOK, HistoryResponse{RoomID: c.CourseID, Messages: messages})
}

// POST /api/courses/{id}/messages
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request, identity types.Identity) {
	c, ok := s.requireParticipant(w, r, identity)
	if !ok {
		return
	}

	var req PostMessageRequest
	if !s.decode(w, r, &req) {
		return
	}

	msg, err := s.deps.Rooms.PostAs(r.Context(), identity, c.CourseID, req.Text)
	if err != nil {
		s.sendPostError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, MessageResponse{Message: msg})
}

// POST /api/courses/{id}/content
func (s *Server) announceContent(w http.ResponseWriter, r *http.Request, identity types.Identity) {
	c, err := s.deps.Gate.RequireOwner(r.Context(), identity, r.PathValue("id"))
	if err != nil {
		s.sendGateError(w, err)
		return
	}

	var req ContentRequest
	if !s.decode(w, r, &req) {
		return
	}

	records, err := s.deps.Notifications.NotifyCourseContent(r.Context(), c, req.Kind, req.Title)
	if err != nil && len(records) == 0 {
		log.Printf("Content announcement for %s failed: %v", c.CourseID, err)
		s.sendError(w, "Failed to notify members", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusCreated, ContentResponse{Notified: len(records)})
}

// POST /api/courses/{id}/attachments (multipart, field "file")
func (s *Server) uploadAttachment(w http.ResponseWriter, r *http.Request, identity types.Identity) {
	c, ok := s.requireParticipant(w, r, identity)
	if !ok {
		return
	}
	if s.deps.Uploader == nil {
		s.sendError(w, "Attachments are not enabled", http.StatusNotImplemented)
		return
	}

	// Multipart framing needs some headroom above the file limit
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUploadBytes+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.sendError(w, "File too large", http.StatusRequestEntityTooLarge)
			return
		}
		s.sendError(w, "Missing file field", http.StatusBadRequest)
		return
	}
	defer func() { _ = file.Close() }()

	asset, err := s.deps.Uploader.Upload(r.Context(), header.Filename, file)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrUploadTooLarge):
			s.sendError(w, "File too large", http.StatusRequestEntityTooLarge)
		case errors.Is(err, storage.ErrEmptyUpload):
			s.sendError(w, "File is empty", http.StatusBadRequest)
		default:
			log.Printf("Attachment upload for %s failed: %v", c.CourseID, err)
			s.sendError(w, "Failed to store file", http.StatusInternalServerError)
		}
		return
	}

	msg, err := s.deps.Rooms.PostAs(r.Context(), identity, c.CourseID, asset.URL)
	if err != nil {
		s.sendPostError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, AttachmentResponse{Asset: asset, Message: msg})
}

// POST /api/users/{id}/terminate
func (s *Server) terminateUser(w http.ResponseWriter, r *http.Request, identity types.Identity) {
	if identity.Role != types.RoleAdmin {
		s.sendError(w, "Admin role required", http.StatusForbidden)
		return
	}
	target := r.PathValue("id")
	if !types.IsValidID(target) {
		s.sendError(w, "Invalid user id", http.StatusBadRequest)
		return
	}

	var req TerminateRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}

	n := s.deps.Notifications.TerminateSession(target, req.Reason)
	s.sendJSON(w, http.StatusOK, TerminateResponse{Terminated: n})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.deps.Database.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: map[string]int{},
	}
	if s.deps.Connections != nil {
		response.Connections = s.deps.Connections.GetStats()
	}
	if s.deps.RoomStats != nil {
		response.Rooms = s.deps.RoomStats.GetStats()
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

func (s *Server) requireParticipant(w http.ResponseWriter, r *http.Request, identity types.Identity) (*types.CourseMembership, bool) {
	c, err := s.deps.Gate.RequireParticipant(r.Context(), identity, r.PathValue("id"))
	if err != nil {
		s.sendGateError(w, err)
		return nil, false
	}
	return c, true
}

// decode reads a JSON body and runs its validation tags
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	if err := types.ValidateStruct(dst); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) sendGateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, course.ErrInvalidCourseID):
		s.sendError(w, "Invalid course id", http.StatusBadRequest)
	case errors.Is(err, interfaces.ErrCourseNotFound):
		s.sendError(w, "Course not found", http.StatusNotFound)
	case errors.Is(err, course.ErrNotParticipant), errors.Is(err, course.ErrNotOwner):
		s.sendError(w, "Not allowed for this course", http.StatusForbidden)
	default:
		log.Printf("Course lookup failed: %v", err)
		s.sendError(w, "Course lookup failed", http.StatusInternalServerError)
	}
}

func (s *Server) sendPostError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, room.ErrEmptyMessage), errors.Is(err, room.ErrMessageTooLong), errors.Is(err, types.ErrInvalidID):
		s.sendError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, room.ErrRateLimitExceeded):
		s.sendError(w, "Too many messages", http.StatusTooManyRequests)
	case errors.Is(err, room.ErrPersistence):
		s.sendError(w, "Message could not be saved", http.StatusServiceUnavailable)
	default:
		log.Printf("Posting message failed: %v", err)
		s.sendError(w, "Failed to post message", http.StatusInternalServerError)
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, body interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// sendError writes the consistent error body
func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

// corsMiddleware answers preflight requests and tags every response
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
