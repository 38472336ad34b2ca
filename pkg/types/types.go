package types

import (
	"time"
)

// Role distinguishes course ownership from enrolment. Only owner/member matter for
// room authorization; admin is used for forced session termination.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// Message limits
const (
	MaxMessageLength = 5000
	MaxIDLength      = 64
)

// Identity is the authenticated user bound to a connection
// FUNCTIONAL DISCOVERY: Immutable for the lifetime of the connection, so it is
// copied into the connection at handshake and never refreshed
type Identity struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Email       string `json:"email,omitempty"`
}

// CourseMembership is the eligibility record held by the course store.
// A room has no persisted form of its own; it is the set of connections that
// joined the course id.
type CourseMembership struct {
	CourseID  string   `json:"course_id"`
	Title     string   `json:"title"`
	OwnerID   string   `json:"owner_id"`
	MemberIDs []string `json:"member_ids"`
}

// IsParticipant reports whether userID owns the course or is enrolled in it
func (c *CourseMembership) IsParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	if c.OwnerID == userID {
		return true
	}
	for _, id := range c.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Participants returns owner + members without duplicates, owner first
func (c *CourseMembership) Participants() []string {
	seen := make(map[string]bool, len(c.MemberIDs)+1)
	out := make([]string, 0, len(c.MemberIDs)+1)
	if c.OwnerID != "" {
		seen[c.OwnerID] = true
		out = append(out, c.OwnerID)
	}
	for _, id := range c.MemberIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Message is the persisted chat record
// ARCHITECTURAL DISCOVERY: Seq is assigned under the room sequencer so two messages
// created within the same clock tick still have a total order
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatMessage is a persisted message with the sender's identity fields resolved
type ChatMessage struct {
	Message
	SenderName   string `json:"sender_name"`
	SenderAvatar string `json:"sender_avatar,omitempty"`
}

// Notification is addressed to exactly one recipient
type Notification struct {
	ID          string    `json:"id"`
	RecipientID string    `json:"recipient_id"`
	Message     string    `json:"message"`
	Link        string    `json:"link"`
	IsRead      bool      `json:"is_read"`
	CreatedAt   time.Time `json:"created_at"`
}

// ContentKind is the kind of course content that triggers a notification
type ContentKind string

const (
	ContentLecture    ContentKind = "lecture"
	ContentAssignment ContentKind = "assignment"
)

// Asset is what the upload collaborator returns for stored bytes
type Asset struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}
