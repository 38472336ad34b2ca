package interfaces

import (
	"context"

	"coursechat/pkg/types"
)

// UserStore resolves token subjects to identities
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*types.Identity, error)
}

// CourseStore exposes course eligibility (owner + enrolled members)
type CourseStore interface {
	GetCourseMembership(ctx context.Context, courseID string) (*types.CourseMembership, error)
}

// MessageStore persists chat messages
type MessageStore interface {
	// StoreMessage must complete before the message is broadcast
	StoreMessage(ctx context.Context, message *types.Message) error

	// GetCourseHistory returns at most limit most recent messages with sender fields
	// resolved, oldest first. A non-positive limit returns the whole room.
	GetCourseHistory(ctx context.Context, courseID string, limit int) ([]*types.ChatMessage, error)

	// LastSeq returns the highest sequence number stored for a room (0 if none)
	LastSeq(ctx context.Context, courseID string) (int64, error)
}

// NotificationStore persists notification records and their read state
type NotificationStore interface {
	StoreNotification(ctx context.Context, notification *types.Notification) error
	ListUnreadNotifications(ctx context.Context, userID string) ([]*types.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)
}

// DatabaseManager handles all database operations
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// enables consistent transaction handling and connection management
type DatabaseManager interface {
	UserStore
	CourseStore
	MessageStore
	NotificationStore

	// Course store maintenance, used by seeding and tests; CRUD proper lives outside this layer
	CreateUser(ctx context.Context, user *types.Identity) error
	CreateCourse(ctx context.Context, course *types.CourseMembership) error
	EnrollMember(ctx context.Context, courseID, userID string) error

	HealthCheck(ctx context.Context) error
	Close() error
}
