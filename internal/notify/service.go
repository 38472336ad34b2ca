package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Service persists notification records and pushes them to connected recipients
// ARCHITECTURAL DISCOVERY: The durable record is the source of truth and the push
// is only a hint; an offline recipient loses nothing, and an online one may see
// the same record again on the next fetch (clients dedupe by id)
type Service struct {
	store       interfaces.NotificationStore
	publisher   interfaces.Publisher
	users       interfaces.UserStore
	mailer      interfaces.Mailer
	concurrency int
	now         func() time.Time
}

// NewService creates the fan-out service. users and mailer may be nil, which
// disables email for course content.
func NewService(store interfaces.NotificationStore, publisher interfaces.Publisher, users interfaces.UserStore, mailer interfaces.Mailer, concurrency int) *Service {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &Service{
		store:       store,
		publisher:   publisher,
		users:       users,
		mailer:      mailer,
		concurrency: concurrency,
		now:         time.Now,
	}
}

// Notify persists one record per recipient, then pushes it if the recipient is online.
// Returns the records that were persisted and the joined persistence errors.
func (s *Service) Notify(ctx context.Context, recipients []string, message, link string) ([]*types.Notification, error) {
	if strings.TrimSpace(message) == "" {
		return nil, ErrEmptyNotification
	}
	recipients = dedupe(recipients)
	if len(recipients) == 0 {
		return nil, nil
	}

	records := make([]*types.Notification, len(recipients))
	var (
		mu   sync.Mutex
		errs []error
	)

	// TECHNICAL DISCOVERY: Plain errgroup (no derived context) so one failing
	// recipient never cancels the others; SetLimit bounds concurrent writes
	var g errgroup.Group
	g.SetLimit(s.concurrency)

	for i, recipient := range recipients {
		g.Go(func() error {
			n := &types.Notification{
				ID:          uuid.NewString(),
				RecipientID: recipient,
				Message:     message,
				Link:        link,
				CreatedAt:   s.now().UTC(),
			}
			if err := s.store.StoreNotification(ctx, n); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("recipient %s: %w", recipient, err))
				mu.Unlock()
				return nil
			}
			records[i] = n

			if s.publisher != nil {
				s.publisher.SendToUser(recipient, types.NewNotification{Notification: n})
			}
			return nil
		})
	}
	_ = g.Wait()

	persisted := make([]*types.Notification, 0, len(records))
	for _, n := range records {
		if n != nil {
			persisted = append(persisted, n)
		}
	}

	if len(errs) > 0 {
		log.Printf("Notification fan-out: %d of %d records failed", len(errs), len(recipients))
		return persisted, errors.Join(errs...)
	}
	return persisted, nil
}

// NotifyChatMessage notifies every participant of the course except the sender
func (s *Service) NotifyChatMessage(ctx context.Context, course *types.CourseMembership, message *types.ChatMessage) error {
	recipients := without(course.Participants(), message.SenderID)
	_, err := s.Notify(ctx, recipients, "New message in "+courseName(course), ChatLink(course.CourseID))
	return err
}

// NotifyCourseContent notifies enrolled members about a new lecture or assignment
// and emails those with an address on file. Email failures are logged only.
func (s *Service) NotifyCourseContent(ctx context.Context, course *types.CourseMembership, kind types.ContentKind, title string) ([]*types.Notification, error) {
	if !types.IsValidContentKind(kind) {
		return nil, ErrInvalidContentKind
	}

	message := fmt.Sprintf("New %s in %s", kind, courseName(course))
	if title = strings.TrimSpace(title); title != "" {
		message += ": " + title
	}
	link := ContentLink(course.CourseID, kind)

	recipients := without(course.MemberIDs, course.OwnerID)
	records, err := s.Notify(ctx, recipients, message, link)

	s.emailRecipients(ctx, recipients, message, link)
	return records, err
}

func (s *Service) emailRecipients(ctx context.Context, recipients []string, subject, link string) {
	if s.mailer == nil || s.users == nil {
		return
	}
	for _, id := range recipients {
		user, err := s.users.GetUser(ctx, id)
		if err != nil || user.Email == "" {
			continue
		}
		body := fmt.Sprintf("Hi %s,\n\n%s.\n\nOpen it here: %s\n", user.DisplayName, subject, link)
		if err := s.mailer.Send(ctx, user.Email, subject, body); err != nil {
			log.Printf("Failed to email %s: %v", id, err)
		}
	}
}

// TerminateSession instructs every connection of userID to drop its session, then
// closes them. This is a direct command and leaves no notification record.
func (s *Service) TerminateSession(userID, reason string) int {
	if s.publisher == nil {
		return 0
	}
	if reason == "" {
		reason = "session terminated"
	}
	n := s.publisher.TerminateUser(userID, types.SessionTerminated{Reason: reason})
	log.Printf("Forced logout of %s: %d connections closed", userID, n)
	return n
}

// Unread returns the caller's unread notifications, newest first
func (s *Service) Unread(ctx context.Context, userID string) ([]*types.Notification, error) {
	return s.store.ListUnreadNotifications(ctx, userID)
}

// MarkRead marks one of the caller's notifications read
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	return s.store.MarkNotificationRead(ctx, userID, notificationID)
}

// MarkAllRead marks every unread notification of the caller read
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.store.MarkAllNotificationsRead(ctx, userID)
}

// ChatLink is the navigation link of a course chat
func ChatLink(courseID string) string {
	return "/courses/" + courseID + "/chat"
}

// ContentLink is the navigation link of a course content listing
func ContentLink(courseID string, kind types.ContentKind) string {
	return "/courses/" + courseID + "/" + string(kind) + "s"
}

func courseName(course *types.CourseMembership) string {
	if course.Title != "" {
		return course.Title
	}
	return course.CourseID
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func without(ids []string, exclude string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}
