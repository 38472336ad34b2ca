package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	// ARCHITECTURAL DISCOVERY: SQLite driver registered here, error codes inspected for retry
	"github.com/mattn/go-sqlite3"

	dbconfig "coursechat/pkg/database"
	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// busyRetryDelay is how long the writer waits before retrying a write that hit a lock
const busyRetryDelay = 100 * time.Millisecond

// Manager implements the DatabaseManager interface
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	ctx       context.Context
	operation func(ctx context.Context, db *sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the single writer goroutine.
// Migrations are applied by the caller through pkg/database.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool sized for concurrent history reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite pragmas: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(op.ctx, m.db)
			// FUNCTIONAL DISCOVERY: Only lock contention is worth one retry; constraint
			// violations and cancelled contexts fail immediately so the room sequencer
			// can report the persistence failure without stalling the room
			if isBusy(err) && op.ctx.Err() == nil {
				log.Printf("Database busy, retrying write in %v: %v", busyRetryDelay, err)
				time.Sleep(busyRetryDelay)
				err = op.operation(op.ctx, m.db)
			}
			if err != nil {
				log.Printf("Database write failed: %v", err)
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

// executeWrite queues a write operation and waits for completion, bounded by the
// configured write timeout
func (m *Manager) executeWrite(ctx context.Context, operation func(ctx context.Context, db *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.config.WriteTimeout)
	defer cancel()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrWriteTimeout, ctx.Err())
	case <-m.shutdown:
		return ErrManagerClosed
	}

	select {
	case err := <-result:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrWriteTimeout, err)
		}
		return err
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// GetUser resolves a user id to its identity
func (m *Manager) GetUser(ctx context.Context, userID string) (*types.Identity, error) {
	var identity types.Identity
	var role string
	err := m.db.QueryRowContext(ctx,
		`SELECT id, display_name, avatar_url, email, role FROM users WHERE id = ?`, userID,
	).Scan(&identity.ID, &identity.DisplayName, &identity.AvatarURL, &identity.Email, &role)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	identity.Role = types.Role(role)
	return &identity, nil
}

// GetCourseMembership returns owner and enrolled members of a course
func (m *Manager) GetCourseMembership(ctx context.Context, courseID string) (*types.CourseMembership, error) {
	course := types.CourseMembership{CourseID: courseID}
	err := m.db.QueryRowContext(ctx,
		`SELECT title, owner_id FROM courses WHERE id = ?`, courseID,
	).Scan(&course.Title, &course.OwnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrCourseNotFound
		}
		return nil, fmt.Errorf("failed to query course: %w", err)
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT user_id FROM course_members WHERE course_id = ? ORDER BY enrolled_at, user_id`, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query course members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	course.MemberIDs = []string{}
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan course member: %w", err)
		}
		course.MemberIDs = append(course.MemberIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating course members: %w", err)
	}

	return &course, nil
}

// CreateUser inserts or refreshes a user record
func (m *Manager) CreateUser(ctx context.Context, user *types.Identity) error {
	if !types.IsValidID(user.ID) {
		return types.ErrInvalidID
	}
	if !types.IsValidRole(user.Role) {
		return types.ErrInvalidRole
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (id, display_name, avatar_url, email, role)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				display_name = excluded.display_name,
				avatar_url = excluded.avatar_url,
				email = excluded.email,
				role = excluded.role`,
			user.ID, user.DisplayName, user.AvatarURL, user.Email, string(user.Role))
		if err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
		return nil
	})
}

// CreateCourse inserts or refreshes a course and enrolls its listed members atomically
func (m *Manager) CreateCourse(ctx context.Context, course *types.CourseMembership) error {
	if !types.IsValidID(course.CourseID) {
		return types.ErrInvalidID
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO courses (id, title, owner_id) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET title = excluded.title, owner_id = excluded.owner_id`,
			course.CourseID, course.Title, course.OwnerID)
		if err != nil {
			return fmt.Errorf("failed to upsert course: %w", err)
		}

		for _, memberID := range course.MemberIDs {
			_, err = tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO course_members (course_id, user_id) VALUES (?, ?)`,
				course.CourseID, memberID)
			if err != nil {
				return fmt.Errorf("failed to enroll %s: %w", memberID, err)
			}
		}

		if err = tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit course creation: %w", err)
		}
		return nil
	})
}

// EnrollMember adds a user to a course; enrolling twice is a no-op
func (m *Manager) EnrollMember(ctx context.Context, courseID, userID string) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT OR IGNORE INTO course_members (course_id, user_id) VALUES (?, ?)`, courseID, userID)
		if err != nil {
			return fmt.Errorf("failed to enroll member: %w", err)
		}
		return nil
	})
}

// StoreMessage persists a chat message. The (room_id, seq) unique constraint rejects
// a duplicated sequence number.
func (m *Manager) StoreMessage(ctx context.Context, message *types.Message) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, room_id, sender_id, content, seq, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			message.ID, message.RoomID, message.SenderID, message.Content, message.Seq, message.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		return nil
	})
}

// GetCourseHistory returns the most recent messages of a room, oldest first
// FUNCTIONAL DISCOVERY: Query takes the newest N by seq, the slice is reversed to
// restore chronological order for display
func (m *Manager) GetCourseHistory(ctx context.Context, courseID string, limit int) ([]*types.ChatMessage, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT m.id, m.room_id, m.sender_id, m.content, m.seq, m.created_at,
			COALESCE(u.display_name, m.sender_id), COALESCE(u.avatar_url, '')
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.room_id = ?
		ORDER BY m.seq DESC
		LIMIT ?`, courseID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query course history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	messages := []*types.ChatMessage{}
	for rows.Next() {
		var msg types.ChatMessage
		err := rows.Scan(&msg.ID, &msg.RoomID, &msg.SenderID, &msg.Content, &msg.Seq,
			&msg.CreatedAt, &msg.SenderName, &msg.SenderAvatar)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// LastSeq returns the highest sequence number stored for a room
func (m *Manager) LastSeq(ctx context.Context, courseID string) (int64, error) {
	var seq int64
	err := m.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM messages WHERE room_id = ?`, courseID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to query last seq: %w", err)
	}
	return seq, nil
}

// StoreNotification persists one notification record
func (m *Manager) StoreNotification(ctx context.Context, n *types.Notification) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO notifications (id, recipient_id, message, link, is_read, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			n.ID, n.RecipientID, n.Message, n.Link, n.IsRead, n.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert notification: %w", err)
		}
		return nil
	})
}

// ListUnreadNotifications returns a user's unread notifications, newest first
func (m *Manager) ListUnreadNotifications(ctx context.Context, userID string) ([]*types.Notification, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, recipient_id, message, link, is_read, created_at
		FROM notifications
		WHERE recipient_id = ? AND is_read = 0
		ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	notifications := []*types.Notification{}
	for rows.Next() {
		var n types.Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Message, &n.Link, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		notifications = append(notifications, &n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification rows: %w", err)
	}

	return notifications, nil
}

// MarkNotificationRead flips one notification owned by userID to read.
// Marking an already-read notification succeeds.
func (m *Manager) MarkNotificationRead(ctx context.Context, userID, notificationID string) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE notifications SET is_read = 1 WHERE id = ? AND recipient_id = ?`,
			notificationID, userID)
		if err != nil {
			return fmt.Errorf("failed to mark notification read: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected == 0 {
			return interfaces.ErrNotificationNotFound
		}
		return nil
	})
}

// MarkAllNotificationsRead flips every unread notification of userID and returns how many changed
func (m *Manager) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	var affected int64
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE notifications SET is_read = 1 WHERE recipient_id = ? AND is_read = 0`, userID)
		if err != nil {
			return fmt.Errorf("failed to mark notifications read: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}

	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}
