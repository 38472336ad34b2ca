package database

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables deployment
// verification at startup without coupling to the migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// requiredTables maps each table to the columns (and declared types) the stores read
var requiredTables = map[string]map[string]string{
	"users": {
		"id":           "TEXT",
		"display_name": "TEXT",
		"avatar_url":   "TEXT",
		"email":        "TEXT",
		"role":         "TEXT",
	},
	"courses": {
		"id":       "TEXT",
		"title":    "TEXT",
		"owner_id": "TEXT",
	},
	"course_members": {
		"course_id": "TEXT",
		"user_id":   "TEXT",
	},
	"messages": {
		"id":         "TEXT",
		"room_id":    "TEXT",
		"sender_id":  "TEXT",
		"content":    "TEXT",
		"seq":        "INTEGER",
		"created_at": "DATETIME",
	},
	"notifications": {
		"id":           "TEXT",
		"recipient_id": "TEXT",
		"message":      "TEXT",
		"link":         "TEXT",
		"is_read":      "INTEGER",
		"created_at":   "DATETIME",
	},
	"schema_migrations": {
		"version": "TEXT",
	},
}

var requiredIndexes = map[string]string{
	"idx_course_members_user":            "Courses of a user",
	"idx_courses_owner":                  "Courses owned by a user",
	"idx_messages_room_seq":              "Room history in sequence order",
	"idx_notifications_recipient_unread": "Unread notifications of a user",
}

// ValidateSchema runs every structural check
func (v *SchemaValidator) ValidateSchema() error {
	if err := v.ValidateTablesExist(); err != nil {
		return err
	}
	if err := v.ValidateTableStructure(); err != nil {
		return err
	}
	return v.ValidateIndexes()
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	for table := range requiredTables {
		exists, err := v.objectExists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s: %w", table, err)
		}
		if !exists {
			return fmt.Errorf("required table %s does not exist", table)
		}
	}
	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
// TECHNICAL DISCOVERY: Column validation ensures type compatibility between
// Go structs and database schema
func (v *SchemaValidator) ValidateTableStructure() error {
	for table, columns := range requiredTables {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}
	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	for index, purpose := range requiredIndexes {
		exists, err := v.objectExists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies that the integrity rules the room sequencer relies on
// are enforced by the database. All probes run in a transaction that is rolled back.
// FUNCTIONAL DISCOVERY: The UNIQUE(room_id, seq) constraint is what turns a
// sequencer bug into a persistence failure instead of an ambiguous ordering
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	if _, err := tx.Exec(`INSERT INTO messages (id, room_id, sender_id, content, seq, created_at)
		VALUES (?, 'nonexistent-course', 'nonexistent-user', 'probe', 1, ?)`, uuid.NewString(), now); err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.room_id")
	}

	userID := "probe-" + uuid.NewString()
	courseID := "probe-" + uuid.NewString()
	if _, err := tx.Exec(`INSERT INTO users (id, display_name, role) VALUES (?, 'Probe', 'owner')`, userID); err != nil {
		return fmt.Errorf("failed to create probe user: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO courses (id, title, owner_id) VALUES (?, 'Probe', ?)`, courseID, userID); err != nil {
		return fmt.Errorf("failed to create probe course: %w", err)
	}

	if _, err := tx.Exec(`INSERT INTO users (id, display_name, role) VALUES (?, 'Probe', 'student')`, "x"+userID); err == nil {
		return fmt.Errorf("check constraint not enforced: users.role")
	}

	insertMessage := `INSERT INTO messages (id, room_id, sender_id, content, seq, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := tx.Exec(insertMessage, uuid.NewString(), courseID, userID, "   ", 1, now); err == nil {
		return fmt.Errorf("check constraint not enforced: messages.content")
	}
	if _, err := tx.Exec(insertMessage, uuid.NewString(), courseID, userID, "first", 1, now); err != nil {
		return fmt.Errorf("failed to insert probe message: %w", err)
	}
	if _, err := tx.Exec(insertMessage, uuid.NewString(), courseID, userID, "second", 1, now); err == nil {
		return fmt.Errorf("unique constraint not enforced: messages(room_id, seq)")
	}

	return nil
}

func (v *SchemaValidator) objectExists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid int
		var name, dataType string
		var notNull int
		var defaultValue interface{}
		var pk int

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
