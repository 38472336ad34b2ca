package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrCourseNotFound       = errors.New("course not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrUnauthorized         = errors.New("unauthorized access")
)
