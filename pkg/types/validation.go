package types

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var idRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// resourceid covers user and course ids alike
	_ = v.RegisterValidation("resourceid", func(fl validator.FieldLevel) bool {
		return IsValidID(fl.Field().String())
	})
	return v
}

// ValidateStruct runs the struct tags of an intent or request body
func ValidateStruct(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidIntent, err)
	}
	return nil
}

// IsValidID checks if a user or course ID meets format requirements
func IsValidID(id string) bool {
	if len(id) < 1 || len(id) > MaxIDLength {
		return false
	}
	return idRegex.MatchString(id)
}

// NormalizeMessageText trims surrounding whitespace and enforces the length limit
func NormalizeMessageText(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	if len(trimmed) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	return trimmed, nil
}

// IsValidRole reports whether r is one of the known roles
func IsValidRole(r Role) bool {
	switch r {
	case RoleOwner, RoleMember, RoleAdmin:
		return true
	default:
		return false
	}
}

// IsValidContentKind reports whether k may trigger a course content notification
func IsValidContentKind(k ContentKind) bool {
	return k == ContentLecture || k == ContentAssignment
}
