package course

import "errors"

var (
	ErrInvalidCourseID = errors.New("course id must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrNotParticipant  = errors.New("user is neither owner nor member of the course")
	ErrNotOwner        = errors.New("user does not own the course")
)
