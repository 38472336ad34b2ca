package course

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"coursechat/pkg/interfaces"
	"coursechat/pkg/types"
)

// Gate decides whether an identity may join a course room
// ARCHITECTURAL DISCOVERY: No membership cache. Enrolment changes in the course
// store take effect on the next join; a joined connection keeps its membership
// until it leaves or disconnects.
type Gate struct {
	courses interfaces.CourseStore
	timeout time.Duration
}

// NewGate creates a gate reading the course store with a bounded lookup timeout
func NewGate(courses interfaces.CourseStore, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gate{courses: courses, timeout: timeout}
}

// Authorize reports whether identity owns or is enrolled in courseID.
// Never errors: a missing course or a store failure is a denial.
func (g *Gate) Authorize(ctx context.Context, identity types.Identity, courseID string) bool {
	course, err := g.Membership(ctx, courseID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrCourseNotFound) && !errors.Is(err, ErrInvalidCourseID) {
			log.Printf("Course gate: membership lookup for %s failed: %v", courseID, err)
		}
		return false
	}
	return course.IsParticipant(identity.ID)
}

// Membership returns the eligibility record of courseID
func (g *Gate) Membership(ctx context.Context, courseID string) (*types.CourseMembership, error) {
	if !types.IsValidID(courseID) {
		return nil, ErrInvalidCourseID
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	course, err := g.courses.GetCourseMembership(ctx, courseID)
	if err != nil {
		return nil, fmt.Errorf("course %s: %w", courseID, err)
	}
	return course, nil
}

// Participants returns the owner and members of courseID, owner first
func (g *Gate) Participants(ctx context.Context, courseID string) ([]string, error) {
	course, err := g.Membership(ctx, courseID)
	if err != nil {
		return nil, err
	}
	return course.Participants(), nil
}

// RequireParticipant is Authorize with a reason, used by the REST surface
func (g *Gate) RequireParticipant(ctx context.Context, identity types.Identity, courseID string) (*types.CourseMembership, error) {
	course, err := g.Membership(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if !course.IsParticipant(identity.ID) {
		return nil, ErrNotParticipant
	}
	return course, nil
}

// RequireOwner succeeds only for the course owner
func (g *Gate) RequireOwner(ctx context.Context, identity types.Identity, courseID string) (*types.CourseMembership, error) {
	course, err := g.Membership(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if course.OwnerID != identity.ID {
		return nil, ErrNotOwner
	}
	return course, nil
}
