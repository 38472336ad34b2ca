package interfaces

import (
	"context"
	"io"

	"coursechat/pkg/types"
)

// RoomGate decides room membership eligibility
type RoomGate interface {
	// Authorize never fails; a missing course is simply a denial
	Authorize(ctx context.Context, identity types.Identity, courseID string) bool

	// Membership returns the eligibility record for fan-out recipient computation
	Membership(ctx context.Context, courseID string) (*types.CourseMembership, error)
}

// Notifier receives the events of interest that produce notification records
type Notifier interface {
	NotifyChatMessage(ctx context.Context, course *types.CourseMembership, message *types.ChatMessage) error
}

// Mailer is the outbound email collaborator; delivery is best effort
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// AssetUploader is the object-store collaborator: bytes in, URL + asset id out
type AssetUploader interface {
	Upload(ctx context.Context, filename string, r io.Reader) (*types.Asset, error)
}
