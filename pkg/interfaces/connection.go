package interfaces

import "coursechat/pkg/types"

// Connection represents one live, authenticated channel from one client context
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// ensures clean boundaries between WebSocket infrastructure and business logic
type Connection interface {
	// GetID returns the server-assigned connection id (unique per handshake)
	GetID() string

	// GetIdentity returns the identity bound at handshake
	GetIdentity() types.Identity

	// Send queues an event for delivery (thread-safe). Sending to a closed
	// connection returns an error that callers may safely ignore.
	Send(event types.Event) error

	// Close closes the connection and cleans up resources
	Close() error
}

// Publisher delivers events to every live connection of a user
type Publisher interface {
	// SendToUser returns the number of connections the event was queued on;
	// zero is a delivery miss, not an error
	SendToUser(userID string, event types.Event) int

	// TerminateUser delivers a final event to every connection of the user, then
	// closes them; returns how many connections were terminated
	TerminateUser(userID string, final types.Event) int
}
