package notify

import "time"

// Kind classifies a notification for client rendering.
type Kind string

const (
	KindInfo            Kind = "INFO"
	KindCommandApproved Kind = "COMMAND_APPROVED"
	KindCommandRejected Kind = "COMMAND_REJECTED"
)

// Notification is a message addressed to one account, created when an
// admin resolves one of its pending commands.
type Notification struct {
	ID        string
	AccountID string
	Message   string
	Kind      Kind
	Read      bool
	CreatedAt time.Time
}
