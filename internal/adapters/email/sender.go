package email

import (
	"context"
	"time"
)

// SendRequest is one outgoing message. From may be empty to use the sender's
// default address.
type SendRequest struct {
	To      []string
	From    string
	Subject string
	HTML    string
	Text    string
	ReplyTo string
	// Tags are attached to the message for filtering in the provider console.
	Tags           map[string]string
	IdempotencyKey string
}

// SendResult identifies an accepted message.
type SendResult struct {
	MessageID string
	SentAt    time.Time
}

// Sender delivers email.
type Sender interface {
	Send(ctx context.Context, req SendRequest) (SendResult, error)
}
