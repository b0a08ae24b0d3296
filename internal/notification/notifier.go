// Package notification maps dunning decisions to customer emails and records
// the audit trail of what was sent.
package notification

import (
	"context"

	dunningdomain "github.com/smallbiznis/recoup/internal/dunning/domain"
)

// Email is a fully rendered message ready for transport.
type Email struct {
	Type      dunningdomain.EmailType
	Recipient string
	Subject   string
	BodyText  string
	BodyHTML  string
	// DedupeKey suppresses duplicate sends for the same decision.
	DedupeKey string
}

// Notifier is the outbound delivery capability. Implementations must treat
// Send as at-most-once per dedupe key.
type Notifier interface {
	Send(ctx context.Context, email Email) error
}
