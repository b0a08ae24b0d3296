package notification

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Outbox is the default Notifier: emails are enqueued in notification_outbox
// and delivered by an external worker. The transactional insert is the "send".
type Outbox struct {
	db    *gorm.DB
	genID *snowflake.Node
}

func NewOutbox(db *gorm.DB, genID *snowflake.Node) *Outbox {
	return &Outbox{db: db, genID: genID}
}

func (o *Outbox) Send(ctx context.Context, email Email) error {
	if o == nil || o.db == nil || o.genID == nil {
		return errors.New("outbox_unavailable")
	}
	recipient := strings.TrimSpace(email.Recipient)
	if recipient == "" {
		return errors.New("missing_recipient")
	}
	if strings.TrimSpace(string(email.Type)) == "" {
		return errors.New("missing_email_type")
	}

	dedupe := strings.TrimSpace(email.DedupeKey)
	var dedupeValue any
	if dedupe != "" {
		dedupeValue = dedupe
	}

	now := time.Now().UTC()
	return o.db.WithContext(ctx).Exec(
		`INSERT INTO notification_outbox (id, email_type, recipient, subject, body_text, body_html, dedupe_key, published, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, false, ?)
		 ON CONFLICT (dedupe_key) DO NOTHING`,
		o.genID.Generate(),
		string(email.Type),
		recipient,
		email.Subject,
		email.BodyText,
		email.BodyHTML,
		dedupeValue,
		now,
	).Error
}
