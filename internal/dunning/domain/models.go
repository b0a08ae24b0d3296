// Package domain contains the dunning state machine's models, contracts and
// result types.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// EmailType identifies the notification intent for a dunning email.
type EmailType string

const (
	EmailFirstFailure       EmailType = "first_failure"
	EmailRetryFailure       EmailType = "retry_failure"
	EmailFinalNotice        EmailType = "final_notice"
	EmailCancellationNotice EmailType = "cancellation_notice"
	EmailPaymentRecovered   EmailType = "payment_recovered"
)

// PaymentRetryAttempt is the append-only audit record of one charge attempt.
// Attempt numbers per invoice are strictly increasing and gap-free.
type PaymentRetryAttempt struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	InvoiceID        snowflake.ID `gorm:"not null;index;uniqueIndex:ux_attempt_number,priority:1"`
	AttemptNumber    int          `gorm:"not null;uniqueIndex:ux_attempt_number,priority:2"`
	Succeeded        bool         `gorm:"not null;default:false"`
	ErrorCode        *string      `gorm:"type:text"`
	ErrorMessage     *string      `gorm:"type:text"`
	NextRetryAt      *time.Time   `gorm:""`
	PaymentMethodRef string       `gorm:"type:text;not null;default:''"`
	TransactionRef   *string      `gorm:"type:text"`
	AttemptedAt      time.Time    `gorm:"not null"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (PaymentRetryAttempt) TableName() string { return "payment_retry_attempts" }

// DunningEmail is the append-only audit record of a notification sent for a
// subscription/invoice pair. Open/click timestamps are filled in later by a
// separate tracking flow.
type DunningEmail struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	InvoiceID      snowflake.ID `gorm:"not null;index"`
	EmailType      EmailType    `gorm:"type:text;not null"`
	Recipient      string       `gorm:"type:text;not null"`
	Subject        string       `gorm:"type:text;not null"`
	BodyText       string       `gorm:"type:text;not null"`
	BodyHTML       string       `gorm:"type:text;not null;default:''"`
	SentAt         time.Time    `gorm:"not null"`
	OpenedAt       *time.Time   `gorm:""`
	ClickedAt      *time.Time   `gorm:""`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (DunningEmail) TableName() string { return "dunning_emails" }
