// Package domain contains persistence models for subscription invoices.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// InvoiceStatus represents the charge lifecycle for a billing-cycle invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "PENDING"
	InvoiceStatusBilled  InvoiceStatus = "BILLED"
	InvoiceStatusPaid    InvoiceStatus = "PAID"
	InvoiceStatusFailed  InvoiceStatus = "FAILED"
)

// SubscriptionInvoice is the charge target for one billing cycle. Failure
// counters only move forward; next_retry_at is cleared once the invoice is
// paid or retries are exhausted.
type SubscriptionInvoice struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	SubscriptionID snowflake.ID  `gorm:"not null;index;uniqueIndex:ux_invoice_cycle,priority:1"`
	CycleNumber    int           `gorm:"not null;uniqueIndex:ux_invoice_cycle,priority:2"`
	TotalAmount    int64         `gorm:"not null"`
	Currency       string        `gorm:"type:text;not null"`
	Status         InvoiceStatus `gorm:"type:text;not null;default:'PENDING'"`
	FailedAttempts int           `gorm:"not null;default:0"`
	RetryCount     int           `gorm:"not null;default:0"`
	LastFailedAt   *time.Time    `gorm:""`
	FailureReason  *string       `gorm:"type:text"`
	NextRetryAt    *time.Time    `gorm:"index"`
	FirstFailedAt  *time.Time    `gorm:""`
	LateFeeApplied bool          `gorm:"not null;default:false"`
	PaidAt         *time.Time    `gorm:""`
	PaymentRef     *string       `gorm:"type:text"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SubscriptionInvoice) TableName() string { return "subscription_invoices" }

// Retryable reports whether the invoice is in a state dunning may charge.
func (i SubscriptionInvoice) Retryable() bool {
	return i.Status == InvoiceStatusBilled || i.Status == InvoiceStatusFailed
}
