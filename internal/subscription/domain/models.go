// Package domain contains persistence models for subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue   SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusPaused    SubscriptionStatus = "PAUSED"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
)

// CancelReasonPaymentFailed is the reason recorded when dunning exhausts all retries.
const CancelReasonPaymentFailed = "payment_failed"

// Subscription captures a customer's recurring billing agreement. The dunning
// engine only moves it between ACTIVE and PAST_DUE, or terminally to CANCELLED;
// creation and plan semantics live upstream.
type Subscription struct {
	ID               snowflake.ID       `gorm:"primaryKey"`
	CustomerID       snowflake.ID       `gorm:"not null;index"`
	CustomerEmail    string             `gorm:"type:text;not null;default:''"`
	Status           SubscriptionStatus `gorm:"type:text;not null;default:'ACTIVE';index"`
	GatewayProvider  string             `gorm:"type:text;not null;default:'stripe'"`
	PaymentMethodRef string             `gorm:"type:text;not null;default:''"`
	Currency         string             `gorm:"type:text;not null"`
	Amount           int64              `gorm:"not null"`
	CancelReason     *string            `gorm:"type:text"`
	CancelledAt      *time.Time         `gorm:""`
	Metadata         datatypes.JSONMap  `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt        time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time          `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Chargeable reports whether dunning may still attempt charges for this subscription.
func (s Subscription) Chargeable() bool {
	return s.Status == SubscriptionStatusActive || s.Status == SubscriptionStatusPastDue
}

// SubscriptionPayment is an append-only record of a payment outcome at the
// subscription level.
type SubscriptionPayment struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	PaymentRef     *string      `gorm:"type:text"`
	Succeeded      bool         `gorm:"not null"`
	FailureReason  *string      `gorm:"type:text"`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (SubscriptionPayment) TableName() string { return "subscription_payments" }
