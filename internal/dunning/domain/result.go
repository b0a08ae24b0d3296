package domain

import "time"

// RecoveryResult is the outcome of one pass through the dunning state machine.
// It is a closed set: Success, RetryScheduled or FailedPermanent. Callers
// switch on the concrete type.
type RecoveryResult interface {
	recoveryResult()
}

// Success means the invoice was paid and the subscription is healthy again.
type Success struct {
	InvoiceID  string `json:"invoice_id"`
	PaymentRef string `json:"payment_ref,omitempty"`
}

// RetryScheduled means the failure was recorded and another attempt is queued.
type RetryScheduled struct {
	InvoiceID     string    `json:"invoice_id"`
	AttemptNumber int       `json:"attempt_number"`
	MaxAttempts   int       `json:"max_attempts"`
	NextRetryAt   time.Time `json:"next_retry_at"`
}

// FailedPermanent means retries are exhausted and the subscription was cancelled.
type FailedPermanent struct {
	SubscriptionID string    `json:"subscription_id"`
	Reason         string    `json:"reason"`
	CancelledAt    time.Time `json:"cancelled_at"`
}

func (Success) recoveryResult()         {}
func (RetryScheduled) recoveryResult()  {}
func (FailedPermanent) recoveryResult() {}
