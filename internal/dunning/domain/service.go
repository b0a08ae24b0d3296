package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Service is the dunning state machine. Every operation returns the
// RecoveryResult that a caller must switch on.
type Service interface {
	// ProcessFailedCharge records a failed charge for the invoice and decides
	// retry vs. cancel. Idempotent per attempt number: duplicate webhook
	// deliveries replay the previously computed outcome.
	ProcessFailedCharge(ctx context.Context, subscriptionID, invoiceID snowflake.ID, errorMessage string) (RecoveryResult, error)
	// ExecuteRetry charges a due invoice and routes the outcome back through
	// ProcessRecovery or ProcessFailedCharge.
	ExecuteRetry(ctx context.Context, invoiceID snowflake.ID) (RecoveryResult, error)
	// ManualRetry is ExecuteRetry without the due-time check.
	ManualRetry(ctx context.Context, invoiceID snowflake.ID) (RecoveryResult, error)
	// CancelAfterRetries cancels the subscription for payment failure and
	// sends the cancellation notice.
	CancelAfterRetries(ctx context.Context, subscriptionID snowflake.ID) (RecoveryResult, error)
	// ProcessRecovery marks the invoice paid and restores the subscription to
	// ACTIVE. Idempotent for already-paid invoices.
	ProcessRecovery(ctx context.Context, subscriptionID, invoiceID snowflake.ID, paymentRef string) (RecoveryResult, error)
	// ResetDunningState forces a PAST_DUE subscription back to ACTIVE without
	// touching invoice failure counters.
	ResetDunningState(ctx context.Context, subscriptionID snowflake.ID) error
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvoiceNotFound      = errors.New("invoice_not_found")
	ErrRetryNotDue          = errors.New("retry_not_due")
	ErrRetriesExhausted     = errors.New("retries_exhausted")
	ErrInvoiceNotRetryable  = errors.New("invoice_not_retryable")
	ErrSubscriptionInactive = errors.New("subscription_inactive")
	ErrSubscriptionHealthy  = errors.New("subscription_not_past_due")
)

// ValidationError reports which sentinel caused a wrong-state rejection.
// Callers must not retry these automatically.
func ValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrRetryNotDue),
		errors.Is(err, ErrRetriesExhausted),
		errors.Is(err, ErrInvoiceNotRetryable),
		errors.Is(err, ErrSubscriptionInactive),
		errors.Is(err, ErrSubscriptionHealthy):
		return true
	}
	return false
}

// NotFoundError reports a missing subscription or invoice.
func NotFoundError(err error) bool {
	return errors.Is(err, ErrSubscriptionNotFound) || errors.Is(err, ErrInvoiceNotFound)
}
