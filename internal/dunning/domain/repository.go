package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/recoup/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/recoup/internal/subscription/domain"
	"gorm.io/gorm"
)

// Repository is the persistence contract for the retry ledger. Methods take
// the *gorm.DB handle of the enclosing transaction so the orchestrator can
// serialize all mutations for one invoice behind a single row lock.
type Repository interface {
	FindSubscription(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error)
	// LockSubscription reads the subscription FOR UPDATE inside tx.
	LockSubscription(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error)
	SetSubscriptionStatus(ctx context.Context, tx *gorm.DB, id snowflake.ID, status subscriptiondomain.SubscriptionStatus, now time.Time) error
	CancelSubscription(ctx context.Context, tx *gorm.DB, id snowflake.ID, reason string, now time.Time) (*subscriptiondomain.Subscription, error)

	GetInvoice(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.SubscriptionInvoice, error)
	// LockInvoice reads the invoice FOR UPDATE inside tx; the per-invoice
	// serialization point for the whole engine.
	LockInvoice(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.SubscriptionInvoice, error)
	ListInvoices(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]invoicedomain.SubscriptionInvoice, error)
	// FindLatestFailingInvoice returns the failing invoice with the highest
	// cycle number for the subscription, or nil.
	FindLatestFailingInvoice(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) (*invoicedomain.SubscriptionInvoice, error)
	GetPendingInvoices(ctx context.Context, db *gorm.DB) ([]invoicedomain.SubscriptionInvoice, error)
	// ListDueInvoices scans invoices due for retry: failing but under the
	// retry budget, schedule elapsed (or never set), owner still chargeable.
	// Rows are locked with SKIP LOCKED so concurrent runners never collide.
	ListDueInvoices(ctx context.Context, tx *gorm.DB, maxRetries int, now time.Time, limit int) ([]invoicedomain.SubscriptionInvoice, error)

	// MarkInvoiceFailed advances the failure counters to attemptNumber. The
	// update is guarded so counters never move backwards.
	MarkInvoiceFailed(ctx context.Context, tx *gorm.DB, id snowflake.ID, attemptNumber int, reason string, failedAt time.Time) error
	MarkInvoicePaid(ctx context.Context, tx *gorm.DB, id snowflake.ID, paymentRef string, paidAt time.Time) error
	ScheduleRetry(ctx context.Context, tx *gorm.DB, id snowflake.ID, nextRetryAt, now time.Time) error
	ClearNextRetry(ctx context.Context, tx *gorm.DB, id snowflake.ID, now time.Time) error
	ApplyLateFee(ctx context.Context, tx *gorm.DB, id snowflake.ID, amount int64, now time.Time) error

	// RecordRetryAttempt inserts the attempt row; returns false when an
	// attempt with the same (invoice, number) already exists.
	RecordRetryAttempt(ctx context.Context, tx *gorm.DB, attempt *PaymentRetryAttempt) (bool, error)
	GetRetryAttempts(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]PaymentRetryAttempt, error)

	RecordPayment(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, paymentRef string) error
	RecordFailedPayment(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, reason string) error

	RecordDunningEmail(ctx context.Context, db *gorm.DB, email *DunningEmail) error
	GetDunningEmails(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]DunningEmail, error)
}
