// Package repository implements the retry-ledger contract on gorm.
package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	dunningdomain "github.com/smallbiznis/recoup/internal/dunning/domain"
	invoicedomain "github.com/smallbiznis/recoup/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/recoup/internal/subscription/domain"
	"gorm.io/gorm"
)

type Repository struct {
	genID *snowflake.Node
}

func Provide(genID *snowflake.Node) dunningdomain.Repository {
	return &Repository{genID: genID}
}

// Row locks are a Postgres construct; sqlite (tests) runs the same SQL without
// the clause and relies on its single-writer model instead.
func lockClause(db *gorm.DB, clause string) string {
	if db != nil && db.Dialector != nil && db.Dialector.Name() == "postgres" {
		return clause
	}
	return ""
}

func (r *Repository) FindSubscription(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := db.WithContext(ctx).First(&sub, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *Repository) LockSubscription(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions WHERE id = ?`+lockClause(tx, ` FOR UPDATE`),
		id,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *Repository) SetSubscriptionStatus(ctx context.Context, tx *gorm.DB, id snowflake.ID, status subscriptiondomain.SubscriptionStatus, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE id = ?`,
		status, now, id,
	).Error
}

func (r *Repository) CancelSubscription(ctx context.Context, tx *gorm.DB, id snowflake.ID, reason string, now time.Time) (*subscriptiondomain.Subscription, error) {
	reason = strings.TrimSpace(reason)
	result := tx.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = ?, cancel_reason = ?, cancelled_at = COALESCE(cancelled_at, ?), updated_at = ?
		 WHERE id = ? AND status <> ?`,
		subscriptiondomain.SubscriptionStatusCancelled,
		reason,
		now,
		now,
		id,
		subscriptiondomain.SubscriptionStatusCancelled,
	)
	if result.Error != nil {
		return nil, result.Error
	}
	return r.FindSubscription(ctx, tx, id)
}

func (r *Repository) GetInvoice(ctx context.Context, db *gorm.DB, id snowflake.ID) (*invoicedomain.SubscriptionInvoice, error) {
	var invoice invoicedomain.SubscriptionInvoice
	err := db.WithContext(ctx).First(&invoice, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (r *Repository) LockInvoice(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*invoicedomain.SubscriptionInvoice, error) {
	var invoice invoicedomain.SubscriptionInvoice
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM subscription_invoices WHERE id = ?`+lockClause(tx, ` FOR UPDATE`),
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *Repository) ListInvoices(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]invoicedomain.SubscriptionInvoice, error) {
	var invoices []invoicedomain.SubscriptionInvoice
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("cycle_number ASC").
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *Repository) FindLatestFailingInvoice(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID) (*invoicedomain.SubscriptionInvoice, error) {
	var invoice invoicedomain.SubscriptionInvoice
	err := tx.WithContext(ctx).Raw(
		`SELECT * FROM subscription_invoices
		 WHERE subscription_id = ? AND status IN (?, ?)
		 ORDER BY cycle_number DESC
		 LIMIT 1`,
		subscriptionID,
		invoicedomain.InvoiceStatusBilled,
		invoicedomain.InvoiceStatusFailed,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *Repository) GetPendingInvoices(ctx context.Context, db *gorm.DB) ([]invoicedomain.SubscriptionInvoice, error) {
	var invoices []invoicedomain.SubscriptionInvoice
	err := db.WithContext(ctx).
		Where("status IN ?", []invoicedomain.InvoiceStatus{invoicedomain.InvoiceStatusPending, invoicedomain.InvoiceStatusBilled}).
		Order("created_at ASC").
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *Repository) ListDueInvoices(ctx context.Context, tx *gorm.DB, maxRetries int, now time.Time, limit int) ([]invoicedomain.SubscriptionInvoice, error) {
	if limit <= 0 {
		limit = 50
	}
	var invoices []invoicedomain.SubscriptionInvoice
	err := tx.WithContext(ctx).Raw(
		`SELECT i.* FROM subscription_invoices i
		 JOIN subscriptions s ON s.id = i.subscription_id
		 WHERE i.failed_attempts > 0
		   AND i.failed_attempts < ?
		   AND i.status IN (?, ?)
		   AND (i.next_retry_at IS NULL OR i.next_retry_at <= ?)
		   AND s.status IN (?, ?)
		 ORDER BY i.next_retry_at ASC, i.id ASC`+
			lockClause(tx, ` FOR UPDATE OF i SKIP LOCKED`)+
			` LIMIT ?`,
		maxRetries,
		invoicedomain.InvoiceStatusBilled,
		invoicedomain.InvoiceStatusFailed,
		now,
		subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusPastDue,
		limit,
	).Scan(&invoices).Error
	if err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *Repository) MarkInvoiceFailed(ctx context.Context, tx *gorm.DB, id snowflake.ID, attemptNumber int, reason string, failedAt time.Time) error {
	// Guarded so counters only move forward; a stale writer becomes a no-op.
	return tx.WithContext(ctx).Exec(
		`UPDATE subscription_invoices
		 SET status = ?,
		     failed_attempts = ?,
		     retry_count = ?,
		     failure_reason = ?,
		     last_failed_at = ?,
		     first_failed_at = COALESCE(first_failed_at, ?),
		     updated_at = ?
		 WHERE id = ? AND failed_attempts < ? AND status <> ?`,
		invoicedomain.InvoiceStatusFailed,
		attemptNumber,
		attemptNumber,
		strings.TrimSpace(reason),
		failedAt,
		failedAt,
		failedAt,
		id,
		attemptNumber,
		invoicedomain.InvoiceStatusPaid,
	).Error
}

func (r *Repository) MarkInvoicePaid(ctx context.Context, tx *gorm.DB, id snowflake.ID, paymentRef string, paidAt time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE subscription_invoices
		 SET status = ?,
		     payment_ref = ?,
		     paid_at = COALESCE(paid_at, ?),
		     next_retry_at = NULL,
		     updated_at = ?
		 WHERE id = ? AND status <> ?`,
		invoicedomain.InvoiceStatusPaid,
		strings.TrimSpace(paymentRef),
		paidAt,
		paidAt,
		id,
		invoicedomain.InvoiceStatusPaid,
	).Error
}

func (r *Repository) ScheduleRetry(ctx context.Context, tx *gorm.DB, id snowflake.ID, nextRetryAt, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE subscription_invoices
		 SET next_retry_at = ?, updated_at = ?
		 WHERE id = ? AND status <> ?`,
		nextRetryAt,
		now,
		id,
		invoicedomain.InvoiceStatusPaid,
	).Error
}

func (r *Repository) ClearNextRetry(ctx context.Context, tx *gorm.DB, id snowflake.ID, now time.Time) error {
	return tx.WithContext(ctx).Exec(
		`UPDATE subscription_invoices SET next_retry_at = NULL, updated_at = ? WHERE id = ?`,
		now,
		id,
	).Error
}

func (r *Repository) ApplyLateFee(ctx context.Context, tx *gorm.DB, id snowflake.ID, amount int64, now time.Time) error {
	if amount <= 0 {
		return nil
	}
	// late_fee_applied guards the fee to at most once per invoice.
	return tx.WithContext(ctx).Exec(
		`UPDATE subscription_invoices
		 SET total_amount = total_amount + ?, late_fee_applied = TRUE, updated_at = ?
		 WHERE id = ? AND late_fee_applied = FALSE AND status <> ?`,
		amount,
		now,
		id,
		invoicedomain.InvoiceStatusPaid,
	).Error
}

func (r *Repository) RecordRetryAttempt(ctx context.Context, tx *gorm.DB, attempt *dunningdomain.PaymentRetryAttempt) (bool, error) {
	if attempt == nil || attempt.InvoiceID == 0 || attempt.AttemptNumber <= 0 {
		return false, errors.New("invalid_retry_attempt")
	}
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO payment_retry_attempts (
			id, invoice_id, attempt_number, succeeded, error_code, error_message,
			next_retry_at, payment_method_ref, transaction_ref, attempted_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (invoice_id, attempt_number) DO NOTHING`,
		attempt.ID,
		attempt.InvoiceID,
		attempt.AttemptNumber,
		attempt.Succeeded,
		attempt.ErrorCode,
		attempt.ErrorMessage,
		attempt.NextRetryAt,
		attempt.PaymentMethodRef,
		attempt.TransactionRef,
		attempt.AttemptedAt,
		attempt.AttemptedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *Repository) GetRetryAttempts(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]dunningdomain.PaymentRetryAttempt, error) {
	var attempts []dunningdomain.PaymentRetryAttempt
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("attempt_number ASC, attempted_at ASC").
		Find(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *Repository) RecordPayment(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, paymentRef string) error {
	ref := strings.TrimSpace(paymentRef)
	payment := subscriptiondomain.SubscriptionPayment{
		ID:             r.genID.Generate(),
		SubscriptionID: subscriptionID,
		Succeeded:      true,
		CreatedAt:      time.Now().UTC(),
	}
	if ref != "" {
		payment.PaymentRef = &ref
	}
	return tx.WithContext(ctx).Create(&payment).Error
}

func (r *Repository) RecordFailedPayment(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, reason string) error {
	trimmed := strings.TrimSpace(reason)
	payment := subscriptiondomain.SubscriptionPayment{
		ID:             r.genID.Generate(),
		SubscriptionID: subscriptionID,
		Succeeded:      false,
		CreatedAt:      time.Now().UTC(),
	}
	if trimmed != "" {
		payment.FailureReason = &trimmed
	}
	return tx.WithContext(ctx).Create(&payment).Error
}

func (r *Repository) RecordDunningEmail(ctx context.Context, db *gorm.DB, email *dunningdomain.DunningEmail) error {
	if email == nil {
		return errors.New("invalid_dunning_email")
	}
	return db.WithContext(ctx).Create(email).Error
}

func (r *Repository) GetDunningEmails(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]dunningdomain.DunningEmail, error) {
	var emails []dunningdomain.DunningEmail
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("sent_at ASC, id ASC").
		Find(&emails).Error
	if err != nil {
		return nil, err
	}
	return emails, nil
}
