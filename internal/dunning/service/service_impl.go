// Package service implements the dunning state machine.
package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/recoup/internal/audit/domain"
	"github.com/smallbiznis/recoup/internal/clock"
	"github.com/smallbiznis/recoup/internal/config"
	dunningdomain "github.com/smallbiznis/recoup/internal/dunning/domain"
	"github.com/smallbiznis/recoup/internal/gateway"
	gatewaydomain "github.com/smallbiznis/recoup/internal/gateway/domain"
	invoicedomain "github.com/smallbiznis/recoup/internal/invoice/domain"
	"github.com/smallbiznis/recoup/internal/notification"
	subscriptiondomain "github.com/smallbiznis/recoup/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     dunningdomain.Repository
	Policies dunningdomain.PolicySet
	Gateways *gateway.Registry
	Trigger  *notification.Trigger
	AuditSvc auditdomain.Service
	Clock    clock.Clock
	Cfg      config.Config
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	repo          dunningdomain.Repository
	policies      dunningdomain.PolicySet
	gateways      *gateway.Registry
	trigger       *notification.Trigger
	auditSvc      auditdomain.Service
	clock         clock.Clock
	chargeTimeout time.Duration
}

func NewService(p Params) dunningdomain.Service {
	chargeTimeout := p.Cfg.ChargeTimeout
	if chargeTimeout <= 0 {
		chargeTimeout = 30 * time.Second
	}
	return &Service{
		db:            p.DB,
		log:           p.Log.Named("dunning.service"),
		genID:         p.GenID,
		repo:          p.Repo,
		policies:      p.Policies,
		gateways:      p.Gateways,
		trigger:       p.Trigger,
		auditSvc:      p.AuditSvc,
		clock:         p.Clock,
		chargeTimeout: chargeTimeout,
	}
}

// decision is the orchestrator's committed outcome plus the side effects
// (email, audit row) that run only after the transaction commits.
type decision struct {
	result          dunningdomain.RecoveryResult
	emailType       dunningdomain.EmailType
	policy          dunningdomain.DunningPolicy
	data            notification.TemplateData
	auditAction     string
	auditTargetType string
	auditTarget     string
	auditMeta       map[string]any
}

func (s *Service) ProcessFailedCharge(ctx context.Context, subscriptionID, invoiceID snowflake.ID, errorMessage string) (dunningdomain.RecoveryResult, error) {
	var d *decision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.LockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return dunningdomain.ErrSubscriptionNotFound
		}
		invoice, err := s.repo.LockInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil || invoice.SubscriptionID != subscriptionID {
			return dunningdomain.ErrInvoiceNotFound
		}
		if invoice.Status == invoicedomain.InvoiceStatusPaid {
			return dunningdomain.ErrInvoiceNotRetryable
		}

		// Duplicate delivery: the previous delivery already recorded this
		// failure and scheduled (or cancelled) the follow-up. Detected here,
		// before the attempt counter would advance, so the duplicate replays
		// the committed outcome instead of minting a new attempt number.
		if s.isReplayedFailure(sub, invoice) {
			d = s.replayDecision(sub, invoice, s.policies.ForGateway(sub.GatewayProvider))
			return nil
		}

		d, err = s.processFailedChargeTx(ctx, tx, sub, invoice, "", errorMessage, "")
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, d)
	return d.result, nil
}

// processFailedChargeTx runs with the invoice row locked. The attempt insert
// is the backstop idempotency gate behind isReplayedFailure: a delivery that
// still collides on (invoice, attempt) replays the committed outcome instead
// of writing.
func (s *Service) processFailedChargeTx(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	invoice *invoicedomain.SubscriptionInvoice,
	errorCode, errorMessage, transactionRef string,
) (*decision, error) {
	policy := s.policies.ForGateway(sub.GatewayProvider)
	now := s.clock.Now()
	attemptNumber := invoice.FailedAttempts + 1

	cancelling := attemptNumber >= policy.MaxRetries
	var nextRetryAt *time.Time
	if !cancelling {
		next := now.Add(policy.RetryDelay(attemptNumber))
		if attemptNumber == 1 && policy.GracePeriodDays > 0 {
			next = next.Add(time.Duration(policy.GracePeriodDays) * 24 * time.Hour)
		}
		nextRetryAt = &next
	}

	attempt := &dunningdomain.PaymentRetryAttempt{
		ID:               s.genID.Generate(),
		InvoiceID:        invoice.ID,
		AttemptNumber:    attemptNumber,
		Succeeded:        false,
		NextRetryAt:      nextRetryAt,
		PaymentMethodRef: sub.PaymentMethodRef,
		AttemptedAt:      now,
	}
	if msg := strings.TrimSpace(errorMessage); msg != "" {
		attempt.ErrorMessage = &msg
	}
	if code := strings.TrimSpace(errorCode); code != "" {
		attempt.ErrorCode = &code
	}
	if ref := strings.TrimSpace(transactionRef); ref != "" {
		attempt.TransactionRef = &ref
	}

	inserted, err := s.repo.RecordRetryAttempt(ctx, tx, attempt)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return s.replayDecision(sub, invoice, policy), nil
	}

	if err := s.repo.MarkInvoiceFailed(ctx, tx, invoice.ID, attemptNumber, errorMessage, now); err != nil {
		return nil, err
	}
	if err := s.repo.RecordFailedPayment(ctx, tx, sub.ID, errorMessage); err != nil {
		return nil, err
	}

	if cancelling {
		return s.cancelSubscriptionTx(ctx, tx, sub, invoice, now)
	}

	if policy.LateFeeAmount > 0 && attemptNumber >= policy.LateFeeOnAttempt && !invoice.LateFeeApplied {
		if err := s.repo.ApplyLateFee(ctx, tx, invoice.ID, policy.LateFeeAmount, now); err != nil {
			return nil, err
		}
		invoice.TotalAmount += policy.LateFeeAmount
		invoice.LateFeeApplied = true
	}
	if err := s.repo.ScheduleRetry(ctx, tx, invoice.ID, *nextRetryAt, now); err != nil {
		return nil, err
	}
	if sub.Status == subscriptiondomain.SubscriptionStatusActive {
		if err := s.repo.SetSubscriptionStatus(ctx, tx, sub.ID, subscriptiondomain.SubscriptionStatusPastDue, now); err != nil {
			return nil, err
		}
		sub.Status = subscriptiondomain.SubscriptionStatusPastDue
	}

	invoice.FailedAttempts = attemptNumber
	invoice.NextRetryAt = nextRetryAt
	return &decision{
		result: dunningdomain.RetryScheduled{
			InvoiceID:     invoice.ID.String(),
			AttemptNumber: attemptNumber,
			MaxAttempts:   policy.MaxRetries,
			NextRetryAt:   *nextRetryAt,
		},
		emailType:   emailTypeForAttempt(attemptNumber, policy.MaxRetries),
		policy:      policy,
		data:        s.templateData(sub, invoice, attemptNumber, policy.MaxRetries, nextRetryAt),
		auditAction: "dunning.retry_scheduled",
		auditTarget: invoice.ID.String(),
		auditMeta: map[string]any{
			"subscription_id": sub.ID.String(),
			"attempt_number":  attemptNumber,
			"max_attempts":    policy.MaxRetries,
			"next_retry_at":   nextRetryAt.UTC().Format(time.RFC3339),
			"error_message":   strings.TrimSpace(errorMessage),
		},
	}, nil
}

// isReplayedFailure reports whether a failure delivery repeats one already
// recorded. Between retries the only source of new failures is the charge
// path, which runs through executeRetry; a failure webhook arriving while the
// invoice is FAILED with an unelapsed schedule, or after the subscription was
// cancelled for payment failure, can only be a redelivery.
func (s *Service) isReplayedFailure(
	sub *subscriptiondomain.Subscription,
	invoice *invoicedomain.SubscriptionInvoice,
) bool {
	if sub.Status == subscriptiondomain.SubscriptionStatusCancelled {
		return invoice.FailedAttempts > 0
	}
	return invoice.Status == invoicedomain.InvoiceStatusFailed &&
		invoice.NextRetryAt != nil &&
		invoice.NextRetryAt.After(s.clock.Now())
}

// replayDecision rebuilds the previously committed outcome for a duplicate
// delivery without writing anything.
func (s *Service) replayDecision(
	sub *subscriptiondomain.Subscription,
	invoice *invoicedomain.SubscriptionInvoice,
	policy dunningdomain.DunningPolicy,
) *decision {
	if sub.Status == subscriptiondomain.SubscriptionStatusCancelled {
		cancelledAt := s.clock.Now()
		if sub.CancelledAt != nil {
			cancelledAt = *sub.CancelledAt
		}
		return &decision{result: dunningdomain.FailedPermanent{
			SubscriptionID: sub.ID.String(),
			Reason:         subscriptiondomain.CancelReasonPaymentFailed,
			CancelledAt:    cancelledAt,
		}}
	}
	next := s.clock.Now()
	if invoice.NextRetryAt != nil {
		next = *invoice.NextRetryAt
	}
	return &decision{result: dunningdomain.RetryScheduled{
		InvoiceID:     invoice.ID.String(),
		AttemptNumber: invoice.FailedAttempts,
		MaxAttempts:   policy.MaxRetries,
		NextRetryAt:   next,
	}}
}

func (s *Service) cancelSubscriptionTx(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	invoice *invoicedomain.SubscriptionInvoice,
	now time.Time,
) (*decision, error) {
	policy := s.policies.ForGateway(sub.GatewayProvider)
	cancelled, err := s.repo.CancelSubscription(ctx, tx, sub.ID, subscriptiondomain.CancelReasonPaymentFailed, now)
	if err != nil {
		return nil, err
	}
	if invoice != nil {
		if err := s.repo.ClearNextRetry(ctx, tx, invoice.ID, now); err != nil {
			return nil, err
		}
		invoice.NextRetryAt = nil
	}

	cancelledAt := now
	if cancelled != nil && cancelled.CancelledAt != nil {
		cancelledAt = *cancelled.CancelledAt
	}
	sub.Status = subscriptiondomain.SubscriptionStatusCancelled
	sub.CancelledAt = &cancelledAt

	d := &decision{
		result: dunningdomain.FailedPermanent{
			SubscriptionID: sub.ID.String(),
			Reason:         subscriptiondomain.CancelReasonPaymentFailed,
			CancelledAt:    cancelledAt,
		},
		auditAction:     "dunning.cancelled",
		auditTargetType: "subscription",
		auditTarget:     sub.ID.String(),
		auditMeta: map[string]any{
			"reason":       subscriptiondomain.CancelReasonPaymentFailed,
			"cancelled_at": cancelledAt.UTC().Format(time.RFC3339),
		},
	}
	if invoice != nil {
		d.emailType = dunningdomain.EmailCancellationNotice
		d.policy = policy
		d.data = s.templateData(sub, invoice, invoice.FailedAttempts, policy.MaxRetries, nil)
		d.auditMeta["invoice_id"] = invoice.ID.String()
	}
	return d, nil
}

func (s *Service) ExecuteRetry(ctx context.Context, invoiceID snowflake.ID) (dunningdomain.RecoveryResult, error) {
	return s.executeRetry(ctx, invoiceID, false)
}

func (s *Service) ManualRetry(ctx context.Context, invoiceID snowflake.ID) (dunningdomain.RecoveryResult, error) {
	return s.executeRetry(ctx, invoiceID, true)
}

// executeRetry validates, charges and routes the outcome in one transaction,
// holding the invoice row lock across the gateway call. That lock is the
// per-invoice serialization point: a manual retry racing the batch runner
// queues behind it and then replays idempotently.
func (s *Service) executeRetry(ctx context.Context, invoiceID snowflake.ID, manual bool) (dunningdomain.RecoveryResult, error) {
	var d *decision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoice, err := s.repo.LockInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return dunningdomain.ErrInvoiceNotFound
		}
		if invoice.Status == invoicedomain.InvoiceStatusPaid {
			// Already recovered; replay success.
			ref := ""
			if invoice.PaymentRef != nil {
				ref = *invoice.PaymentRef
			}
			d = &decision{result: dunningdomain.Success{InvoiceID: invoice.ID.String(), PaymentRef: ref}}
			return nil
		}
		if !invoice.Retryable() {
			return dunningdomain.ErrInvoiceNotRetryable
		}

		sub, err := s.repo.LockSubscription(ctx, tx, invoice.SubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return dunningdomain.ErrSubscriptionNotFound
		}
		if !sub.Chargeable() {
			return dunningdomain.ErrSubscriptionInactive
		}

		policy := s.policies.ForGateway(sub.GatewayProvider)
		if invoice.FailedAttempts >= policy.MaxRetries {
			return dunningdomain.ErrRetriesExhausted
		}
		if !manual && invoice.NextRetryAt != nil && invoice.NextRetryAt.After(s.clock.Now()) {
			return dunningdomain.ErrRetryNotDue
		}

		gw, err := s.gateways.Resolve(sub.GatewayProvider)
		if err != nil {
			return err
		}

		chargeCtx, cancel := context.WithTimeout(ctx, s.chargeTimeout)
		result, chargeErr := gw.Charge(chargeCtx, gatewaydomain.ChargeRequest{
			InvoiceID:        invoice.ID,
			AttemptNumber:    invoice.FailedAttempts + 1,
			Amount:           invoice.TotalAmount,
			Currency:         invoice.Currency,
			PaymentMethodRef: sub.PaymentMethodRef,
		})
		cancel()

		switch {
		case chargeErr != nil:
			// Timeouts and transport failures are failed attempts, never
			// successes and never batch-level errors.
			s.log.Warn("gateway charge errored",
				zap.String("invoice_id", invoice.ID.String()),
				zap.Error(chargeErr),
			)
			d, err = s.processFailedChargeTx(ctx, tx, sub, invoice, "gateway_error", chargeErr.Error(), "")
		case result.Succeeded:
			d, err = s.recordRecoveredAttemptTx(ctx, tx, sub, invoice, result.TransactionRef)
		default:
			d, err = s.processFailedChargeTx(ctx, tx, sub, invoice, result.ErrorCode, result.ErrorMessage, result.TransactionRef)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, d)
	return d.result, nil
}

// recordRecoveredAttemptTx writes the succeeded attempt row, then applies the
// recovery transition.
func (s *Service) recordRecoveredAttemptTx(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	invoice *invoicedomain.SubscriptionInvoice,
	transactionRef string,
) (*decision, error) {
	now := s.clock.Now()
	attempt := &dunningdomain.PaymentRetryAttempt{
		ID:               s.genID.Generate(),
		InvoiceID:        invoice.ID,
		AttemptNumber:    invoice.FailedAttempts + 1,
		Succeeded:        true,
		PaymentMethodRef: sub.PaymentMethodRef,
		AttemptedAt:      now,
	}
	if ref := strings.TrimSpace(transactionRef); ref != "" {
		attempt.TransactionRef = &ref
	}
	if _, err := s.repo.RecordRetryAttempt(ctx, tx, attempt); err != nil {
		return nil, err
	}
	return s.processRecoveryTx(ctx, tx, sub, invoice, transactionRef)
}

func (s *Service) ProcessRecovery(ctx context.Context, subscriptionID, invoiceID snowflake.ID, paymentRef string) (dunningdomain.RecoveryResult, error) {
	var d *decision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.LockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return dunningdomain.ErrSubscriptionNotFound
		}
		invoice, err := s.repo.LockInvoice(ctx, tx, invoiceID)
		if err != nil {
			return err
		}
		if invoice == nil || invoice.SubscriptionID != subscriptionID {
			return dunningdomain.ErrInvoiceNotFound
		}
		if invoice.Status == invoicedomain.InvoiceStatusPaid {
			ref := paymentRef
			if invoice.PaymentRef != nil {
				ref = *invoice.PaymentRef
			}
			d = &decision{result: dunningdomain.Success{InvoiceID: invoice.ID.String(), PaymentRef: ref}}
			return nil
		}

		d, err = s.processRecoveryTx(ctx, tx, sub, invoice, paymentRef)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, d)
	return d.result, nil
}

func (s *Service) processRecoveryTx(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	invoice *invoicedomain.SubscriptionInvoice,
	paymentRef string,
) (*decision, error) {
	now := s.clock.Now()
	if err := s.repo.MarkInvoicePaid(ctx, tx, invoice.ID, paymentRef, now); err != nil {
		return nil, err
	}
	if err := s.repo.RecordPayment(ctx, tx, sub.ID, paymentRef); err != nil {
		return nil, err
	}
	if sub.Status == subscriptiondomain.SubscriptionStatusPastDue {
		if err := s.repo.SetSubscriptionStatus(ctx, tx, sub.ID, subscriptiondomain.SubscriptionStatusActive, now); err != nil {
			return nil, err
		}
		sub.Status = subscriptiondomain.SubscriptionStatusActive
	}

	invoice.Status = invoicedomain.InvoiceStatusPaid
	invoice.NextRetryAt = nil
	policy := s.policies.ForGateway(sub.GatewayProvider)
	return &decision{
		result: dunningdomain.Success{
			InvoiceID:  invoice.ID.String(),
			PaymentRef: strings.TrimSpace(paymentRef),
		},
		emailType:   dunningdomain.EmailPaymentRecovered,
		policy:      policy,
		data:        s.templateData(sub, invoice, invoice.FailedAttempts, policy.MaxRetries, nil),
		auditAction: "dunning.recovered",
		auditTarget: invoice.ID.String(),
		auditMeta: map[string]any{
			"subscription_id": sub.ID.String(),
			"payment_ref":     strings.TrimSpace(paymentRef),
		},
	}, nil
}

func (s *Service) CancelAfterRetries(ctx context.Context, subscriptionID snowflake.ID) (dunningdomain.RecoveryResult, error) {
	var d *decision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.LockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return dunningdomain.ErrSubscriptionNotFound
		}
		if sub.Status == subscriptiondomain.SubscriptionStatusCancelled {
			cancelledAt := s.clock.Now()
			if sub.CancelledAt != nil {
				cancelledAt = *sub.CancelledAt
			}
			d = &decision{result: dunningdomain.FailedPermanent{
				SubscriptionID: sub.ID.String(),
				Reason:         subscriptiondomain.CancelReasonPaymentFailed,
				CancelledAt:    cancelledAt,
			}}
			return nil
		}

		invoice, err := s.repo.FindLatestFailingInvoice(ctx, tx, sub.ID)
		if err != nil {
			return err
		}
		d, err = s.cancelSubscriptionTx(ctx, tx, sub, invoice, s.clock.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, d)
	return d.result, nil
}

func (s *Service) ResetDunningState(ctx context.Context, subscriptionID snowflake.ID) error {
	var reset bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.repo.LockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return dunningdomain.ErrSubscriptionNotFound
		}
		switch sub.Status {
		case subscriptiondomain.SubscriptionStatusPastDue:
			reset = true
			return s.repo.SetSubscriptionStatus(ctx, tx, sub.ID, subscriptiondomain.SubscriptionStatusActive, s.clock.Now())
		case subscriptiondomain.SubscriptionStatusActive:
			return nil
		default:
			return dunningdomain.ErrSubscriptionInactive
		}
	})
	if err != nil {
		return err
	}
	if reset {
		s.audit(ctx, "dunning.reset", "subscription", subscriptionID.String(), nil)
	}
	return nil
}

// afterCommit runs notification and audit side effects. Both are
// fire-and-forget relative to the committed state transition.
func (s *Service) afterCommit(ctx context.Context, d *decision) {
	if d == nil {
		return
	}
	if d.emailType != "" {
		if err := s.trigger.Dispatch(ctx, d.emailType, d.policy, d.data); err != nil {
			s.log.Warn("post-commit notification failed",
				zap.String("email_type", string(d.emailType)),
				zap.Error(err),
			)
		}
	}
	if d.auditAction != "" {
		targetType := d.auditTargetType
		if targetType == "" {
			targetType = "invoice"
		}
		s.audit(ctx, d.auditAction, targetType, d.auditTarget, d.auditMeta)
	}
}

func (s *Service) audit(ctx context.Context, action, targetType, targetID string, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	if err := s.auditSvc.AuditLog(ctx, auditdomain.ActorTypeSystem, "dunning", action, targetType, targetID, metadata); err != nil {
		s.log.Warn("audit write failed", zap.String("action", action), zap.Error(err))
	}
}

func (s *Service) templateData(
	sub *subscriptiondomain.Subscription,
	invoice *invoicedomain.SubscriptionInvoice,
	attemptNumber, maxAttempts int,
	nextRetryAt *time.Time,
) notification.TemplateData {
	return notification.TemplateData{
		Subscription:  *sub,
		Invoice:       *invoice,
		AttemptNumber: attemptNumber,
		MaxAttempts:   maxAttempts,
		NextRetryAt:   nextRetryAt,
	}
}

// emailTypeForAttempt selects the notification intent for a scheduled retry.
// FinalNotice outranks FirstFailure when a short retry budget makes both
// conditions true on the same attempt.
func emailTypeForAttempt(attemptNumber, maxRetries int) dunningdomain.EmailType {
	switch {
	case attemptNumber == maxRetries-1:
		return dunningdomain.EmailFinalNotice
	case attemptNumber == 1:
		return dunningdomain.EmailFirstFailure
	default:
		return dunningdomain.EmailRetryFailure
	}
}
