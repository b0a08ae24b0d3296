package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recoup/internal/clock"
	"github.com/smallbiznis/recoup/internal/config"
	dunningdomain "github.com/smallbiznis/recoup/internal/dunning/domain"
	"github.com/smallbiznis/recoup/internal/observability/metrics"
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
	Notifier Notifier
	Clock    clock.Clock
	Cfg      config.Config
}

// Trigger gates, renders, dispatches and audits dunning emails. Fire-and-forget
// discipline: the dunning_emails row is recorded after the dispatch attempt
// whether or not transport succeeded; transport failures are returned to the
// caller as upstream errors but never undo audited state.
type Trigger struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     dunningdomain.Repository
	notifier Notifier
	clock    clock.Clock
	timeout  time.Duration
}

func NewTrigger(p Params) *Trigger {
	timeout := p.Cfg.NotifyTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Trigger{
		db:       p.DB,
		log:      p.Log.Named("notification.trigger"),
		genID:    p.GenID,
		repo:     p.Repo,
		notifier: p.Notifier,
		clock:    p.Clock,
		timeout:  timeout,
	}
}

// Dispatch sends the email for a dunning decision. Gating: FirstFailure and
// FinalNotice honor the policy flags; all other types always go out. A gated
// skip is a successful no-op and records nothing.
func (t *Trigger) Dispatch(ctx context.Context, emailType dunningdomain.EmailType, policy dunningdomain.DunningPolicy, data TemplateData) error {
	switch emailType {
	case dunningdomain.EmailFirstFailure:
		if !policy.EmailOnFirstFailure {
			t.log.Debug("first-failure email disabled by policy",
				zap.String("invoice_id", data.Invoice.ID.String()))
			return nil
		}
	case dunningdomain.EmailFinalNotice:
		if !policy.EmailOnFinalFailure {
			t.log.Debug("final-notice email disabled by policy",
				zap.String("invoice_id", data.Invoice.ID.String()))
			return nil
		}
	}

	subject, bodyText, bodyHTML := RenderEmail(emailType, data)
	email := Email{
		Type:      emailType,
		Recipient: data.Subscription.CustomerEmail,
		Subject:   subject,
		BodyText:  bodyText,
		BodyHTML:  bodyHTML,
		DedupeKey: dedupeKey(emailType, data),
	}

	sendCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	sendErr := t.notifier.Send(sendCtx, email)
	if sendErr == nil {
		metrics.Dunning().IncEmailSent(string(emailType))
	} else {
		t.log.Warn("dunning email dispatch failed",
			zap.String("email_type", string(emailType)),
			zap.String("invoice_id", data.Invoice.ID.String()),
			zap.Error(sendErr),
		)
	}

	audit := &dunningdomain.DunningEmail{
		ID:             t.genID.Generate(),
		SubscriptionID: data.Subscription.ID,
		InvoiceID:      data.Invoice.ID,
		EmailType:      emailType,
		Recipient:      email.Recipient,
		Subject:        subject,
		BodyText:       bodyText,
		BodyHTML:       bodyHTML,
		SentAt:         t.clock.Now(),
	}
	if err := t.repo.RecordDunningEmail(ctx, t.db, audit); err != nil {
		t.log.Warn("failed to record dunning email audit row",
			zap.String("invoice_id", data.Invoice.ID.String()),
			zap.Error(err),
		)
		if sendErr == nil {
			return err
		}
	}

	return sendErr
}

// One email per (type, invoice, attempt) decision.
func dedupeKey(emailType dunningdomain.EmailType, data TemplateData) string {
	return fmt.Sprintf("%s:%s:%d", emailType, data.Invoice.ID.String(), data.AttemptNumber)
}
