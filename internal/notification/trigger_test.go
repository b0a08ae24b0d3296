package notification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recoup/internal/clock"
	dunningdomain "github.com/smallbiznis/recoup/internal/dunning/domain"
	dunningrepo "github.com/smallbiznis/recoup/internal/dunning/repository"
	invoicedomain "github.com/smallbiznis/recoup/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/recoup/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type failingNotifier struct{}

func (failingNotifier) Send(context.Context, Email) error {
	return errors.New("smtp unavailable")
}

func setupNotificationTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS dunning_emails (
			id INTEGER PRIMARY KEY,
			subscription_id BIGINT NOT NULL,
			invoice_id BIGINT NOT NULL,
			email_type TEXT NOT NULL,
			recipient TEXT NOT NULL,
			subject TEXT NOT NULL,
			body_text TEXT NOT NULL,
			body_html TEXT NOT NULL DEFAULT '',
			sent_at DATETIME NOT NULL,
			opened_at DATETIME,
			clicked_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS notification_outbox (
			id INTEGER PRIMARY KEY,
			email_type TEXT NOT NULL,
			recipient TEXT NOT NULL,
			subject TEXT NOT NULL,
			body_text TEXT NOT NULL,
			body_html TEXT NOT NULL DEFAULT '',
			dedupe_key TEXT UNIQUE,
			published BOOLEAN NOT NULL DEFAULT FALSE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	} {
		require.NoError(t, db.Exec(ddl).Error)
	}
	return db
}

func newTestTrigger(t *testing.T, db *gorm.DB, notifier Notifier) *Trigger {
	t.Helper()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	if notifier == nil {
		notifier = NewOutbox(db, node)
	}
	return NewTrigger(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     dunningrepo.Provide(node),
		Notifier: notifier,
		Clock:    clock.Fixed(testNow),
	})
}

func testTemplateData() TemplateData {
	next := testNow.Add(24 * time.Hour)
	return TemplateData{
		Subscription: subscriptiondomain.Subscription{
			ID:            1,
			CustomerEmail: "customer@example.com",
			Currency:      "USD",
			Amount:        2900,
		},
		Invoice: invoicedomain.SubscriptionInvoice{
			ID:             100,
			SubscriptionID: 1,
			CycleNumber:    2,
			TotalAmount:    2900,
			Currency:       "USD",
			FailedAttempts: 1,
		},
		AttemptNumber: 1,
		MaxAttempts:   3,
		NextRetryAt:   &next,
	}
}

func countTable(t *testing.T, db *gorm.DB, table string) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Table(table).Count(&count).Error)
	return count
}

func TestDispatchEnqueuesAndRecords(t *testing.T) {
	db := setupNotificationTestDB(t)
	trigger := newTestTrigger(t, db, nil)
	policy := dunningdomain.DefaultPolicy()

	err := trigger.Dispatch(context.Background(), dunningdomain.EmailFirstFailure, policy, testTemplateData())
	require.NoError(t, err)

	assert.EqualValues(t, 1, countTable(t, db, "notification_outbox"))
	assert.EqualValues(t, 1, countTable(t, db, "dunning_emails"))

	var recorded dunningdomain.DunningEmail
	require.NoError(t, db.First(&recorded).Error)
	assert.Equal(t, dunningdomain.EmailFirstFailure, recorded.EmailType)
	assert.Equal(t, "customer@example.com", recorded.Recipient)
	assert.NotEmpty(t, recorded.Subject)
	assert.NotEmpty(t, recorded.BodyText)
	assert.True(t, recorded.SentAt.Equal(testNow))
}

func TestDispatchGatedByPolicy(t *testing.T) {
	db := setupNotificationTestDB(t)
	trigger := newTestTrigger(t, db, nil)

	policy := dunningdomain.DefaultPolicy()
	policy.EmailOnFirstFailure = false
	policy.EmailOnFinalFailure = false

	require.NoError(t, trigger.Dispatch(context.Background(), dunningdomain.EmailFirstFailure, policy, testTemplateData()))
	require.NoError(t, trigger.Dispatch(context.Background(), dunningdomain.EmailFinalNotice, policy, testTemplateData()))

	// A gated skip records nothing at all.
	assert.EqualValues(t, 0, countTable(t, db, "notification_outbox"))
	assert.EqualValues(t, 0, countTable(t, db, "dunning_emails"))

	// Other email types ignore the flags.
	require.NoError(t, trigger.Dispatch(context.Background(), dunningdomain.EmailCancellationNotice, policy, testTemplateData()))
	assert.EqualValues(t, 1, countTable(t, db, "dunning_emails"))
}

func TestDispatchDeduplicatesSameDecision(t *testing.T) {
	db := setupNotificationTestDB(t)
	trigger := newTestTrigger(t, db, nil)
	policy := dunningdomain.DefaultPolicy()

	require.NoError(t, trigger.Dispatch(context.Background(), dunningdomain.EmailRetryFailure, policy, testTemplateData()))
	require.NoError(t, trigger.Dispatch(context.Background(), dunningdomain.EmailRetryFailure, policy, testTemplateData()))

	// The outbox keeps one row per dedupe key.
	assert.EqualValues(t, 1, countTable(t, db, "notification_outbox"))
}

func TestDispatchRecordsAuditEvenWhenTransportFails(t *testing.T) {
	db := setupNotificationTestDB(t)
	trigger := newTestTrigger(t, db, failingNotifier{})
	policy := dunningdomain.DefaultPolicy()

	err := trigger.Dispatch(context.Background(), dunningdomain.EmailPaymentRecovered, policy, testTemplateData())
	require.Error(t, err)

	assert.EqualValues(t, 1, countTable(t, db, "dunning_emails"))
}

func TestRenderEmailVariants(t *testing.T) {
	data := testTemplateData()

	for _, emailType := range []dunningdomain.EmailType{
		dunningdomain.EmailFirstFailure,
		dunningdomain.EmailRetryFailure,
		dunningdomain.EmailFinalNotice,
		dunningdomain.EmailCancellationNotice,
		dunningdomain.EmailPaymentRecovered,
	} {
		subject, bodyText, bodyHTML := RenderEmail(emailType, data)
		assert.NotEmpty(t, subject, "subject for %s", emailType)
		assert.NotEmpty(t, bodyText, "body for %s", emailType)
		assert.Contains(t, bodyHTML, "<p>", "html for %s", emailType)
	}

	// Amounts render in major units with the currency code.
	subject, _, _ := RenderEmail(dunningdomain.EmailFirstFailure, data)
	assert.Contains(t, subject, "29.00 USD")
}
