package notification

import (
	"fmt"
	"strings"
	"time"

	dunningdomain "github.com/smallbiznis/recoup/internal/dunning/domain"
	invoicedomain "github.com/smallbiznis/recoup/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/recoup/internal/subscription/domain"
)

// TemplateData carries the values interpolated into dunning emails.
type TemplateData struct {
	Subscription  subscriptiondomain.Subscription
	Invoice       invoicedomain.SubscriptionInvoice
	AttemptNumber int
	MaxAttempts   int
	NextRetryAt   *time.Time
}

// RenderEmail maps an email type to its subject and bodies. Pure function;
// transport and persistence live elsewhere.
func RenderEmail(emailType dunningdomain.EmailType, data TemplateData) (subject, bodyText, bodyHTML string) {
	amount := formatAmount(data.Invoice.TotalAmount, data.Invoice.Currency)

	switch emailType {
	case dunningdomain.EmailFirstFailure:
		subject = fmt.Sprintf("Payment of %s failed, we'll retry automatically", amount)
		bodyText = fmt.Sprintf(
			"We could not collect your payment of %s for billing cycle %d.%s No action is needed if your card details are current.",
			amount, data.Invoice.CycleNumber, retryLine(data.NextRetryAt),
		)
	case dunningdomain.EmailRetryFailure:
		subject = fmt.Sprintf("Payment retry %d of %d failed", data.AttemptNumber, data.MaxAttempts)
		bodyText = fmt.Sprintf(
			"Attempt %d of %d to collect %s failed.%s Please check your payment method.",
			data.AttemptNumber, data.MaxAttempts, amount, retryLine(data.NextRetryAt),
		)
	case dunningdomain.EmailFinalNotice:
		subject = "Final notice: your subscription will be cancelled"
		bodyText = fmt.Sprintf(
			"We have been unable to collect %s after %d attempts.%s If that attempt fails your subscription will be cancelled.",
			amount, data.AttemptNumber, retryLine(data.NextRetryAt),
		)
	case dunningdomain.EmailCancellationNotice:
		subject = "Your subscription has been cancelled"
		bodyText = fmt.Sprintf(
			"After %d failed payment attempts for %s your subscription has been cancelled. You can start a new subscription at any time.",
			data.Invoice.FailedAttempts, amount,
		)
	case dunningdomain.EmailPaymentRecovered:
		subject = "Payment received, thank you"
		bodyText = fmt.Sprintf(
			"Your payment of %s was collected successfully and your subscription is active again.",
			amount,
		)
	}

	bodyHTML = "<p>" + strings.ReplaceAll(bodyText, "\n", "<br>") + "</p>"
	return subject, bodyText, bodyHTML
}

func retryLine(next *time.Time) string {
	if next == nil {
		return ""
	}
	return fmt.Sprintf(" We will retry on %s.", next.UTC().Format("Jan 2, 2006"))
}

func formatAmount(minor int64, currency string) string {
	return fmt.Sprintf("%.2f %s", float64(minor)/100, strings.ToUpper(currency))
}
