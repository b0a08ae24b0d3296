// Package stripe charges failed invoices through Stripe payment intents.
package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/recoup/internal/gateway/domain"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"go.uber.org/zap"
)

const provider = "stripe"

type Gateway struct {
	log *zap.Logger
}

func New(apiKey string, log *zap.Logger) *Gateway {
	stripe.Key = strings.TrimSpace(apiKey)
	return &Gateway{log: log.Named("gateway.stripe")}
}

func (g *Gateway) Provider() string { return provider }

// idempotencyKey scopes the Stripe key to one attempt. Stripe replays the
// stored response, declines included, for 24h under the same key; keying by
// invoice alone would replay a stale decline at a later attempt.
func idempotencyKey(req domain.ChargeRequest) string {
	return fmt.Sprintf("invoice-%s-attempt-%d", req.InvoiceID.String(), req.AttemptNumber)
}

// Charge confirms an off-session payment intent for the invoice. The
// per-attempt idempotency key dedupes replays of the same attempt without
// pinning later attempts to an old outcome.
func (g *Gateway) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	if req.InvoiceID == 0 || req.Amount <= 0 || strings.TrimSpace(req.Currency) == "" {
		return nil, domain.ErrInvalidRequest
	}
	if strings.TrimSpace(req.PaymentMethodRef) == "" {
		return &domain.ChargeResult{
			Succeeded:    false,
			ErrorCode:    "missing_payment_method",
			ErrorMessage: "no payment method on file",
		}, nil
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.PaymentMethodRef),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if ref := strings.TrimSpace(req.CustomerRef); ref != "" {
		params.Customer = stripe.String(ref)
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey(req))

	intent, err := paymentintent.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			// A decline is a charge outcome, not a transport failure.
			result := &domain.ChargeResult{
				Succeeded:    false,
				ErrorCode:    string(stripeErr.Code),
				ErrorMessage: stripeErr.Msg,
			}
			if stripeErr.PaymentIntent != nil {
				result.TransactionRef = stripeErr.PaymentIntent.ID
			}
			g.log.Info("stripe charge declined",
				zap.String("invoice_id", req.InvoiceID.String()),
				zap.String("code", result.ErrorCode),
			)
			return result, nil
		}
		return nil, err
	}

	if intent.Status == stripe.PaymentIntentStatusSucceeded {
		return &domain.ChargeResult{
			Succeeded:      true,
			TransactionRef: intent.ID,
		}, nil
	}

	return &domain.ChargeResult{
		Succeeded:      false,
		TransactionRef: intent.ID,
		ErrorCode:      string(intent.Status),
		ErrorMessage:   "payment intent not settled",
	}, nil
}
