// Package domain defines the charge capability consumed by the dunning engine.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// ChargeRequest carries everything a gateway needs to retry an invoice.
// InvoiceID doubles as the idempotency key: gateways must never double-charge
// the same invoice.
type ChargeRequest struct {
	InvoiceID snowflake.ID
	// AttemptNumber scopes gateway idempotency to one attempt: replays of the
	// same attempt dedupe, later attempts charge fresh.
	AttemptNumber    int
	Amount           int64
	Currency         string
	PaymentMethodRef string
	CustomerRef      string
}

// ChargeResult is the gateway's verdict. A declined charge is a result, not an
// error; errors are reserved for transport failures.
type ChargeResult struct {
	Succeeded      bool
	TransactionRef string
	ErrorCode      string
	ErrorMessage   string
}

// Gateway is a single payment provider's charge capability.
type Gateway interface {
	Provider() string
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

var (
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrInvalidRequest   = errors.New("invalid_charge_request")
)
