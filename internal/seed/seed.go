// Package seed bootstraps demo data for local development.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/recoup/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/recoup/internal/subscription/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	demoCustomerEmail = "demo@example.com"
	demoCurrency      = "USD"
	demoAmount        = 2900
)

// EnsureDemoSubscription seeds one subscription with a billed invoice so a
// fresh install has something for the dunning loop to work on. Idempotent:
// reruns find the existing row and stop.
func EnsureDemoSubscription(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sub subscriptiondomain.Subscription
		err := tx.WithContext(ctx).
			Where("customer_email = ?", demoCustomerEmail).
			First(&sub).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		sub = subscriptiondomain.Subscription{
			ID:               node.Generate(),
			CustomerID:       node.Generate(),
			CustomerEmail:    demoCustomerEmail,
			Status:           subscriptiondomain.SubscriptionStatusActive,
			GatewayProvider:  "stripe",
			PaymentMethodRef: "pm_demo",
			Currency:         demoCurrency,
			Amount:           demoAmount,
			Metadata:         datatypes.JSONMap{"seeded": true},
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := tx.WithContext(ctx).Create(&sub).Error; err != nil {
			return err
		}

		invoice := invoicedomain.SubscriptionInvoice{
			ID:             node.Generate(),
			SubscriptionID: sub.ID,
			CycleNumber:    1,
			TotalAmount:    demoAmount,
			Currency:       demoCurrency,
			Status:         invoicedomain.InvoiceStatusBilled,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.WithContext(ctx).Create(&invoice).Error
	})
}
