package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type testCleanupRequest struct {
	Prefix string `json:"prefix"`
}

// TestCleanup wipes data seeded by integration runs. Disabled in production.
func (s *Server) TestCleanup(c *gin.Context) {
	if s.cfg.IsProduction() {
		AbortWithError(c, ErrNotFound)
		return
	}

	var req testCleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	prefix := strings.TrimSpace(req.Prefix)
	if prefix == "" {
		AbortWithError(c, newValidationError("prefix", "required", "prefix is required"))
		return
	}

	ctx := c.Request.Context()
	subIDs, err := s.loadSubscriptionIDsByEmailPrefix(ctx, prefix)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if err := s.deleteSubscriptionData(ctx, subIDs); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) loadSubscriptionIDsByEmailPrefix(ctx context.Context, prefix string) ([]int64, error) {
	like := strings.TrimSpace(prefix) + "%"
	var subIDs []int64
	if err := s.db.WithContext(ctx).
		Table("subscriptions").
		Select("id").
		Where("customer_email LIKE ?", like).
		Scan(&subIDs).Error; err != nil {
		return nil, err
	}
	return subIDs, nil
}

func (s *Server) deleteSubscriptionData(ctx context.Context, subIDs []int64) error {
	if len(subIDs) == 0 {
		return nil
	}
	queries := []string{
		`DELETE FROM payment_retry_attempts WHERE invoice_id IN (SELECT id FROM subscription_invoices WHERE subscription_id IN ?)`,
		`DELETE FROM dunning_emails WHERE subscription_id IN ?`,
		`DELETE FROM subscription_payments WHERE subscription_id IN ?`,
		`DELETE FROM subscription_invoices WHERE subscription_id IN ?`,
		`DELETE FROM subscriptions WHERE id IN ?`,
	}
	for _, query := range queries {
		if err := s.db.WithContext(ctx).Exec(query, subIDs).Error; err != nil {
			return err
		}
	}
	return nil
}
