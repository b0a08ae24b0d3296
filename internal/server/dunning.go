package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	auditdomain "github.com/smallbiznis/recoup/internal/audit/domain"
	dunningdomain "github.com/smallbiznis/recoup/internal/dunning/domain"
)

type chargeFailedRequest struct {
	SubscriptionID string `json:"subscription_id"`
	InvoiceID      string `json:"invoice_id"`
	ErrorMessage   string `json:"error_message"`
}

// @Summary      Charge Failed Webhook
// @Description  Record a failed charge and schedule the next dunning step
// @Tags         webhooks
// @Accept       json
// @Produce      json
// @Param        request body chargeFailedRequest true "Charge Failed Event"
// @Success      200  {object}  map[string]any
// @Router       /webhooks/charge-failed [post]
func (s *Server) ChargeFailed(c *gin.Context) {
	var req chargeFailedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	subscriptionID, err := parseID("subscription_id", req.SubscriptionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	invoiceID, err := parseID("invoice_id", req.InvoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.dunningSvc.ProcessFailedCharge(c.Request.Context(), subscriptionID, invoiceID, strings.TrimSpace(req.ErrorMessage))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resultPayload(result)})
}

type chargeSucceededRequest struct {
	SubscriptionID string `json:"subscription_id"`
	InvoiceID      string `json:"invoice_id"`
	PaymentRef     string `json:"payment_ref"`
}

// @Summary      Charge Succeeded Webhook
// @Description  Mark an invoice paid and restore the subscription
// @Tags         webhooks
// @Accept       json
// @Produce      json
// @Param        request body chargeSucceededRequest true "Charge Succeeded Event"
// @Success      200  {object}  map[string]any
// @Router       /webhooks/charge-succeeded [post]
func (s *Server) ChargeSucceeded(c *gin.Context) {
	var req chargeSucceededRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	subscriptionID, err := parseID("subscription_id", req.SubscriptionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	invoiceID, err := parseID("invoice_id", req.InvoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.dunningSvc.ProcessRecovery(c.Request.Context(), subscriptionID, invoiceID, strings.TrimSpace(req.PaymentRef))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resultPayload(result)})
}

type retryInvoiceRequest struct {
	Manual bool `json:"manual"`
}

// @Summary      Retry Invoice
// @Description  Charge a failing invoice now. Manual retries skip the due-time check.
// @Tags         invoices
// @Accept       json
// @Produce      json
// @Param        id       path  string              true   "Invoice ID"
// @Param        request  body  retryInvoiceRequest false  "Retry Options"
// @Success      200  {object}  map[string]any
// @Router       /invoices/{id}/retry [post]
func (s *Server) RetryInvoice(c *gin.Context) {
	invoiceID, err := parseID("id", c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req retryInvoiceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	var result dunningdomain.RecoveryResult
	if req.Manual {
		result, err = s.dunningSvc.ManualRetry(c.Request.Context(), invoiceID)
	} else {
		result, err = s.dunningSvc.ExecuteRetry(c.Request.Context(), invoiceID)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if req.Manual && s.auditSvc != nil {
		_ = s.auditSvc.AuditLog(c.Request.Context(), auditdomain.ActorTypeUser, "", "dunning.manual_retry.request", "invoice", invoiceID.String(), nil)
	}

	c.JSON(http.StatusOK, gin.H{"data": resultPayload(result)})
}

// @Summary      Reset Dunning State
// @Description  Force a past-due subscription back to active
// @Tags         subscriptions
// @Produce      json
// @Param        id  path  string  true  "Subscription ID"
// @Success      200  {object}  map[string]any
// @Router       /subscriptions/{id}/dunning/reset [post]
func (s *Server) ResetDunning(c *gin.Context) {
	subscriptionID, err := parseID("id", c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.dunningSvc.ResetDunningState(c.Request.Context(), subscriptionID); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// @Summary      Cancel After Retries
// @Description  Cancel a subscription whose retries are exhausted
// @Tags         subscriptions
// @Produce      json
// @Param        id  path  string  true  "Subscription ID"
// @Success      200  {object}  map[string]any
// @Router       /subscriptions/{id}/dunning/cancel [post]
func (s *Server) CancelAfterRetries(c *gin.Context) {
	subscriptionID, err := parseID("id", c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.dunningSvc.CancelAfterRetries(c.Request.Context(), subscriptionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resultPayload(result)})
}

// @Summary      Run Retry Batch
// @Description  Process every invoice whose retry is due
// @Tags         dunning
// @Produce      json
// @Success      200  {object}  runner.BatchResult
// @Router       /dunning/run [post]
func (s *Server) RunRetryBatch(c *gin.Context) {
	result, err := s.runner.ProcessAllDueRetries(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

// @Summary      List Due Invoices
// @Description  Invoices whose next retry time has passed
// @Tags         dunning
// @Produce      json
// @Success      200  {object}  []invoicedomain.SubscriptionInvoice
// @Router       /dunning/due [get]
func (s *Server) ListDueInvoices(c *gin.Context) {
	invoices, err := s.runner.GetInvoicesForRetry(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoices})
}

// @Summary      List Retry Attempts
// @Description  Retry ledger for one invoice in attempt order
// @Tags         invoices
// @Produce      json
// @Param        id  path  string  true  "Invoice ID"
// @Success      200  {object}  []dunningdomain.PaymentRetryAttempt
// @Router       /invoices/{id}/attempts [get]
func (s *Server) ListRetryAttempts(c *gin.Context) {
	invoiceID, err := parseID("id", c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	attempts, err := s.repo.GetRetryAttempts(c.Request.Context(), s.db, invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": attempts})
}

// @Summary      List Subscription Invoices
// @Description  Invoices for one subscription, newest first
// @Tags         subscriptions
// @Produce      json
// @Param        id  path  string  true  "Subscription ID"
// @Success      200  {object}  []invoicedomain.SubscriptionInvoice
// @Router       /subscriptions/{id}/invoices [get]
func (s *Server) ListSubscriptionInvoices(c *gin.Context) {
	subscriptionID, err := parseID("id", c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	invoices, err := s.repo.ListInvoices(c.Request.Context(), s.db, subscriptionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": invoices})
}

// @Summary      List Dunning Emails
// @Description  Email audit trail for one subscription
// @Tags         subscriptions
// @Produce      json
// @Param        id  path  string  true  "Subscription ID"
// @Success      200  {object}  []dunningdomain.DunningEmail
// @Router       /subscriptions/{id}/emails [get]
func (s *Server) ListDunningEmails(c *gin.Context) {
	subscriptionID, err := parseID("id", c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	emails, err := s.repo.GetDunningEmails(c.Request.Context(), s.db, subscriptionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": emails})
}

func parseID(field, raw string) (snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, newValidationError(field, "required", field+" is required")
	}
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, newValidationError(field, "invalid_id", "invalid "+field)
	}
	return id, nil
}

func resultPayload(result dunningdomain.RecoveryResult) gin.H {
	switch r := result.(type) {
	case dunningdomain.Success:
		return gin.H{"outcome": "recovered", "result": r}
	case dunningdomain.RetryScheduled:
		return gin.H{"outcome": "retry_scheduled", "result": r}
	case dunningdomain.FailedPermanent:
		return gin.H{"outcome": "cancelled", "result": r}
	default:
		return gin.H{"outcome": "unknown"}
	}
}
