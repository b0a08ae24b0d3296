// Package runner drives scheduled dunning retries in batches.
package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/recoup/internal/clock"
	dunningdomain "github.com/smallbiznis/recoup/internal/dunning/domain"
	invoicedomain "github.com/smallbiznis/recoup/internal/invoice/domain"
	"github.com/smallbiznis/recoup/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrRunInProgress is returned when a batch is requested while the previous
// one is still in flight.
var ErrRunInProgress = errors.New("dunning_run_in_progress")

// BatchResult tallies one pass over the due set.
type BatchResult struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Repo     dunningdomain.Repository
	Service  dunningdomain.Service
	Policies dunningdomain.PolicySet
	Clock    clock.Clock
	Config   Config `optional:"true"`
}

type Runner struct {
	db       *gorm.DB
	log      *zap.Logger
	repo     dunningdomain.Repository
	svc      dunningdomain.Service
	policies dunningdomain.PolicySet
	clock    clock.Clock
	cfg      Config
	metrics  *metrics.DunningMetrics

	// running enforces the single-flight guarantee: batch runs never overlap.
	running atomic.Bool
}

func NewRunner(p Params) *Runner {
	return &Runner{
		db:       p.DB,
		log:      p.Log.Named("dunning.runner"),
		repo:     p.Repo,
		svc:      p.Service,
		policies: p.Policies,
		clock:    p.Clock,
		cfg:      p.Config.withDefaults(),
		metrics:  metrics.Dunning(),
	}
}

// RunForever drives batches until the context is cancelled, from either a
// cron expression or a plain ticker.
func (r *Runner) RunForever(ctx context.Context) {
	if r.cfg.CronSchedule != "" {
		r.runCron(ctx)
		return
	}

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.ProcessAllDueRetries(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
			r.log.Warn("dunning batch failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) runCron(ctx context.Context) {
	c := cron.New()
	_, err := c.AddFunc(r.cfg.CronSchedule, func() {
		if _, err := r.ProcessAllDueRetries(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
			r.log.Warn("dunning batch failed", zap.Error(err))
		}
	})
	if err != nil {
		r.log.Error("invalid cron schedule, falling back to poll interval",
			zap.String("schedule", r.cfg.CronSchedule),
			zap.Error(err),
		)
		r.cfg.CronSchedule = ""
		r.RunForever(ctx)
		return
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
}

// GetInvoicesForRetry scans invoices due for a retry. The scan uses the
// widest retry budget across all gateway policies; ExecuteRetry re-validates
// against the invoice's own gateway policy.
func (r *Runner) GetInvoicesForRetry(ctx context.Context) ([]invoicedomain.SubscriptionInvoice, error) {
	maxRetries := r.maxRetryCeiling()
	now := r.clock.Now()

	var due []invoicedomain.SubscriptionInvoice
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		due, err = r.repo.ListDueInvoices(ctx, tx, maxRetries, now, r.cfg.BatchSize)
		return err
	})
	if err != nil {
		return nil, err
	}
	return due, nil
}

// ProcessAllDueRetries feeds every due invoice through ExecuteRetry. One bad
// invoice never aborts the batch; its error is logged and the loop moves on.
func (r *Runner) ProcessAllDueRetries(ctx context.Context) (BatchResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		return BatchResult{}, ErrRunInProgress
	}
	defer r.running.Store(false)

	started := r.clock.Now()
	due, err := r.GetInvoicesForRetry(ctx)
	if err != nil {
		return BatchResult{}, err
	}

	var result BatchResult
	for _, invoice := range due {
		if ctx.Err() != nil {
			break
		}
		result.Processed++

		outcome, err := r.svc.ExecuteRetry(ctx, invoice.ID)
		if err != nil {
			// Validation races (another writer got there first) and upstream
			// failures alike: log, count as pending, continue.
			r.log.Warn("retry execution failed",
				zap.String("invoice_id", invoice.ID.String()),
				zap.Error(err),
			)
			r.metrics.IncProcessed("error")
			continue
		}

		switch outcome.(type) {
		case dunningdomain.Success:
			result.Succeeded++
			r.metrics.IncProcessed("recovered")
		case dunningdomain.FailedPermanent:
			result.Failed++
			r.metrics.IncProcessed("cancelled")
		case dunningdomain.RetryScheduled:
			r.metrics.IncProcessed("rescheduled")
		}
	}
	result.Pending = result.Processed - result.Succeeded - result.Failed

	r.metrics.ObserveBatch(r.clock.Now().Sub(started), result.Processed)
	r.log.Info("dunning batch complete",
		zap.Int("processed", result.Processed),
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed),
		zap.Int("pending", result.Pending),
	)
	return result, nil
}

func (r *Runner) maxRetryCeiling() int {
	ceiling := r.policies.Default.WithDefaults().MaxRetries
	for _, policy := range r.policies.Overrides {
		if policy.MaxRetries > ceiling {
			ceiling = policy.MaxRetries
		}
	}
	return ceiling
}
