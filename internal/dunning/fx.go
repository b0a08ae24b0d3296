package dunning

import (
	"encoding/json"
	"strings"

	"github.com/smallbiznis/recoup/internal/config"
	"github.com/smallbiznis/recoup/internal/dunning/domain"
	"github.com/smallbiznis/recoup/internal/dunning/repository"
	"github.com/smallbiznis/recoup/internal/dunning/service"
	"go.uber.org/fx"
)

var Module = fx.Module("dunning.service",
	fx.Provide(repository.Provide),
	fx.Provide(PolicySetFromConfig),
	fx.Provide(service.NewService),
)

type policyOverride struct {
	MaxRetries          *int   `json:"max_retries"`
	RetryIntervalsDays  []int  `json:"retry_intervals_days"`
	GracePeriodDays     *int   `json:"grace_period_days"`
	EmailOnFirstFailure *bool  `json:"email_on_first_failure"`
	EmailOnFinalFailure *bool  `json:"email_on_final_failure"`
	LateFeeAmount       *int64 `json:"late_fee_amount"`
	LateFeeOnAttempt    *int   `json:"late_fee_on_attempt"`
}

// PolicySetFromConfig builds the default policy plus per-gateway overrides.
// Overrides are sparse: unset fields inherit from the default policy.
func PolicySetFromConfig(cfg config.Config) (domain.PolicySet, error) {
	base := domain.DunningPolicy{
		MaxRetries:          cfg.Dunning.MaxRetries,
		RetryIntervalsDays:  cfg.Dunning.RetryIntervalsDays,
		GracePeriodDays:     cfg.Dunning.GracePeriodDays,
		EmailOnFirstFailure: cfg.Dunning.EmailOnFirstFail,
		EmailOnFinalFailure: cfg.Dunning.EmailOnFinalFail,
		LateFeeAmount:       cfg.Dunning.LateFeeAmount,
		LateFeeOnAttempt:    cfg.Dunning.LateFeeOnAttempt,
	}.WithDefaults()

	set := domain.PolicySet{Default: base}

	raw := strings.TrimSpace(cfg.Dunning.OverridesRaw)
	if raw == "" {
		return set, nil
	}

	var overrides map[string]policyOverride
	if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
		return domain.PolicySet{}, err
	}

	set.Overrides = make(map[string]domain.DunningPolicy, len(overrides))
	for provider, o := range overrides {
		policy := base
		if o.MaxRetries != nil {
			policy.MaxRetries = *o.MaxRetries
		}
		if len(o.RetryIntervalsDays) > 0 {
			policy.RetryIntervalsDays = o.RetryIntervalsDays
		}
		if o.GracePeriodDays != nil {
			policy.GracePeriodDays = *o.GracePeriodDays
		}
		if o.EmailOnFirstFailure != nil {
			policy.EmailOnFirstFailure = *o.EmailOnFirstFailure
		}
		if o.EmailOnFinalFailure != nil {
			policy.EmailOnFinalFailure = *o.EmailOnFinalFailure
		}
		if o.LateFeeAmount != nil {
			policy.LateFeeAmount = *o.LateFeeAmount
		}
		if o.LateFeeOnAttempt != nil {
			policy.LateFeeOnAttempt = *o.LateFeeOnAttempt
		}
		set.Overrides[strings.ToLower(strings.TrimSpace(provider))] = policy.WithDefaults()
	}
	return set, nil
}
