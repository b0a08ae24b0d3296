package domain

import (
	"strings"
	"time"
)

// DunningPolicy is the immutable retry/notification policy applied to failed
// charges. Zero values fall back to Default().
type DunningPolicy struct {
	MaxRetries          int
	RetryIntervalsDays  []int
	GracePeriodDays     int
	EmailOnFirstFailure bool
	EmailOnFinalFailure bool
	// LateFeeAmount, when positive, is added to the invoice total once the
	// failure count reaches LateFeeOnAttempt.
	LateFeeAmount    int64
	LateFeeOnAttempt int
}

// DefaultPolicy mirrors the schedule most gateways recommend for card retries.
func DefaultPolicy() DunningPolicy {
	return DunningPolicy{
		MaxRetries:          3,
		RetryIntervalsDays:  []int{1, 3, 7},
		GracePeriodDays:     0,
		EmailOnFirstFailure: true,
		EmailOnFinalFailure: true,
	}
}

// WithDefaults fills unset fields from DefaultPolicy.
func (p DunningPolicy) WithDefaults() DunningPolicy {
	defaults := DefaultPolicy()
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaults.MaxRetries
	}
	if len(p.RetryIntervalsDays) == 0 {
		p.RetryIntervalsDays = defaults.RetryIntervalsDays
	}
	if p.LateFeeAmount > 0 && p.LateFeeOnAttempt <= 0 {
		p.LateFeeOnAttempt = 1
	}
	return p
}

// RetryDelay returns the wait before the next attempt. The interval index is
// attemptNumber-1; the last interval repeats when the schedule is shorter than
// the retry budget.
func (p DunningPolicy) RetryDelay(attemptNumber int) time.Duration {
	intervals := p.RetryIntervalsDays
	if len(intervals) == 0 {
		intervals = DefaultPolicy().RetryIntervalsDays
	}
	idx := attemptNumber - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(intervals) {
		idx = len(intervals) - 1
	}
	return time.Duration(intervals[idx]) * 24 * time.Hour
}

// PolicySet resolves the policy for a gateway, falling back to the default.
type PolicySet struct {
	Default   DunningPolicy
	Overrides map[string]DunningPolicy
}

// ForGateway returns the override for the provider if present.
func (s PolicySet) ForGateway(provider string) DunningPolicy {
	if override, ok := s.Overrides[strings.ToLower(strings.TrimSpace(provider))]; ok {
		return override.WithDefaults()
	}
	return s.Default.WithDefaults()
}
