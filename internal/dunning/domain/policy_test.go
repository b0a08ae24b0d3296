package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayFollowsSchedule(t *testing.T) {
	policy := DunningPolicy{MaxRetries: 5, RetryIntervalsDays: []int{1, 3, 7}}

	assert.Equal(t, 24*time.Hour, policy.RetryDelay(1))
	assert.Equal(t, 3*24*time.Hour, policy.RetryDelay(2))
	assert.Equal(t, 7*24*time.Hour, policy.RetryDelay(3))
	// Past the end of the schedule the last interval repeats.
	assert.Equal(t, 7*24*time.Hour, policy.RetryDelay(4))
	assert.Equal(t, 7*24*time.Hour, policy.RetryDelay(5))
}

func TestRetryDelayEmptyScheduleFallsBack(t *testing.T) {
	policy := DunningPolicy{MaxRetries: 3}
	assert.Equal(t, 24*time.Hour, policy.RetryDelay(1))
}

func TestWithDefaults(t *testing.T) {
	filled := DunningPolicy{}.WithDefaults()
	assert.Equal(t, 3, filled.MaxRetries)
	assert.Equal(t, []int{1, 3, 7}, filled.RetryIntervalsDays)

	custom := DunningPolicy{MaxRetries: 5, RetryIntervalsDays: []int{2}}.WithDefaults()
	assert.Equal(t, 5, custom.MaxRetries)
	assert.Equal(t, []int{2}, custom.RetryIntervalsDays)

	// A late fee without a trigger attempt defaults to the first failure.
	fee := DunningPolicy{LateFeeAmount: 500}.WithDefaults()
	assert.Equal(t, 1, fee.LateFeeOnAttempt)
}

func TestPolicySetForGateway(t *testing.T) {
	set := PolicySet{
		Default: DunningPolicy{MaxRetries: 3, RetryIntervalsDays: []int{1, 3, 7}},
		Overrides: map[string]DunningPolicy{
			"adyen": {MaxRetries: 5, RetryIntervalsDays: []int{1}},
		},
	}

	assert.Equal(t, 5, set.ForGateway("adyen").MaxRetries)
	assert.Equal(t, 3, set.ForGateway("stripe").MaxRetries)
	assert.Equal(t, 3, set.ForGateway("").MaxRetries)
}
