package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds process-level settings. Loaded once at startup and shared read-only.
type Config struct {
	Environment string `mapstructure:"ENVIRONMENT"`
	HTTPAddr    string `mapstructure:"HTTP_ADDR"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	StripeAPIKey string `mapstructure:"STRIPE_API_KEY"`

	ChargeTimeout time.Duration `mapstructure:"CHARGE_TIMEOUT"`
	NotifyTimeout time.Duration `mapstructure:"NOTIFY_TIMEOUT"`

	RunnerBatchSize    int           `mapstructure:"RUNNER_BATCH_SIZE"`
	RunnerPollInterval time.Duration `mapstructure:"RUNNER_POLL_INTERVAL"`
	// RunnerCronSchedule, when set, drives the retry batch from a cron expression
	// instead of the poll interval.
	RunnerCronSchedule string `mapstructure:"RUNNER_CRON_SCHEDULE"`

	Dunning DunningConfig `mapstructure:",squash"`
}

// DunningConfig carries the default retry policy plus per-gateway overrides.
type DunningConfig struct {
	MaxRetries         int    `mapstructure:"DUNNING_MAX_RETRIES"`
	RetryIntervalsDays []int  `mapstructure:"DUNNING_RETRY_INTERVALS_DAYS"`
	GracePeriodDays    int    `mapstructure:"DUNNING_GRACE_PERIOD_DAYS"`
	EmailOnFirstFail   bool   `mapstructure:"DUNNING_EMAIL_ON_FIRST_FAILURE"`
	EmailOnFinalFail   bool   `mapstructure:"DUNNING_EMAIL_ON_FINAL_FAILURE"`
	LateFeeAmount      int64  `mapstructure:"DUNNING_LATE_FEE_AMOUNT"`
	LateFeeOnAttempt   int    `mapstructure:"DUNNING_LATE_FEE_ON_ATTEMPT"`
	OverridesRaw       string `mapstructure:"DUNNING_GATEWAY_OVERRIDES"`
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("CHARGE_TIMEOUT", "30s")
	viper.SetDefault("NOTIFY_TIMEOUT", "10s")
	viper.SetDefault("RUNNER_BATCH_SIZE", 50)
	viper.SetDefault("RUNNER_POLL_INTERVAL", "1m")
	viper.SetDefault("DUNNING_MAX_RETRIES", 3)
	viper.SetDefault("DUNNING_RETRY_INTERVALS_DAYS", []int{1, 3, 7})
	viper.SetDefault("DUNNING_GRACE_PERIOD_DAYS", 0)
	viper.SetDefault("DUNNING_EMAIL_ON_FIRST_FAILURE", true)
	viper.SetDefault("DUNNING_EMAIL_ON_FINAL_FAILURE", true)
	viper.AutomaticEnv()

	for _, key := range []string{
		"ENVIRONMENT",
		"HTTP_ADDR",
		"DATABASE_URL",
		"STRIPE_API_KEY",
		"CHARGE_TIMEOUT",
		"NOTIFY_TIMEOUT",
		"RUNNER_BATCH_SIZE",
		"RUNNER_POLL_INTERVAL",
		"RUNNER_CRON_SCHEDULE",
		"DUNNING_MAX_RETRIES",
		"DUNNING_RETRY_INTERVALS_DAYS",
		"DUNNING_GRACE_PERIOD_DAYS",
		"DUNNING_EMAIL_ON_FIRST_FAILURE",
		"DUNNING_EMAIL_ON_FINAL_FAILURE",
		"DUNNING_LATE_FEE_AMOUNT",
		"DUNNING_LATE_FEE_ON_ATTEMPT",
		"DUNNING_GATEWAY_OVERRIDES",
	} {
		_ = viper.BindEnv(key)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
