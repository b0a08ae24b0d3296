package gateway

import (
	"github.com/smallbiznis/recoup/internal/config"
	"github.com/smallbiznis/recoup/internal/gateway/stripe"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gateway",
	fx.Provide(func(cfg config.Config, log *zap.Logger) *Registry {
		return NewRegistry(stripe.New(cfg.StripeAPIKey, log))
	}),
)
