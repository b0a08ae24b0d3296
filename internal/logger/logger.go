package logger

import (
	"github.com/smallbiznis/recoup/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var Module = fx.Module("logger",
	fx.Provide(New),
	fx.WithLogger(fxLogger),
)

// New builds the process logger. Production gets JSON output, everything else
// gets the development console encoder.
func New(cfg config.Config) (*zap.Logger, error) {
	if cfg.IsProduction() {
		zcfg := zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		return zcfg.Build()
	}
	return zap.NewDevelopment()
}
