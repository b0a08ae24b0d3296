package notification

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("notification",
	fx.Provide(func(db *gorm.DB, genID *snowflake.Node) Notifier {
		return NewOutbox(db, genID)
	}),
	fx.Provide(NewTrigger),
)
