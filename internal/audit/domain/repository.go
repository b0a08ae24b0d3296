package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type ListFilter struct {
	Action     string
	TargetType string
	TargetID   string
	ActorType  string
	StartAt    *time.Time
	EndAt      *time.Time
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*AuditLog, error)
}

// Service records audit rows for dunning decisions.
type Service interface {
	AuditLog(ctx context.Context, actorType ActorType, actorID string, action string, targetType string, targetID string, metadata map[string]any) error
}
