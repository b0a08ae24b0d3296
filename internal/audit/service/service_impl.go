package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/recoup/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("audit.service"),
		genID: p.GenID,
		repo:  p.Repo,
	}
}

func (s *Service) AuditLog(ctx context.Context, actorType domain.ActorType, actorID string, action string, targetType string, targetID string, metadata map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return nil
	}

	entry := &domain.AuditLog{
		ID:         s.genID.Generate(),
		ActorType:  string(actorType),
		Action:     action,
		TargetType: strings.TrimSpace(targetType),
		Metadata:   datatypes.JSONMap{},
	}
	if actor := strings.TrimSpace(actorID); actor != "" {
		entry.ActorID = &actor
	}
	if target := strings.TrimSpace(targetID); target != "" {
		entry.TargetID = &target
	}
	for key, value := range metadata {
		if strings.TrimSpace(key) == "" {
			continue
		}
		entry.Metadata[key] = value
	}

	if err := s.repo.Insert(ctx, s.db, entry); err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", action), zap.Error(err))
		return err
	}
	return nil
}
