package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wolkenlauf/metered/internal/clock"
	usagedomain "github.com/wolkenlauf/metered/internal/usage/domain"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func NewService(p Params) usagedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("usage.service"),
		genID: p.GenID,
		clock: p.Clock,
	}
}

func (s *Service) Open(ctx context.Context, req usagedomain.OpenRequest) (*usagedomain.UsageRecord, error) {
	if req.InstanceID == 0 {
		return nil, usagedomain.ErrInvalidInstance
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, usagedomain.ErrInvalidUser
	}
	if req.StartTime.IsZero() {
		return nil, usagedomain.ErrInvalidStart
	}

	var record usagedomain.UsageRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("instance_id = ? AND end_time IS NULL", req.InstanceID).
			First(&record).Error
		if err == nil {
			return nil
		}
		if err != gorm.ErrRecordNotFound {
			return err
		}

		now := s.clock.Now()
		record = usagedomain.UsageRecord{
			ID:           s.genID.Generate(),
			InstanceID:   req.InstanceID,
			UserID:       req.UserID,
			Provider:     req.Provider,
			InstanceType: req.InstanceType,
			UseSpot:      req.UseSpot,
			StartTime:    req.StartTime.UTC(),
			LastBilledAt: req.StartTime.UTC(),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		s.log.Info("usage record opened",
			zap.String("instance_id", req.InstanceID.String()),
			zap.String("user_id", req.UserID),
			zap.Time("start_time", record.StartTime),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Service) GetOpen(ctx context.Context, instanceID snowflake.ID) (*usagedomain.UsageRecord, error) {
	if instanceID == 0 {
		return nil, usagedomain.ErrInvalidInstance
	}
	var record usagedomain.UsageRecord
	err := s.db.WithContext(ctx).
		Where("instance_id = ? AND end_time IS NULL", instanceID).
		First(&record).Error
	if err == gorm.ErrRecordNotFound {
		return nil, usagedomain.ErrNoOpenRecord
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Service) Close(ctx context.Context, recordID snowflake.ID, endTime time.Time) (*usagedomain.UsageRecord, error) {
	var record usagedomain.UsageRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", recordID).First(&record).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return usagedomain.ErrNotFound
			}
			return err
		}
		if record.EndTime != nil {
			return nil
		}

		end := endTime.UTC()
		if end.Before(record.StartTime) {
			end = record.StartTime
		}
		now := s.clock.Now()
		if err := tx.Model(&usagedomain.UsageRecord{}).
			Where("id = ? AND end_time IS NULL", recordID).
			Updates(map[string]any{
				"end_time":   end,
				"updated_at": now,
			}).Error; err != nil {
			return err
		}
		record.EndTime = &end
		record.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *Service) ListByInstance(ctx context.Context, instanceID snowflake.ID) ([]usagedomain.UsageRecord, error) {
	var records []usagedomain.UsageRecord
	err := s.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("start_time DESC").
		Find(&records).Error
	return records, err
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]usagedomain.UsageRecord, error) {
	var records []usagedomain.UsageRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("start_time DESC").
		Find(&records).Error
	return records, err
}
