package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	instancedomain "github.com/wolkenlauf/metered/internal/instance/domain"
)

type Params struct {
	fx.In

	DB  *gorm.DB
	Log *zap.Logger
}

type repo struct {
	db  *gorm.DB
	log *zap.Logger
}

func New(p Params) instancedomain.Repository {
	return &repo{
		db:  p.DB,
		log: p.Log.Named("instance.repository"),
	}
}

func (r *repo) Create(ctx context.Context, inst *instancedomain.Instance) error {
	return r.db.WithContext(ctx).Create(inst).Error
}

func (r *repo) GetByID(ctx context.Context, id snowflake.ID) (*instancedomain.Instance, error) {
	var inst instancedomain.Instance
	err := r.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", id).
		First(&inst).Error
	if err == gorm.ErrRecordNotFound {
		return nil, instancedomain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *repo) GetByIDForUser(ctx context.Context, id snowflake.ID, userID string) (*instancedomain.Instance, error) {
	var inst instancedomain.Instance
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ? AND deleted_at IS NULL", id, userID).
		First(&inst).Error
	if err == gorm.ErrRecordNotFound {
		return nil, instancedomain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *repo) ListByUser(ctx context.Context, userID string) ([]instancedomain.Instance, error) {
	var instances []instancedomain.Instance
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND deleted_at IS NULL", userID).
		Order("created_at DESC").
		Find(&instances).Error
	return instances, err
}

func (r *repo) ListBillable(ctx context.Context) ([]instancedomain.Instance, error) {
	var instances []instancedomain.Instance
	err := r.db.WithContext(ctx).
		Where("status = ? AND deleted_at IS NULL", instancedomain.StatusRunning).
		Order("id ASC").
		Find(&instances).Error
	return instances, err
}

func (r *repo) ListProvisioning(ctx context.Context) ([]instancedomain.Instance, error) {
	var instances []instancedomain.Instance
	err := r.db.WithContext(ctx).
		Where("status IN ? AND deleted_at IS NULL", []instancedomain.Status{
			instancedomain.StatusPending,
			instancedomain.StatusStarting,
			instancedomain.StatusInitializing,
		}).
		Order("id ASC").
		Find(&instances).Error
	return instances, err
}

func (r *repo) UpdateStatus(ctx context.Context, id snowflake.ID, to instancedomain.Status, now time.Time) (*instancedomain.Instance, error) {
	if to == instancedomain.StatusRunning {
		return r.MarkRunning(ctx, id, now, nil, nil, nil)
	}
	if to == instancedomain.StatusTerminated {
		return r.MarkTerminated(ctx, id, now)
	}
	return r.transition(ctx, id, to, now, nil)
}

func (r *repo) MarkRunning(ctx context.Context, id snowflake.ID, now time.Time, publicIP, sshUsername, sshPassword *string) (*instancedomain.Instance, error) {
	extra := map[string]any{}
	if publicIP != nil {
		extra["public_ip"] = *publicIP
	}
	if sshUsername != nil {
		extra["ssh_username"] = *sshUsername
	}
	if sshPassword != nil {
		extra["ssh_password"] = *sshPassword
	}
	return r.transition(ctx, id, instancedomain.StatusRunning, now, func(inst *instancedomain.Instance) {
		if inst.LaunchedAt == nil {
			launched := now
			inst.LaunchedAt = &launched
			extra["launched_at"] = launched
		}
	}, extra)
}

func (r *repo) MarkTerminated(ctx context.Context, id snowflake.ID, now time.Time) (*instancedomain.Instance, error) {
	extra := map[string]any{}
	return r.transition(ctx, id, instancedomain.StatusTerminated, now, func(inst *instancedomain.Instance) {
		if inst.TerminatedAt == nil {
			terminated := now
			inst.TerminatedAt = &terminated
			extra["terminated_at"] = terminated
		}
	}, extra)
}

func (r *repo) transition(ctx context.Context, id snowflake.ID, to instancedomain.Status, now time.Time, mutate func(*instancedomain.Instance), extras ...map[string]any) (*instancedomain.Instance, error) {
	var updated instancedomain.Instance
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inst instancedomain.Instance
		if err := tx.Where("id = ? AND deleted_at IS NULL", id).First(&inst).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return instancedomain.ErrNotFound
			}
			return err
		}
		if !instancedomain.CanTransition(inst.Status, to) {
			r.log.Warn("rejected status transition",
				zap.String("instance_id", id.String()),
				zap.String("from", string(inst.Status)),
				zap.String("to", string(to)),
			)
			return instancedomain.ErrInvalidTransition
		}

		if mutate != nil {
			mutate(&inst)
		}
		inst.Status = to
		inst.UpdatedAt = now

		updates := map[string]any{
			"status":     to,
			"updated_at": now,
		}
		for _, extra := range extras {
			for k, v := range extra {
				updates[k] = v
			}
		}
		if err := tx.Model(&instancedomain.Instance{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return err
		}

		// fold the persisted extras back into the returned copy
		if ip, ok := firstString(extras, "public_ip"); ok {
			inst.PublicIP = &ip
		}
		if user, ok := firstString(extras, "ssh_username"); ok {
			inst.SSHUsername = &user
		}
		if pass, ok := firstString(extras, "ssh_password"); ok {
			inst.SSHPassword = &pass
		}
		updated = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

func firstString(extras []map[string]any, key string) (string, bool) {
	for _, extra := range extras {
		if v, ok := extra[key]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}

func (r *repo) SoftDelete(ctx context.Context, id snowflake.ID, now time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var inst instancedomain.Instance
		if err := tx.Where("id = ? AND deleted_at IS NULL", id).First(&inst).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return instancedomain.ErrNotFound
			}
			return err
		}
		if inst.Status != instancedomain.StatusTerminated {
			return instancedomain.ErrNotTerminated
		}

		var open int64
		if err := tx.Raw(
			`SELECT COUNT(*) FROM usage_records WHERE instance_id = ? AND end_time IS NULL`,
			id,
		).Scan(&open).Error; err != nil {
			return err
		}
		if open > 0 {
			return instancedomain.ErrOpenUsage
		}

		return tx.Model(&instancedomain.Instance{}).
			Where("id = ?", id).
			Updates(map[string]any{
				"deleted_at": now,
				"updated_at": now,
			}).Error
	})
}
