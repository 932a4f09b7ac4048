package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/wolkenlauf/metered/internal/clock"
	"github.com/wolkenlauf/metered/internal/config"
	creditsdomain "github.com/wolkenlauf/metered/internal/credits/domain"
	instancedomain "github.com/wolkenlauf/metered/internal/instance/domain"
	"github.com/wolkenlauf/metered/internal/pricing"
	provisionerdomain "github.com/wolkenlauf/metered/internal/provisioner/domain"
	"github.com/wolkenlauf/metered/internal/provisioner/poller"
	"github.com/wolkenlauf/metered/internal/rates"
	usagedomain "github.com/wolkenlauf/metered/internal/usage/domain"
)

type Params struct {
	fx.In

	Instances  instancedomain.Repository
	Usage      usagedomain.Service
	Credits    creditsdomain.Service
	Controller provisionerdomain.Controller
	Poller     *poller.Poller
	Rates      *rates.Table
	Config     config.Config
	Clock      clock.Clock
	Log        *zap.Logger
	GenID      *snowflake.Node
}

type Service struct {
	instances  instancedomain.Repository
	usage      usagedomain.Service
	credits    creditsdomain.Service
	controller provisionerdomain.Controller
	poller     *poller.Poller
	rates      *rates.Table
	pricingCfg pricing.Config
	clock      clock.Clock
	log        *zap.Logger
	genID      *snowflake.Node
}

func NewService(p Params) instancedomain.Service {
	return &Service{
		instances:  p.Instances,
		usage:      p.Usage,
		credits:    p.Credits,
		controller: p.Controller,
		poller:     p.Poller,
		rates:      p.Rates,
		pricingCfg: pricing.Config{
			MarkupFactor:  p.Config.MarkupFactor,
			CreditsPerUSD: p.Config.CreditsPerUSD,
		},
		clock: p.Clock,
		log:   p.Log.Named("instance.service"),
		genID: p.GenID,
	}
}

func (s *Service) Create(ctx context.Context, req instancedomain.CreateInstanceRequest) (*instancedomain.Instance, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, instancedomain.ErrInvalidUser
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return nil, instancedomain.ErrInvalidName
	}
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	req.InstanceType = strings.TrimSpace(req.InstanceType)
	if req.Provider == "" || req.InstanceType == "" {
		return nil, instancedomain.ErrInvalidProvider
	}
	if s.rates.HourlyRate(req.Provider, req.InstanceType, req.UseSpot) <= 0 {
		return nil, instancedomain.ErrUnknownInstanceType
	}

	account, err := s.credits.GetOrCreate(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if account.CurrentBalance <= 0 {
		return nil, instancedomain.ErrNoCredits
	}

	id := s.genID.Generate()
	vm, err := s.controller.Create(ctx, provisionerdomain.CreateRequest{
		Name:         req.Name,
		Provider:     req.Provider,
		InstanceType: req.InstanceType,
		Region:       strings.TrimSpace(req.Region),
		Image:        strings.TrimSpace(req.Image),
		UseSpot:      req.UseSpot,
	})
	if err != nil {
		return nil, err
	}

	status := instancedomain.StatusPending
	if parsed, ok := instancedomain.ParseStatus(vm.Status); ok {
		status = parsed
	}

	now := s.clock.Now()
	inst := &instancedomain.Instance{
		ID:                 id,
		UserID:             req.UserID,
		Name:               req.Name,
		Slug:               fmt.Sprintf("%s-%s", slug.Make(req.Name), id.Base36()),
		ProviderInstanceID: vm.ID,
		Provider:           req.Provider,
		InstanceType:       req.InstanceType,
		Region:             strings.TrimSpace(req.Region),
		Image:              strings.TrimSpace(req.Image),
		UseSpot:            req.UseSpot,
		Status:             status,
		PublicIP:           optional(vm.PublicIP),
		SSHUsername:        optional(vm.SSHUsername),
		SSHPassword:        optional(vm.SSHPassword),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.instances.Create(ctx, inst); err != nil {
		return nil, err
	}

	s.log.Info("instance created",
		zap.String("instance_id", inst.ID.String()),
		zap.String("user_id", inst.UserID),
		zap.String("provider", inst.Provider),
		zap.String("instance_type", inst.InstanceType),
		zap.Bool("use_spot", inst.UseSpot),
	)

	// some providers report running immediately
	if status == instancedomain.StatusRunning {
		if _, err := s.poller.Sync(ctx, inst); err != nil {
			s.log.Warn("initial status sync failed", zap.String("instance_id", inst.ID.String()), zap.Error(err))
		}
		return s.instances.GetByID(ctx, inst.ID)
	}
	return inst, nil
}

func (s *Service) Get(ctx context.Context, userID string, id snowflake.ID) (*instancedomain.Instance, error) {
	return s.instances.GetByIDForUser(ctx, id, strings.TrimSpace(userID))
}

func (s *Service) List(ctx context.Context, userID string) ([]instancedomain.Instance, error) {
	return s.instances.ListByUser(ctx, strings.TrimSpace(userID))
}

func (s *Service) Sync(ctx context.Context, userID string, id snowflake.ID) (*instancedomain.Instance, error) {
	inst, err := s.instances.GetByIDForUser(ctx, id, strings.TrimSpace(userID))
	if err != nil {
		return nil, err
	}
	if inst.Status == instancedomain.StatusTerminated {
		return inst, nil
	}
	if _, err := s.poller.Sync(ctx, inst); err != nil {
		return nil, err
	}
	return s.instances.GetByID(ctx, id)
}

func (s *Service) Terminate(ctx context.Context, userID string, id snowflake.ID) (*instancedomain.Instance, error) {
	inst, err := s.instances.GetByIDForUser(ctx, id, strings.TrimSpace(userID))
	if err != nil {
		return nil, err
	}
	if inst.Status == instancedomain.StatusTerminated {
		return nil, instancedomain.ErrAlreadyTerminated
	}

	if err := s.controller.Terminate(ctx, inst.Provider, inst.ProviderInstanceID); err != nil {
		// a VM the provisioner already lost is as terminated as it gets
		if !errors.Is(err, provisionerdomain.ErrNotFound) {
			return nil, err
		}
	}

	now := s.clock.Now()
	updated, err := s.instances.MarkTerminated(ctx, inst.ID, now)
	if err != nil {
		return nil, err
	}

	if err := s.settle(ctx, updated, now); err != nil {
		// the VM is gone; settlement is retried by the reconciliation job
		s.log.Error("settlement failed after terminate",
			zap.String("instance_id", updated.ID.String()),
			zap.Error(err),
		)
		return updated, nil
	}
	return updated, nil
}

// settle charges all unbilled runtime of the instance's open usage record and
// closes it. The charge and the watermark advance commit atomically; the
// close is idempotent.
func (s *Service) settle(ctx context.Context, inst *instancedomain.Instance, now time.Time) error {
	record, err := s.usage.GetOpen(ctx, inst.ID)
	if err != nil {
		if errors.Is(err, usagedomain.ErrNoOpenRecord) {
			return nil
		}
		return err
	}

	rate := s.rates.HourlyRate(record.Provider, record.InstanceType, record.UseSpot)
	accrual := pricing.Accrued(inst.LaunchedAt, record.LastBilledAt, now, rate, s.pricingCfg)

	if accrual.Credits > 0 {
		instanceID := inst.ID
		delta := &creditsdomain.UsageDelta{
			UsageRecordID: record.ID,
			Credits:       accrual.Credits,
			CostUSD:       accrual.BaseCostUSD,
			BilledThrough: now,
		}
		_, err = s.credits.Deduct(ctx, creditsdomain.DeductRequest{
			UserID:            inst.UserID,
			Amount:            accrual.Credits,
			Description:       fmt.Sprintf("final charge for %s", inst.Name),
			RelatedInstanceID: &instanceID,
			Usage:             delta,
		})
		if errors.Is(err, creditsdomain.ErrOverdraft) {
			// the VM is already gone, collect what is owed regardless
			_, err = s.credits.RecordForcedTermination(ctx, creditsdomain.ForcedTerminationRequest{
				UserID:            inst.UserID,
				Amount:            accrual.Credits,
				Description:       fmt.Sprintf("final charge for %s (over limit)", inst.Name),
				RelatedInstanceID: &instanceID,
				Usage:             delta,
			})
		}
		if err != nil {
			return err
		}
	}

	_, err = s.usage.Close(ctx, record.ID, now)
	return err
}

func (s *Service) Forget(ctx context.Context, userID string, id snowflake.ID) error {
	inst, err := s.instances.GetByIDForUser(ctx, id, strings.TrimSpace(userID))
	if err != nil {
		return err
	}
	return s.instances.SoftDelete(ctx, inst.ID, s.clock.Now())
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
