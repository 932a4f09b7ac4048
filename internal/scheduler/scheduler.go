// Package scheduler drives the periodic billing cycle: charging running
// instances, force-terminating overdrawn accounts, and settling leftover
// usage from instances that died outside a cycle.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/wolkenlauf/metered/internal/clock"
	appconfig "github.com/wolkenlauf/metered/internal/config"
	creditsdomain "github.com/wolkenlauf/metered/internal/credits/domain"
	instancedomain "github.com/wolkenlauf/metered/internal/instance/domain"
	obsmetrics "github.com/wolkenlauf/metered/internal/observability/metrics"
	"github.com/wolkenlauf/metered/internal/pricing"
	provisionerdomain "github.com/wolkenlauf/metered/internal/provisioner/domain"
	"github.com/wolkenlauf/metered/internal/provisioner/poller"
	"github.com/wolkenlauf/metered/internal/rates"
	"github.com/wolkenlauf/metered/internal/scheduler/guard"
	usagedomain "github.com/wolkenlauf/metered/internal/usage/domain"
)

const billingGuardKey = "metered:billing:run"

var ErrInvalidConfig = errors.New("scheduler: missing dependency")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Instances  instancedomain.Repository
	Usage      usagedomain.Service
	Credits    creditsdomain.Service
	Controller provisionerdomain.Controller
	Poller     *poller.Poller
	Rates      *rates.Table
	GenID      *snowflake.Node
	Clock      clock.Clock
	AppConfig  appconfig.Config
	Locker     *guard.Locker `optional:"true"`
	Config     Config        `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	instances  instancedomain.Repository
	usage      usagedomain.Service
	credits    creditsdomain.Service
	controller provisionerdomain.Controller
	poller     *poller.Poller
	rates      *rates.Table
	pricingCfg pricing.Config
	genID      *snowflake.Node
	clock      clock.Clock
	locker     *guard.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Instances == nil || p.Usage == nil || p.Credits == nil || p.Controller == nil || p.Poller == nil || p.Rates == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	cfg := p.Config.withDefaults()
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        cfg,
		instances:  p.Instances,
		usage:      p.Usage,
		credits:    p.Credits,
		controller: p.Controller,
		poller:     p.Poller,
		rates:      p.Rates,
		pricingCfg: pricing.Config{
			MarkupFactor:  p.AppConfig.MarkupFactor,
			CreditsPerUSD: p.AppConfig.CreditsPerUSD,
		},
		genID:  p.GenID,
		clock:  p.Clock,
		locker: p.Locker,
	}, nil
}

func (s *Scheduler) newRunID() string {
	return ulid.Make().String()
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(run)
	}
	billingMetrics := obsmetrics.Billing()
	billingMetrics.IncJobRun(name)

	err := fn(ctx)
	billingMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(run)
	}
	if err == nil {
		return nil
	}

	// treat deadline as soft-timeout; the next tick picks up the remainder
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		billingMetrics.IncJobTimeout(name)
	}
	billingMetrics.IncJobError(name, err)
	if isTimeout {
		s.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"provision_poll", func(ctx context.Context) error {
			return s.runJob(ctx, "provision_poll", s.cfg.JobTimeout, s.ProvisionPollJob)
		}},
		{"billing_cycle", func(ctx context.Context) error {
			return s.runJob(ctx, "billing_cycle", s.cfg.JobTimeout, func(ctx context.Context) error {
				_, jobErr := s.BillingCycleJob(ctx)
				return jobErr
			})
		}},
		{"settlement_sweep", func(ctx context.Context) error {
			return s.runJob(ctx, "settlement_sweep", s.cfg.JobTimeout, s.SettlementSweepJob)
		}},
	}

	for _, job := range jobs {
		if s.isJobEnabled(job.Name) {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	billingMetrics := obsmetrics.Billing()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			billingMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.runGuarded(ctx); err != nil {
			s.log.Warn("billing run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runGuarded holds the distributed guard for the duration of one pass so
// overlapping replicas never double-bill.
func (s *Scheduler) runGuarded(ctx context.Context) error {
	token, ok, err := s.locker.TryLock(ctx, billingGuardKey, s.cfg.GuardTTL)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("billing run skipped, another replica holds the guard")
		return nil
	}
	defer func() {
		if rerr := s.locker.Release(ctx, billingGuardKey, token); rerr != nil {
			s.log.Warn("failed to release billing guard", zap.Error(rerr))
		}
	}()
	return s.RunOnce(ctx)
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty EnabledJobs enables everything (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ProvisionPollJob advances instances still working through provisioning.
func (s *Scheduler) ProvisionPollJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "provision_poll")
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	report, err := s.poller.PollOnce(ctx)
	run.AddProcessed(report.Synced)
	if err != nil {
		s.logJobError(run, "billing.poll.failed", "provision_poll", err)
	}
	return err
}
