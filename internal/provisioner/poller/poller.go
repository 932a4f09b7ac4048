// Package poller reconciles locally tracked instance status against the
// provisioner.
package poller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/wolkenlauf/metered/internal/clock"
	instancedomain "github.com/wolkenlauf/metered/internal/instance/domain"
	provisionerdomain "github.com/wolkenlauf/metered/internal/provisioner/domain"
	usagedomain "github.com/wolkenlauf/metered/internal/usage/domain"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 500 * time.Millisecond
)

// Config bounds the status fetch retries within a single sync.
type Config struct {
	MaxAttempts  int
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = defaultRetryBackoff
	}
	return c
}

type Params struct {
	fx.In

	Instances  instancedomain.Repository
	Usage      usagedomain.Service
	Controller provisionerdomain.Controller
	Clock      clock.Clock
	Log        *zap.Logger
	Config     Config `optional:"true"`
}

// Poller drives instances through their provisioning lifecycle.
type Poller struct {
	instances  instancedomain.Repository
	usage      usagedomain.Service
	controller provisionerdomain.Controller
	clock      clock.Clock
	log        *zap.Logger
	cfg        Config
}

func New(p Params) *Poller {
	return &Poller{
		instances:  p.Instances,
		usage:      p.Usage,
		controller: p.Controller,
		clock:      p.Clock,
		log:        p.Log.Named("provisioner.poller"),
		cfg:        p.Config.withDefaults(),
	}
}

// Report summarizes one poll pass.
type Report struct {
	Synced  int
	Running int
	Errors  int
}

// PollOnce syncs every instance still in a provisioning state. Per-instance
// failures are aggregated, never fatal for the pass.
func (p *Poller) PollOnce(ctx context.Context) (Report, error) {
	instances, err := p.instances.ListProvisioning(ctx)
	if err != nil {
		return Report{}, err
	}

	var report Report
	var errs []error
	for i := range instances {
		inst := instances[i]
		became, err := p.Sync(ctx, &inst)
		if err != nil {
			report.Errors++
			errs = append(errs, err)
			continue
		}
		report.Synced++
		if became == instancedomain.StatusRunning {
			report.Running++
		}
	}
	return report, errors.Join(errs...)
}

// Sync fetches the provisioner's view of one instance and applies it. It
// returns the status the instance ended up in.
func (p *Poller) Sync(ctx context.Context, inst *instancedomain.Instance) (instancedomain.Status, error) {
	vm, err := p.fetchStatus(ctx, inst)
	if err != nil {
		if errors.Is(err, provisionerdomain.ErrNotFound) {
			// the provisioner no longer knows the VM; treat as terminated
			return p.applyStatus(ctx, inst, &provisionerdomain.VM{
				ID:     inst.ProviderInstanceID,
				Status: string(instancedomain.StatusTerminated),
			})
		}
		return inst.Status, err
	}
	return p.applyStatus(ctx, inst, vm)
}

// fetchStatus retries transient provisioner failures a bounded number of
// times, then gives up until the next pass.
func (p *Poller) fetchStatus(ctx context.Context, inst *instancedomain.Instance) (*provisionerdomain.VM, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		vm, err := p.controller.GetStatus(ctx, inst.Provider, inst.ProviderInstanceID)
		if err == nil {
			return vm, nil
		}
		lastErr = err
		if !errors.Is(err, provisionerdomain.ErrUnavailable) {
			return nil, err
		}
		if attempt == p.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.clock.After(p.cfg.RetryBackoff):
		}
	}
	p.log.Warn("provisioner status fetch exhausted retries",
		zap.String("instance_id", inst.ID.String()),
		zap.Int("attempts", p.cfg.MaxAttempts),
		zap.Error(lastErr),
	)
	return nil, lastErr
}

func (p *Poller) applyStatus(ctx context.Context, inst *instancedomain.Instance, vm *provisionerdomain.VM) (instancedomain.Status, error) {
	reported, ok := instancedomain.ParseStatus(vm.Status)
	if !ok {
		p.log.Warn("unknown provisioner status",
			zap.String("instance_id", inst.ID.String()),
			zap.String("status", vm.Status),
		)
		return inst.Status, nil
	}
	// a repeated running report still needs handling when launched_at was
	// never stamped (provider reported running straight from create)
	if reported == inst.Status &&
		!(reported == instancedomain.StatusRunning && inst.LaunchedAt == nil) {
		return inst.Status, nil
	}
	if !instancedomain.CanTransition(inst.Status, reported) {
		p.log.Warn("ignoring backwards status report",
			zap.String("instance_id", inst.ID.String()),
			zap.String("from", string(inst.Status)),
			zap.String("to", string(reported)),
		)
		return inst.Status, nil
	}

	now := p.clock.Now()
	switch reported {
	case instancedomain.StatusRunning:
		updated, err := p.instances.MarkRunning(ctx, inst.ID, now,
			optional(vm.PublicIP), optional(vm.SSHUsername), optional(vm.SSHPassword))
		if err != nil {
			return inst.Status, err
		}
		start := now
		if updated.LaunchedAt != nil {
			start = *updated.LaunchedAt
		}
		if _, err := p.usage.Open(ctx, usagedomain.OpenRequest{
			InstanceID:   updated.ID,
			UserID:       updated.UserID,
			Provider:     updated.Provider,
			InstanceType: updated.InstanceType,
			UseSpot:      updated.UseSpot,
			StartTime:    start,
		}); err != nil {
			return inst.Status, err
		}
		p.log.Info("instance running",
			zap.String("instance_id", updated.ID.String()),
			zap.String("user_id", updated.UserID),
		)
		return updated.Status, nil
	case instancedomain.StatusTerminated:
		updated, err := p.instances.MarkTerminated(ctx, inst.ID, now)
		if err != nil {
			return inst.Status, err
		}
		return updated.Status, nil
	default:
		updated, err := p.instances.UpdateStatus(ctx, inst.ID, reported, now)
		if err != nil {
			return inst.Status, err
		}
		return updated.Status, nil
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
