package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"

	creditsdomain "github.com/wolkenlauf/metered/internal/credits/domain"
	instancedomain "github.com/wolkenlauf/metered/internal/instance/domain"
	obsmetrics "github.com/wolkenlauf/metered/internal/observability/metrics"
	"github.com/wolkenlauf/metered/internal/pricing"
	provisionerdomain "github.com/wolkenlauf/metered/internal/provisioner/domain"
	usagedomain "github.com/wolkenlauf/metered/internal/usage/domain"
)

// ErrRunInProgress means another replica (or the background loop) holds the
// billing guard right now.
var ErrRunInProgress = errors.New("billing run already in progress")

// Report summarizes one billing pass.
type Report struct {
	RunID      string `json:"run_id"`
	Processed  int    `json:"processed"`
	Billed     int    `json:"billed"`
	Terminated int    `json:"terminated"`
	Skipped    int    `json:"skipped"`
	Errors     int    `json:"errors"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeBilled
	outcomeTerminated
)

// RunBillingCycle executes one guarded billing pass and reports what it did.
// It backs the manual trigger endpoint.
func (s *Scheduler) RunBillingCycle(ctx context.Context) (Report, error) {
	token, ok, err := s.locker.TryLock(ctx, billingGuardKey, s.cfg.GuardTTL)
	if err != nil {
		return Report{}, err
	}
	if !ok {
		return Report{}, ErrRunInProgress
	}
	defer func() {
		if rerr := s.locker.Release(ctx, billingGuardKey, token); rerr != nil {
			s.log.Warn("failed to release billing guard", zap.Error(rerr))
		}
	}()

	var report Report
	jobErr := s.runJob(ctx, "billing_cycle", s.cfg.JobTimeout, func(ctx context.Context) error {
		var err error
		report, err = s.BillingCycleJob(ctx)
		return err
	})
	sweepErr := s.runJob(ctx, "settlement_sweep", s.cfg.JobTimeout, s.SettlementSweepJob)
	return report, errors.Join(jobErr, sweepErr)
}

// BillingCycleJob charges every running instance for runtime accrued since
// its billing watermark. Accounts that cannot cover the charge within their
// overdraft limit get the instance force-terminated.
func (s *Scheduler) BillingCycleJob(ctx context.Context) (Report, error) {
	ctx, run, owner := s.ensureJobRun(ctx, "billing_cycle")
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}
	now := s.clock.Now()
	billingMetrics := obsmetrics.Billing()
	var jobErr error

	instances, err := s.instances.ListBillable(ctx)
	if err != nil {
		s.logJobError(run, "billing.list.failed", "billing_cycle", err)
		return reportFrom(run), err
	}

	for i := range instances {
		if ctx.Err() != nil {
			jobErr = errors.Join(jobErr, ctx.Err())
			break
		}
		inst := instances[i]

		itemCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
		result, err := s.billInstance(itemCtx, &inst, now)
		cancel()

		run.AddProcessed(1)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(run, "billing.instance.failed", "billing_cycle", err,
				zap.String("instance_id", inst.ID.String()),
				zap.String("user_id", inst.UserID),
			)
			continue
		}
		switch result {
		case outcomeBilled:
			run.billed++
			billingMetrics.AddInstancesProcessed("billing_cycle", obsmetrics.OutcomeBilled, 1)
		case outcomeTerminated:
			run.terminated++
			billingMetrics.AddInstancesProcessed("billing_cycle", obsmetrics.OutcomeTerminated, 1)
		default:
			run.skipped++
			billingMetrics.AddInstancesProcessed("billing_cycle", obsmetrics.OutcomeSkipped, 1)
		}
	}

	return reportFrom(run), jobErr
}

func reportFrom(run *jobRun) Report {
	if run == nil {
		return Report{}
	}
	return Report{
		RunID:      run.runID,
		Processed:  run.processed,
		Billed:     run.billed,
		Terminated: run.terminated,
		Skipped:    run.skipped,
		Errors:     run.errorCount,
	}
}

func (s *Scheduler) billInstance(ctx context.Context, inst *instancedomain.Instance, now time.Time) (outcome, error) {
	// a due monthly allocation lands before the charge, so a fresh month's
	// credits can cover it
	if _, _, err := s.credits.AllocateMonthlyIfDue(ctx, inst.UserID, now); err != nil {
		if !errors.Is(err, creditsdomain.ErrAccountNotFound) {
			return outcomeSkipped, err
		}
	}

	record, err := s.openUsageFor(ctx, inst)
	if err != nil {
		return outcomeSkipped, err
	}

	rate := s.rates.HourlyRate(record.Provider, record.InstanceType, record.UseSpot)
	if rate <= 0 {
		s.log.Warn("no hourly rate, skipping instance",
			zap.String("instance_id", inst.ID.String()),
			zap.String("provider", record.Provider),
			zap.String("instance_type", record.InstanceType),
		)
		return outcomeSkipped, nil
	}

	accrual := pricing.Accrued(inst.LaunchedAt, record.LastBilledAt, now, rate, s.pricingCfg)
	if accrual.Credits <= 0 {
		return outcomeSkipped, nil
	}

	instanceID := inst.ID
	_, err = s.credits.Deduct(ctx, creditsdomain.DeductRequest{
		UserID:            inst.UserID,
		Amount:            accrual.Credits,
		Description:       fmt.Sprintf("runtime charge for %s", inst.Name),
		RelatedInstanceID: &instanceID,
		Usage: &creditsdomain.UsageDelta{
			UsageRecordID: record.ID,
			Credits:       accrual.Credits,
			CostUSD:       accrual.BaseCostUSD,
			BilledThrough: now,
		},
		Metadata: map[string]any{
			"hourly_rate_usd": rate,
			"elapsed_hours":   accrual.ElapsedHours,
		},
	})
	if errors.Is(err, creditsdomain.ErrOverdraft) {
		if err := s.forceTerminate(ctx, inst, record, accrual, now); err != nil {
			return outcomeSkipped, err
		}
		return outcomeTerminated, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}
	return outcomeBilled, nil
}

// openUsageFor returns the instance's open usage record, creating one when a
// crash left a running instance without it. The recovered record starts at
// the old watermark position (launch time), so no runtime goes unbilled.
func (s *Scheduler) openUsageFor(ctx context.Context, inst *instancedomain.Instance) (*usagedomain.UsageRecord, error) {
	record, err := s.usage.GetOpen(ctx, inst.ID)
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, usagedomain.ErrNoOpenRecord) {
		return nil, err
	}

	start := s.clock.Now()
	if inst.LaunchedAt != nil {
		start = *inst.LaunchedAt
	}
	return s.usage.Open(ctx, usagedomain.OpenRequest{
		InstanceID:   inst.ID,
		UserID:       inst.UserID,
		Provider:     inst.Provider,
		InstanceType: inst.InstanceType,
		UseSpot:      inst.UseSpot,
		StartTime:    start,
	})
}

// forceTerminate tears down an instance whose owner cannot pay. The owed
// remainder is collected past the overdraft limit and recorded as a forced
// termination, amount zero if nothing was owed.
func (s *Scheduler) forceTerminate(
	ctx context.Context,
	inst *instancedomain.Instance,
	record *usagedomain.UsageRecord,
	accrual pricing.Accrual,
	now time.Time,
) error {
	s.log.Warn("overdraft limit reached, terminating instance",
		zap.String("instance_id", inst.ID.String()),
		zap.String("user_id", inst.UserID),
		zap.Int64("owed_credits", accrual.Credits),
	)

	if err := s.controller.Terminate(ctx, inst.Provider, inst.ProviderInstanceID); err != nil {
		// keep the instance billable; the next cycle tries again
		if !errors.Is(err, provisionerdomain.ErrNotFound) {
			return err
		}
	}

	if _, err := s.instances.MarkTerminated(ctx, inst.ID, now); err != nil {
		return err
	}

	instanceID := inst.ID
	if _, err := s.credits.RecordForcedTermination(ctx, creditsdomain.ForcedTerminationRequest{
		UserID:            inst.UserID,
		Amount:            accrual.Credits,
		Description:       fmt.Sprintf("forced termination of %s", inst.Name),
		RelatedInstanceID: &instanceID,
		Usage: &creditsdomain.UsageDelta{
			UsageRecordID: record.ID,
			Credits:       accrual.Credits,
			CostUSD:       accrual.BaseCostUSD,
			BilledThrough: now,
		},
	}); err != nil {
		return err
	}

	_, err := s.usage.Close(ctx, record.ID, now)
	return err
}

// settlementCandidate is a usage record still open after its instance died.
type settlementCandidate struct {
	RecordID     snowflake.ID
	InstanceID   snowflake.ID
	TerminatedAt *time.Time
}

// SettlementSweepJob settles open usage records of terminated instances.
// Re-running it is harmless: the watermark makes each charge incremental and
// the close is idempotent.
func (s *Scheduler) SettlementSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "settlement_sweep")
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}

	var candidates []settlementCandidate
	err := s.db.WithContext(ctx).Raw(
		`SELECT u.id AS record_id, u.instance_id, i.terminated_at
		 FROM usage_records u
		 JOIN instances i ON i.id = u.instance_id
		 WHERE u.end_time IS NULL AND i.status = ?`,
		instancedomain.StatusTerminated,
	).Scan(&candidates).Error
	if err != nil {
		s.logJobError(run, "billing.sweep.failed", "settlement_sweep", err)
		return err
	}

	var jobErr error
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			jobErr = errors.Join(jobErr, ctx.Err())
			break
		}
		itemCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
		err := s.settleRecord(itemCtx, candidate)
		cancel()

		run.AddProcessed(1)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(run, "billing.settle.failed", "settlement_sweep", err,
				zap.String("instance_id", candidate.InstanceID.String()),
			)
		}
	}
	return jobErr
}

func (s *Scheduler) settleRecord(ctx context.Context, candidate settlementCandidate) error {
	inst, err := s.instances.GetByID(ctx, candidate.InstanceID)
	if err != nil {
		return err
	}
	record, err := s.usage.GetOpen(ctx, candidate.InstanceID)
	if err != nil {
		if errors.Is(err, usagedomain.ErrNoOpenRecord) {
			return nil
		}
		return err
	}

	end := s.clock.Now()
	if candidate.TerminatedAt != nil {
		end = *candidate.TerminatedAt
	}

	rate := s.rates.HourlyRate(record.Provider, record.InstanceType, record.UseSpot)
	accrual := pricing.Accrued(inst.LaunchedAt, record.LastBilledAt, end, rate, s.pricingCfg)

	if accrual.Credits > 0 {
		instanceID := inst.ID
		delta := &creditsdomain.UsageDelta{
			UsageRecordID: record.ID,
			Credits:       accrual.Credits,
			CostUSD:       accrual.BaseCostUSD,
			BilledThrough: end,
		}
		_, err = s.credits.Deduct(ctx, creditsdomain.DeductRequest{
			UserID:            inst.UserID,
			Amount:            accrual.Credits,
			Description:       fmt.Sprintf("settlement charge for %s", inst.Name),
			RelatedInstanceID: &instanceID,
			Usage:             delta,
		})
		if errors.Is(err, creditsdomain.ErrOverdraft) {
			_, err = s.credits.RecordForcedTermination(ctx, creditsdomain.ForcedTerminationRequest{
				UserID:            inst.UserID,
				Amount:            accrual.Credits,
				Description:       fmt.Sprintf("settlement charge for %s (over limit)", inst.Name),
				RelatedInstanceID: &instanceID,
				Usage:             delta,
			})
		}
		if err != nil {
			return err
		}
	}

	_, err = s.usage.Close(ctx, record.ID, end)
	return err
}
