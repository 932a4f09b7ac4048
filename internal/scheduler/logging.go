package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	obsmetrics "github.com/wolkenlauf/metered/internal/observability/metrics"
)

type jobRun struct {
	job        string
	runID      string
	startedAt  time.Time
	processed  int
	billed     int
	terminated int
	skipped    int
	errorCount int
}

type jobRunKey struct{}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processed += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (s *Scheduler) ensureJobRun(ctx context.Context, job string) (context.Context, *jobRun, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if existing := jobRunFromContext(ctx); existing != nil {
		return ctx, existing, false
	}
	run := &jobRun{
		job:       job,
		runID:     s.newRunID(),
		startedAt: time.Now(),
	}
	return context.WithValue(ctx, jobRunKey{}, run), run, true
}

func jobRunFromContext(ctx context.Context) *jobRun {
	if ctx == nil {
		return nil
	}
	if run, ok := ctx.Value(jobRunKey{}).(*jobRun); ok {
		return run
	}
	return nil
}

func (s *Scheduler) logJobStart(run *jobRun) {
	if run == nil {
		return
	}
	s.log.Info("billing.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
	)
}

func (s *Scheduler) logJobFinish(run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processed),
		zap.Int("billed_count", run.billed),
		zap.Int("terminated_count", run.terminated),
		zap.Int("skipped_count", run.skipped),
		zap.Int("error_count", run.errorCount),
	}
	if run.errorCount > 0 {
		s.log.Warn("billing.job.finish", fields...)
		return
	}
	s.log.Info("billing.job.finish", fields...)
}

func (s *Scheduler) logJobError(run *jobRun, msg, job string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	if run != nil {
		run.IncError()
	}
	baseFields := []zap.Field{
		zap.String("job", job),
		zap.String("reason", obsmetrics.ClassifyJobReason(err)),
		zap.Bool("retryable", obsmetrics.IsJobErrorRetryable(err)),
		zap.Error(err),
	}
	s.log.Error(msg, append(baseFields, fields...)...)
}
