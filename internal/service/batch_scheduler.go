package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/noah-isme/dive-affiliate-payouts/internal/models"
	appErrors "github.com/noah-isme/dive-affiliate-payouts/pkg/errors"
	"github.com/noah-isme/dive-affiliate-payouts/pkg/jobs"
)

const jobTypePayoutBatch = "payout_batch"

type batchRunner interface {
	RunBatchForPeriod(ctx context.Context, period string) (*models.BatchResult, error)
}

// BatchSchedulerConfig configures automatic batch runs. An empty Schedule
// disables the cron trigger; manual triggers still work.
type BatchSchedulerConfig struct {
	Schedule string
}

// BatchStatus reports the latest known state of a period's batch.
type BatchStatus struct {
	Period  string              `json:"period"`
	Running bool                `json:"running"`
	Result  *models.BatchResult `json:"result,omitempty"`
}

// BatchScheduler serializes payout batches through a single-worker queue keyed
// by billing period so two runs for the same period never overlap.
type BatchScheduler struct {
	runner batchRunner
	queue  *jobs.Queue
	cron   *cron.Cron
	cfg    BatchSchedulerConfig
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	results map[string]*models.BatchResult
}

// NewBatchScheduler constructs the scheduler. Call Start before Trigger.
func NewBatchScheduler(runner batchRunner, cfg BatchSchedulerConfig, logger *zap.Logger) *BatchScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &BatchScheduler{
		runner:  runner,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		results: make(map[string]*models.BatchResult),
	}
	s.queue = jobs.NewQueue("payout-batches", s.handle, jobs.QueueConfig{Workers: 1, BufferSize: 8, Logger: logger})
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	s.cron = cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cronLogger)))
	return s
}

// Start begins consuming batch jobs and registers the cron trigger.
func (s *BatchScheduler) Start(ctx context.Context) error {
	s.queue.Start(ctx)
	if strings.TrimSpace(s.cfg.Schedule) == "" {
		return nil
	}
	if _, err := s.cron.AddFunc(s.cfg.Schedule, s.scheduled); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payout schedule")
	}
	s.cron.Start()
	s.logger.Info("scheduled payout batch job", zap.String("schedule", s.cfg.Schedule))
	return nil
}

// Stop halts the cron trigger and waits for the running batch to return.
func (s *BatchScheduler) Stop() {
	<-s.cron.Stop().Done()
	s.queue.Stop()
}

// Trigger enqueues a batch for period, defaulting to the current billing
// period. It returns ErrConflict when that period is already queued or running.
func (s *BatchScheduler) Trigger(period string) (string, error) {
	if strings.TrimSpace(period) == "" {
		period = models.BillingPeriodFor(s.now())
	}
	period, err := models.ParseBillingPeriod(period)
	if err != nil {
		return "", appErrors.Clone(appErrors.ErrValidation, err.Error())
	}

	id := batchJobID(period)
	if err := s.queue.Enqueue(jobs.Job{ID: id, Type: jobTypePayoutBatch, Payload: period}); err != nil {
		if errors.Is(err, jobs.ErrDuplicateJob) {
			return "", appErrors.Clone(appErrors.ErrConflict, "a payout batch for "+period+" is already queued or running")
		}
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue payout batch")
	}
	s.logger.Info("payout batch enqueued", zap.String("period", period), zap.String("job_id", id))
	return id, nil
}

// Status returns the last result retained for period.
func (s *BatchScheduler) Status(period string) (*BatchStatus, error) {
	period, err := models.ParseBillingPeriod(period)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	s.mu.RLock()
	result := s.results[period]
	s.mu.RUnlock()

	running := s.queue.InFlight(batchJobID(period))
	if result == nil && !running {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "no payout batch recorded for "+period)
	}
	return &BatchStatus{Period: period, Running: running, Result: result}, nil
}

func (s *BatchScheduler) scheduled() {
	if _, err := s.Trigger(""); err != nil {
		s.logger.Warn("scheduled payout batch not enqueued", zap.Error(err))
	}
}

func (s *BatchScheduler) handle(ctx context.Context, job jobs.Job) error {
	period, _ := job.Payload.(string)
	result, err := s.runner.RunBatchForPeriod(ctx, period)
	if result != nil {
		s.mu.Lock()
		s.results[period] = result
		s.mu.Unlock()
	}
	if err != nil {
		s.logger.Error("payout batch finished with error", zap.String("period", period), zap.Error(err))
	}
	return nil
}

func batchJobID(period string) string {
	return "batch:" + period
}
