package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/ledgerline/ledgerline/internal/jobs"
	"github.com/ledgerline/ledgerline/internal/recon"
)

// ReconRunner is the slice of the reconciliation service the job needs.
type ReconRunner interface {
	RunReconciliation(ctx context.Context, scope recon.Scope) (recon.RunResult, error)
}

// ReconRunJob executes a full reconciliation pass from the queue.
type ReconRunJob struct {
	Service ReconRunner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewReconRunJob initialises the reconciliation job handler.
func NewReconRunJob(service ReconRunner, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconRunJob {
	return &ReconRunJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the reconciliation pass.
func (j *ReconRunJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("recon run: handler not configured")
	}
	var payload ReconRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Scope == "" {
		payload.Scope = string(recon.ScopeAll)
	}

	start := j.now()
	tracker := j.Metrics.Track(TaskReconRun)
	logger := j.logger().With(slog.String("scope", payload.Scope))
	logger.Info("starting reconciliation pass")

	result, err := j.Service.RunReconciliation(ctx, recon.Scope(payload.Scope))
	if err != nil {
		if errors.Is(err, recon.ErrUnknownScope) {
			logger.Error("invalid scope in payload", slog.Any("error", err))
			_ = tracker.End(err)
			return asynq.SkipRetry
		}
		logger.Error("reconciliation pass failed", slog.Any("error", err))
		return tracker.End(err)
	}
	_ = tracker.End(nil)

	for _, warning := range result.Warnings {
		logger.Warn("reconciliation warning", slog.String("warning", warning))
	}
	logger.Info("completed reconciliation pass",
		slog.Int("matched", result.Matched),
		slog.Int("auto_matched", result.AutoMatched),
		slog.Int("needs_review", result.NeedsReview),
		slog.Int("unmatched", result.Unmatched),
		slog.Float64("risk_score", result.RiskScore),
		slog.Int("failed_stages", len(result.FailedStages)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *ReconRunJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReconRun))
	}
	return slog.Default().With(slog.String("job", TaskReconRun))
}

func (j *ReconRunJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
