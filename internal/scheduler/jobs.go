package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/TobiSchelling/carwatch/internal/pipeline"
	"github.com/TobiSchelling/carwatch/internal/retry"
)

// Runner is one full pipeline pass.
type Runner interface {
	Run(ctx context.Context) (*pipeline.Result, error)
}

// PipelineJob runs the pipeline under a bounded retry policy. Only an unavailable
// listing source is retried; per-model failures are already absorbed by the run.
// A call that arrives while another run is in progress is skipped.
type PipelineJob struct {
	mu     sync.Mutex
	runner Runner
	policy *retry.Policy
	log    zerolog.Logger
}

// NewPipelineJob wraps runner with policy.
func NewPipelineJob(runner Runner, policy retry.Policy, log zerolog.Logger) *PipelineJob {
	policy.Retryable = func(err error) bool {
		return errors.Is(err, pipeline.ErrSourceUnavailable)
	}
	policy.Logger = log
	return &PipelineJob{runner: runner, policy: &policy, log: log}
}

func (j *PipelineJob) Name() string {
	return "pipeline"
}

func (j *PipelineJob) Run(ctx context.Context) error {
	if !j.mu.TryLock() {
		j.log.Warn().Msg("previous run still in progress, skipping")
		return nil
	}
	defer j.mu.Unlock()

	return j.policy.Do(ctx, j.Name(), func(ctx context.Context) error {
		res, err := j.runner.Run(ctx)
		if err != nil {
			return err
		}
		j.log.Info().
			Str("run_id", res.RunID).
			Int("models", len(res.Models)).
			Int("failed", res.Failed()).
			Msg("scheduled run finished")
		return nil
	})
}
