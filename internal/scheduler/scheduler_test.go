package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/carwatch/internal/pipeline"
	"github.com/TobiSchelling/carwatch/internal/retry"
)

type countingJob struct {
	runs int
	err  error
}

func (j *countingJob) Run(context.Context) error {
	j.runs++
	return j.err
}

func (j *countingJob) Name() string { return "counting" }

func TestAddJobValidatesSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.AddJob("0 */6 * * *", &countingJob{}))
	require.NoError(t, s.AddJob("@daily", &countingJob{}))
	assert.Error(t, s.AddJob("every six hours", &countingJob{}))
	assert.Equal(t, 2, s.Entries())
}

func TestRunNow(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{err: errors.New("boom")}
	assert.Error(t, s.RunNow(job))
	assert.Equal(t, 1, job.runs)
}

func TestStartStop(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.AddJob("@hourly", &countingJob{}))
	s.Start()
	s.Stop()
}

type flakyRunner struct {
	errs  []error
	calls int
}

func (r *flakyRunner) Run(context.Context) (*pipeline.Result, error) {
	r.calls++
	if r.calls <= len(r.errs) {
		return nil, r.errs[r.calls-1]
	}
	return &pipeline.Result{RunID: fmt.Sprint(r.calls)}, nil
}

func TestPipelineJobRetriesUnavailableSource(t *testing.T) {
	r := &flakyRunner{errs: []error{
		fmt.Errorf("%w: chrome crashed", pipeline.ErrSourceUnavailable),
	}}
	job := NewPipelineJob(r, retry.Policy{MaxAttempts: 3}, zerolog.Nop())

	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 2, r.calls)
}

func TestPipelineJobDoesNotRetryOtherErrors(t *testing.T) {
	r := &flakyRunner{errs: []error{errors.New("database locked")}}
	job := NewPipelineJob(r, retry.Policy{MaxAttempts: 3}, zerolog.Nop())

	assert.Error(t, job.Run(context.Background()))
	assert.Equal(t, 1, r.calls)
}

func TestPipelineJobGivesUp(t *testing.T) {
	unavailable := fmt.Errorf("%w: no browser", pipeline.ErrSourceUnavailable)
	r := &flakyRunner{errs: []error{unavailable, unavailable}}
	job := NewPipelineJob(r, retry.Policy{MaxAttempts: 2}, zerolog.Nop())

	err := job.Run(context.Background())
	assert.ErrorIs(t, err, pipeline.ErrSourceUnavailable)
	assert.Equal(t, 2, r.calls)
}

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
	calls   int
}

func (r *blockingRunner) Run(context.Context) (*pipeline.Result, error) {
	r.calls++
	close(r.started)
	<-r.release
	return &pipeline.Result{}, nil
}

func TestPipelineJobSkipsOverlappingRun(t *testing.T) {
	r := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	job := NewPipelineJob(r, retry.Policy{MaxAttempts: 1}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- job.Run(context.Background()) }()
	<-r.started

	require.NoError(t, job.Run(context.Background()))
	close(r.release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, r.calls)
}
