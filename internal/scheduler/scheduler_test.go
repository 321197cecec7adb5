package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	name string
	runs atomic.Int64
	err  error
}

func (j *countingJob) Run() error {
	j.runs.Add(1)
	return j.err
}

func (j *countingJob) Name() string { return j.name }

func TestScheduler_RunNow(t *testing.T) {
	s := New(nil, zerolog.Nop())
	job := &countingJob{name: "probe"}

	err := s.RunNow(job)

	require.NoError(t, err)
	assert.Equal(t, int64(1), job.runs.Load())
}

func TestScheduler_RunNow_PropagatesError(t *testing.T) {
	s := New(nil, zerolog.Nop())
	job := &countingJob{name: "probe", err: errors.New("boom")}

	err := s.RunNow(job)

	assert.EqualError(t, err, "boom")
}

func TestScheduler_AddJob_InvalidSchedule(t *testing.T) {
	s := New(nil, zerolog.Nop())

	err := s.AddJob("not a schedule", &countingJob{name: "probe"})

	assert.Error(t, err)
}

func TestScheduler_StartRunsRegisteredJobs(t *testing.T) {
	s := New(time.UTC, zerolog.Nop())
	job := &countingJob{name: "probe"}
	require.NoError(t, s.AddJob("@every 10ms", job))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return job.runs.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestScheduler_StopWaitsForCompletion(t *testing.T) {
	s := New(time.UTC, zerolog.Nop())
	job := &countingJob{name: "probe"}
	require.NoError(t, s.AddJob("@every 10ms", job))

	s.Start()
	require.Eventually(t, func() bool {
		return job.runs.Load() >= 1
	}, 3*time.Second, 10*time.Millisecond)

	s.Stop()
	settled := job.runs.Load()
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, settled, job.runs.Load())
}

// A failing job must not unregister itself; the next tick fires again.
func TestScheduler_FailingJobKeepsFiring(t *testing.T) {
	s := New(time.UTC, zerolog.Nop())
	job := &countingJob{name: "probe", err: errors.New("flaky")}
	require.NoError(t, s.AddJob("@every 10ms", job))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return job.runs.Load() >= 2
	}, 3*time.Second, 10*time.Millisecond)
}
