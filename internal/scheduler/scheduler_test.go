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

type countJob struct {
	name string
	runs atomic.Int32
	err  error
}

func (j *countJob) Name() string { return j.name }
func (j *countJob) Run() error {
	j.runs.Add(1)
	return j.err
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "0 30 9 * * *", Normalize("30 9 * * *"))
	assert.Equal(t, "*/2 * * * * *", Normalize("*/2 * * * * *"))
	assert.Equal(t, "@hourly", Normalize("@hourly"))
}

func TestAddJobRunsOnSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countJob{name: "tick"}
	_, err := s.AddJob("* * * * * *", job)
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for job.runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	assert.Greater(t, job.runs.Load(), int32(0))
}

func TestJobErrorDoesNotStopScheduler(t *testing.T) {
	s := New(zerolog.Nop())
	failing := &countJob{name: "failing", err: errors.New("boom")}
	_, err := s.AddJob("* * * * * *", failing)
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for failing.runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	// the job kept firing after its first failure
	assert.GreaterOrEqual(t, failing.runs.Load(), int32(2))
}

func TestRemoveStopsEntry(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countJob{name: "removed"}
	id, err := s.AddJob("* * * * * *", job)
	require.NoError(t, err)

	s.Start()
	defer s.Stop()

	s.Remove(id)
	time.Sleep(1100 * time.Millisecond)
	before := job.runs.Load()
	time.Sleep(2100 * time.Millisecond)
	assert.Equal(t, before, job.runs.Load())
}

func TestAddJobRejectsBadSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	_, err := s.AddJob("not a schedule", &countJob{name: "bad"})
	assert.Error(t, err)
}

func TestRunNow(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countJob{name: "oneshot"}
	require.NoError(t, s.RunNow(job))
	assert.Equal(t, int32(1), job.runs.Load())
}
