package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-deliverability-go/internal/metrics"
)

func noop(context.Context) error { return nil }

func TestSchedulerRestart(t *testing.T) {
	sched := New(metrics.NewMetrics(prometheus.NewRegistry()), 0)
	require.NoError(t, sched.Add("cleanup", "@daily", noop))

	require.NoError(t, sched.Start())
	assert.True(t, sched.IsRunning())
	assert.Error(t, sched.Start())

	require.NoError(t, sched.Stop())
	assert.False(t, sched.IsRunning())
	assert.Error(t, sched.ctx.Err())

	require.NoError(t, sched.Start())
	assert.True(t, sched.IsRunning())
	assert.NoError(t, sched.ctx.Err(), "context should be active after restart")

	status := sched.Status()
	require.Len(t, status, 1)
	assert.False(t, status[0].Next.IsZero())
	require.NoError(t, sched.Stop())
}

func TestAddValidation(t *testing.T) {
	sched := New(nil, 0)
	assert.Error(t, sched.Add("bad", "not a spec", noop))
	require.NoError(t, sched.Add("mailbox", "@every 5m", noop))
	assert.Error(t, sched.Add("mailbox", "@every 1m", noop))
}

func TestRunOnceRunsAllJobs(t *testing.T) {
	sched := New(nil, time.Minute)
	var mailbox, maillog int32
	boom := errors.New("imap down")

	require.NoError(t, sched.Add("mailbox", "@every 5m", func(ctx context.Context) error {
		atomic.AddInt32(&mailbox, 1)
		_, hasDeadline := ctx.Deadline()
		assert.True(t, hasDeadline)
		return boom
	}))
	require.NoError(t, sched.Add("maillog", "@every 1m", func(context.Context) error {
		atomic.AddInt32(&maillog, 1)
		return nil
	}))

	err := sched.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), atomic.LoadInt32(&mailbox))
	assert.Equal(t, int32(1), atomic.LoadInt32(&maillog))

	status := sched.Status()
	require.Len(t, status, 2)
	assert.Equal(t, "mailbox", status[0].Name)
	assert.Equal(t, 1, status[0].Runs)
	assert.Equal(t, "imap down", status[0].LastError)
	assert.Empty(t, status[1].LastError)
	assert.True(t, status[1].Next.IsZero())
}

func TestRunJobDoesNotOverlap(t *testing.T) {
	sched := New(nil, 0)
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, sched.Add("maillog", "@every 1m", func(context.Context) error {
		close(started)
		<-release
		return nil
	}))

	done := make(chan error, 1)
	go func() { done <- sched.RunJob(context.Background(), "maillog") }()
	<-started

	assert.ErrorIs(t, sched.RunJob(context.Background(), "maillog"), ErrJobRunning)
	assert.True(t, sched.Status()[0].Running)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, sched.Status()[0].Running)
}

func TestRunJobUnknown(t *testing.T) {
	sched := New(nil, 0)
	assert.ErrorIs(t, sched.RunJob(context.Background(), "nope"), ErrUnknownJob)
}
