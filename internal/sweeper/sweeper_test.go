package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type countingExpirer struct {
	calls atomic.Int32
	n     int
	err   error
}

func (c *countingExpirer) ExpireSweep(context.Context) (int, error) {
	c.calls.Add(1)
	return c.n, c.err
}

func TestExpiryTaskReportsCount(t *testing.T) {
	s, err := New(zaptest.NewLogger(t))
	require.NoError(t, err)

	var got int
	task := ExpiryTask(&countingExpirer{n: 3}, time.Minute, func(n int) { got = n })
	require.NoError(t, s.RunOnce(context.Background(), task))
	assert.Equal(t, 3, got)

	failing := &countingExpirer{err: errors.New("db down")}
	got = 0
	err = s.RunOnce(context.Background(), ExpiryTask(failing, time.Minute, func(n int) { got = n }))
	require.EqualError(t, err, "db down")
	assert.Zero(t, got, "nothing expired, nothing reported")
}

func TestRunOnceRecoversPanics(t *testing.T) {
	s, err := New(zaptest.NewLogger(t))
	require.NoError(t, err)

	err = s.RunOnce(context.Background(), Task{Name: "boom", Run: func(context.Context) error { panic("bad") }})
	require.ErrorContains(t, err, "boom panicked")
}

func TestRunOnceAppliesTimeout(t *testing.T) {
	s, err := New(zaptest.NewLogger(t))
	require.NoError(t, err)

	err = s.RunOnce(context.Background(), Task{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestScheduledTaskRuns(t *testing.T) {
	s, err := New(zaptest.NewLogger(t))
	require.NoError(t, err)

	e := &countingExpirer{}
	require.NoError(t, s.Schedule(ExpiryTask(e, 20*time.Millisecond, nil)))
	s.Start()
	t.Cleanup(func() { _ = s.Shutdown() })

	require.Eventually(t, func() bool { return e.calls.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestScheduleRejectsZeroInterval(t *testing.T) {
	s, err := New(zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Error(t, s.Schedule(Task{Name: "never", Run: func(context.Context) error { return nil }}))
}
