// Package sweeper runs periodic maintenance jobs: the transfer expiry sweep
// and idempotency record cleanup.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const defaultTaskTimeout = time.Minute

// Task is a job that runs on a fixed interval.
type Task struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run. Zero means one minute.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

func (t Task) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return defaultTaskTimeout
}

type Sweeper struct {
	scheduler gocron.Scheduler
	logger    *zap.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

func New(logger *zap.Logger) (*Sweeper, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		scheduler: scheduler,
		logger:    logger.With(zap.String("component", "sweeper")),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Schedule registers t. A run still in progress when the next is due makes
// the scheduler skip that tick.
func (s *Sweeper) Schedule(t Task) error {
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", t.Name)
	}
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(t.Interval),
		gocron.NewTask(func() {
			if err := s.RunOnce(s.ctx, t); err != nil {
				s.logger.Warn("scheduled task failed", zap.String("task", t.Name), zap.Error(err))
			}
		}),
		gocron.WithName(t.Name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	return err
}

func (s *Sweeper) Start() {
	s.scheduler.Start()
}

// Shutdown cancels running tasks and waits for them to return.
func (s *Sweeper) Shutdown() error {
	s.cancel()
	return s.scheduler.Shutdown()
}

// RunOnce runs t under its timeout. A panic inside the task is returned as
// an error.
func (s *Sweeper) RunOnce(ctx context.Context, t Task) (err error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
		s.logger.Debug("task finished",
			zap.String("task", t.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Bool("ok", err == nil),
		)
	}()
	return t.Run(ctx)
}

// Expirer is the transfer orchestrator's expiry sweep.
type Expirer interface {
	ExpireSweep(ctx context.Context) (int, error)
}

// ExpiryTask expires overdue transfers. onExpired, if set, receives the
// count of each run.
func ExpiryTask(e Expirer, interval time.Duration, onExpired func(int)) Task {
	return Task{
		Name:     "expire-transfers",
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := e.ExpireSweep(ctx)
			if onExpired != nil && n > 0 {
				onExpired(n)
			}
			return err
		},
	}
}

// Purger deletes expired idempotency records.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

func PurgeTask(p Purger, interval time.Duration) Task {
	return Task{
		Name:     "purge-idempotency-records",
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := p.Purge(ctx)
			return err
		},
	}
}
