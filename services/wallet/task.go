package wallet

import (
	"context"
	"time"

	"taskmarket-platform/pkg/config"
	"taskmarket-platform/pkg/task"
	"taskmarket-platform/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// HandleSettleRun settles every pending earning that has cleared the
// hold period. The task is idempotent: a rerun finds nothing left.
func (s *Service) HandleSettleRun(ctx context.Context, _ *asynq.Task) error {
	before := time.Now().Add(-s.holdPeriod)
	count, err := s.SettleMatured(ctx, before)
	if err != nil {
		zap.L().Error("settlement sweep failed", zap.Error(err))
		return err
	}

	zap.L().Info("settlement sweep finished",
		zap.Int64("settled", count),
		zap.Time("before", before),
	)
	return nil
}

func (s *Service) RegisterHandlers(mux *asynq.ServeMux) {
	mux.HandleFunc(taskname.EarningSettleRun, s.HandleSettleRun)
}

// Scheduler enqueues the daily settlement sweep.
type Scheduler struct {
	enqueuer  task.Enqueuer
	sweepHour int
}

func NewScheduler(enqueuer task.Enqueuer, cfg *config.Config) *Scheduler {
	return &Scheduler{
		enqueuer:  enqueuer,
		sweepHour: cfg.Settlement.SweepHour,
	}
}

func StartScheduler(lc fx.Lifecycle, s *Scheduler) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go s.run(ctx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

func (s *Scheduler) run(ctx context.Context) {
	zap.L().Info("[Scheduler] started settlement sweep scheduler")

	for {
		now := time.Now()
		next := nextRunTime(now, s.sweepHour, 0)

		sleepDuration := next.Sub(now)
		zap.L().Info("[Scheduler] next run scheduled",
			zap.Time("next_run", next),
			zap.Duration("sleep_for", sleepDuration),
		)

		select {
		case <-time.After(sleepDuration):
			s.enqueueSweep()
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped")
			return
		}
	}
}

func (s *Scheduler) enqueueSweep() {
	if _, err := s.enqueuer.Enqueue(asynq.NewTask(taskname.EarningSettleRun, nil), asynq.Queue("default")); err != nil {
		zap.L().Error("[Scheduler] failed to enqueue settlement sweep", zap.Error(err))
		return
	}
	zap.L().Info("[Scheduler] settlement sweep enqueued")
}

func nextRunTime(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if now.After(next) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
