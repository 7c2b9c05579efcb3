package ingest

import (
	"context"
	"time"

	"github.com/gustycube/cyberstreams/internal/logging"
	"github.com/robfig/cron/v3"
)

// Scheduler repeats ingestion cycles on a fixed interval. A tick that fires
// while a cycle is still running is skipped.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	log      *logging.Logger
}

func NewScheduler(e *Engine, interval time.Duration, log *logging.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{engine: e, interval: interval, log: log}
}

// Run bootstraps the engine, then schedules cycles until ctx is cancelled.
// On cancellation it waits for a running cycle to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.engine.Bootstrap(ctx); err != nil {
		return err
	}

	l := cronLogger{s.log}
	c := cron.New(
		cron.WithLogger(l),
		cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l)),
	)
	c.Schedule(cron.Every(s.interval), cron.FuncJob(func() {
		if _, err := s.engine.RunOnce(context.WithoutCancel(ctx)); err != nil {
			s.log.Errorw("scheduled ingestion failed", "err", err)
		}
	}))
	c.Start()
	s.log.Infow("ingestion scheduler started", "interval", s.interval)

	<-ctx.Done()
	<-c.Stop().Done()
	s.log.Infow("ingestion scheduler stopped")
	return nil
}

// cronLogger routes cron's logging through zap.
type cronLogger struct{ log *logging.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw("cron: "+msg, append(keysAndValues, "err", err)...)
}
