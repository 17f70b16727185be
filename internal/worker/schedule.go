package worker

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// Schedule runs a dispatch cycle on every tick of spec until ctx is done.
// A tick that fires while the previous cycle is still running is skipped.
func Schedule(ctx context.Context, spec string, d *Dispatcher, logger *zap.Logger) error {
	cl := cronLogger{log: logger.Sugar()}

	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	_, err := c.AddFunc(spec, func() {
		if _, err := d.RunCycle(ctx); err != nil {
			logger.Error("dispatch cycle failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid dispatch schedule %q: %w", spec, err)
	}

	c.Start()
	logger.Info("dispatch schedule started", zap.String("schedule", spec))

	<-ctx.Done()

	logger.Info("stopping dispatch schedule")
	<-c.Stop().Done()

	return nil
}
