package worker

import (
	"context"
	"errors"
	"fmt"

	"order-workflow/internal/service"
	"order-workflow/internal/util"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Sweeper runs one timeout sweep cycle
type Sweeper interface {
	Sweep(ctx context.Context) (*service.SweepReport, error)
}

// SweepJob runs the timeout sweep on a cron schedule. A cycle still running
// when the next one is due makes the next one skip.
type SweepJob struct {
	sweeper  Sweeper
	schedule string
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger
}

// NewSweepJob creates a new sweep job. schedule accepts standard cron
// expressions and descriptors such as "@every 5m".
func NewSweepJob(sweeper Sweeper, schedule string) (*SweepJob, error) {
	logger := util.GetLogger().With(zap.String("component", "sweep_job"))

	ctx, cancel := context.WithCancel(context.Background())
	j := &SweepJob{
		sweeper:  sweeper,
		schedule: schedule,
		cron:     newCron(logger),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}

	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *SweepJob) run() {
	if _, err := j.sweeper.Sweep(j.ctx); err != nil && !errors.Is(err, context.Canceled) {
		j.logger.Error("Timeout sweep failed", zap.Error(err))
	}
}

// Start begins running the sweep on schedule
func (j *SweepJob) Start() {
	j.cron.Start()
	j.logger.Info("Sweep job started", zap.String("schedule", j.schedule))
}

// Stop cancels a running cycle and waits for it to return
func (j *SweepJob) Stop() {
	j.cancel()
	<-j.cron.Stop().Done()
	j.logger.Info("Sweep job stopped")
}

// newCron creates a scheduler that recovers panics and skips a tick while the
// previous run is still going.
func newCron(logger *zap.Logger) *cron.Cron {
	cl := cronLogger{logger: logger}
	return cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
}

// cronLogger adapts zap to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
