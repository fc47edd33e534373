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

// Relay runs one outbox relay cycle
type Relay interface {
	Relay(ctx context.Context) (*service.RelayReport, error)
}

// RelayJob redelivers queued intents on a cron schedule.
type RelayJob struct {
	relay    Relay
	schedule string
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger
}

// NewRelayJob creates a new relay job
func NewRelayJob(relay Relay, schedule string) (*RelayJob, error) {
	logger := util.GetLogger().With(zap.String("component", "relay_job"))

	ctx, cancel := context.WithCancel(context.Background())
	j := &RelayJob{
		relay:    relay,
		schedule: schedule,
		cron:     newCron(logger),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}

	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid relay schedule %q: %w", schedule, err)
	}
	return j, nil
}

func (j *RelayJob) run() {
	if _, err := j.relay.Relay(j.ctx); err != nil && !errors.Is(err, context.Canceled) {
		j.logger.Error("Outbox relay failed", zap.Error(err))
	}
}

// Start begins relaying on schedule
func (j *RelayJob) Start() {
	j.cron.Start()
	j.logger.Info("Relay job started", zap.String("schedule", j.schedule))
}

// Stop cancels a running cycle and waits for it to return
func (j *RelayJob) Stop() {
	j.cancel()
	<-j.cron.Stop().Done()
	j.logger.Info("Relay job stopped")
}
