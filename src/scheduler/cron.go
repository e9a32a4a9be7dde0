package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

var (
	cronParser  = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	defaultSpec = "*/30 * * * *"
)

// Sweeper removes staging runs older than maxAge.
type Sweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

// Janitor periodically sweeps abandoned staging runs left by crashed processes.
type Janitor struct {
	mu       sync.Mutex
	runner   *cron.Cron
	sweeper  Sweeper
	schedule string
	maxAge   time.Duration
	logger   *logrus.Logger
}

// StartStagingJanitor validates the schedule and starts the sweep job.
func StartStagingJanitor(sweeper Sweeper, schedule string, maxAge time.Duration, logger *logrus.Logger) (*Janitor, error) {
	if sweeper == nil {
		return nil, fmt.Errorf("staging sweeper is required")
	}
	if maxAge <= 0 {
		return nil, fmt.Errorf("staging max age must be positive")
	}
	if logger == nil {
		logger = logrus.New()
	}

	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = defaultSpec
	}
	if _, err := cronParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid janitor schedule: %w", err)
	}

	j := &Janitor{
		runner:   cron.New(cron.WithParser(cronParser)),
		sweeper:  sweeper,
		schedule: schedule,
		maxAge:   maxAge,
		logger:   logger,
	}

	if _, err := j.runner.AddFunc(schedule, j.RunOnce); err != nil {
		return nil, fmt.Errorf("register janitor job: %w", err)
	}
	j.runner.Start()

	logger.WithFields(logrus.Fields{
		"schedule": schedule,
		"max_age":  maxAge.String(),
	}).Info("staging janitor started")
	return j, nil
}

// RunOnce sweeps immediately. Overlapping runs are skipped.
func (j *Janitor) RunOnce() {
	if !j.mu.TryLock() {
		j.logger.Debug("staging janitor: previous sweep still running")
		return
	}
	defer j.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	removed, err := j.sweeper.Sweep(ctx, j.maxAge)
	if err != nil {
		j.logger.WithError(err).Error("staging janitor: sweep failed")
		return
	}
	if removed > 0 {
		j.logger.WithField("removed", removed).Info("staging janitor: removed stale runs")
	}
}

// Stop stops the schedule and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	ctx := j.runner.Stop()
	<-ctx.Done()
}
