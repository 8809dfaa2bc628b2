package drift

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/skyforge-cloud/deployctl/internal/deployment"
	"github.com/skyforge-cloud/deployctl/internal/deploystate"
)

// Scheduler periodically re-checks drift for every deployment sitting in
// StateDeployed. schedule accepts either a Go duration ("1h") or a
// standard five-field cron expression.
type Scheduler struct {
	deployments deployment.Repository
	detector    Detector
	schedule    cron.Schedule
	logger      *zap.Logger
}

// NewScheduler parses schedule and returns a Scheduler, or an error if
// schedule is neither a valid duration nor a valid cron expression.
func NewScheduler(deployments deployment.Repository, detector Detector, schedule string, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sched, err := parseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	return &Scheduler{deployments: deployments, detector: detector, schedule: sched, logger: logger}, nil
}

func parseSchedule(schedule string) (cron.Schedule, error) {
	if d, err := time.ParseDuration(schedule); err == nil && d > 0 {
		return constantDelaySchedule{d}, nil
	}
	return cron.ParseStandard(schedule)
}

type constantDelaySchedule struct{ interval time.Duration }

func (c constantDelaySchedule) Next(t time.Time) time.Time { return t.Add(c.interval) }

// Run blocks, invoking a sweep every time schedule next fires, until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	next := s.schedule.Next(time.Now().UTC())
	for {
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.sweep(ctx)
			next = s.schedule.Next(time.Now().UTC())
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	deployed, err := s.deployments.List(ctx, deployment.Filter{Status: string(deploystate.StateDeployed)})
	if err != nil {
		s.logger.Warn("drift sweep: list deployed deployments", zap.Error(err))
		return
	}
	for _, dep := range deployed {
		snapshot, err := s.detector.Detect(ctx, dep.ResourceInventory)
		if err != nil {
			s.logger.Warn("drift sweep: detect", zap.String("deployment_id", dep.ID), zap.Error(err))
			continue
		}
		if err := s.deployments.UpdateDrift(ctx, dep.ID, snapshot); err != nil {
			s.logger.Warn("drift sweep: persist result", zap.String("deployment_id", dep.ID), zap.Error(err))
		}
	}
}
