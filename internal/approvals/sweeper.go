package approvals

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultSweepSchedule = "@every 15s"

// Sweeper fires the approval timeout check on a cron schedule. The check is
// the only way a pending plan expires without a decision.
type Sweeper struct {
	Gate     *Gate
	Schedule string
	Now      func() time.Time
	OnSweep  func(expired int)
}

func NewSweeper(gate *Gate, schedule string) *Sweeper {
	return &Sweeper{Gate: gate, Schedule: schedule, Now: time.Now}
}

func (s *Sweeper) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.Gate == nil {
		return errors.New("gate required")
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	spec := s.Schedule
	if spec == "" {
		spec = DefaultSweepSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return err
	}
	s.sweepOnce(ctx)
	for {
		now := s.Now()
		next := schedule.Next(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	n, err := s.Gate.ExpireDue(ctx)
	if err != nil {
		slog.Error("approval sweep", "error", err, "expired", n)
	} else if n > 0 {
		slog.Info("approval sweep", "expired", n)
	}
	if s.OnSweep != nil {
		s.OnSweep(n)
	}
}
