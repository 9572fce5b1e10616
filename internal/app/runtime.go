package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/porterhq/porter/internal/log"
)

// sweepTimeout bounds one retention sweep.
const sweepTimeout = 5 * time.Minute

// idleDeleter is the store surface the sweeper needs.
// *conversation.Store satisfies it.
type idleDeleter interface {
	DeleteIdleBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// retention deletes idle conversations on a cron schedule. Token records
// are never touched; the ledger is permanent by design.
type retention struct {
	sched  cron.Schedule
	maxAge time.Duration
	store  idleDeleter
	logger log.Logger
	now    func() time.Time
}

// newRetention parses the 5-field cron schedule. A zero maxAge or an empty
// schedule disables the sweeper and returns nil.
func newRetention(schedule string, maxAge time.Duration, store idleDeleter, logger log.Logger) (*retention, error) {
	if maxAge <= 0 || schedule == "" {
		return nil, nil
	}
	if store == nil {
		return nil, errors.New("app: retention needs a store")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing retention schedule %q: %w", schedule, err)
	}
	return &retention{
		sched:  sched,
		maxAge: maxAge,
		store:  store,
		logger: log.Or(logger),
		now:    time.Now,
	}, nil
}

// run sleeps until each scheduled fire time, sweeps, and repeats until ctx
// is cancelled.
func (r *retention) run(ctx context.Context) {
	for {
		next := r.sched.Next(r.now())
		timer := time.NewTimer(next.Sub(r.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		r.sweepOnce(ctx)
	}
}

func (r *retention) sweepOnce(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	cutoff := r.now().Add(-r.maxAge)
	deleted, err := r.store.DeleteIdleBefore(sweepCtx, cutoff)
	if err != nil {
		r.logger.Error("retention sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		r.logger.Info("retention sweep done",
			"deleted", deleted,
			"cutoff", cutoff,
		)
	}
}

// StartRetention launches the retention sweeper on the app's background
// context. A zero max age or empty schedule disables it; an unparsable
// schedule is an error.
func (a *App) StartRetention() error {
	maxAge := time.Duration(a.Config.Retention.MaxAgeHours) * time.Hour
	r, err := newRetention(a.Config.Retention.Schedule, maxAge, a.Conversations, a.Logger)
	if err != nil {
		return err
	}
	if r == nil {
		a.Logger.Debug("retention sweep disabled")
		return nil
	}

	a.wg.Add(1)
	go func(wg *sync.WaitGroup) {
		defer wg.Done()
		r.run(a.background)
	}(&a.wg)

	a.Logger.Info("retention sweep scheduled",
		"schedule", a.Config.Retention.Schedule,
		"max_age", maxAge,
	)
	return nil
}
