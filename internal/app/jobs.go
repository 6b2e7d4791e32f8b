package app

import (
	"context"
	"fmt"

	"github.com/ehr/telehealth/internal/platform/db"
	"github.com/ehr/telehealth/internal/platform/scheduling"
)

// Background sweep names, also accepted by `telehealth-server sweep`.
const (
	JobWaitingRoomTimeouts = "timeouts"
	JobNoShows             = "no-shows"
)

func orDefault(spec, def string) string {
	if spec == "" {
		return def
	}
	return spec
}

func (a *App) registerJobs() error {
	timeouts := orDefault(a.Config.TimeoutSweepSchedule, "@every 1m")
	if err := a.Scheduler.AddJob(JobWaitingRoomTimeouts, timeouts, a.tenantScoped(a.WaitingRoom.ProcessTimeouts)); err != nil {
		return fmt.Errorf("register %s sweep: %w", JobWaitingRoomTimeouts, err)
	}
	noShows := orDefault(a.Config.NoShowSweepSchedule, "@every 5m")
	if err := a.Scheduler.AddJob(JobNoShows, noShows, a.tenantScoped(a.Telehealth.ProcessNoShows)); err != nil {
		return fmt.Errorf("register %s sweep: %w", JobNoShows, err)
	}
	return nil
}

// tenantScoped runs fn against the default tenant's schema when backed by
// Postgres. In memory there is nothing to scope.
func (a *App) tenantScoped(fn scheduling.JobFunc) scheduling.JobFunc {
	if a.Pool == nil {
		return fn
	}
	return func(ctx context.Context) (int, error) {
		var n int
		err := db.RunAsTenant(ctx, a.Pool, a.Config.DefaultTenant, func(ctx context.Context) error {
			var err error
			n, err = fn(ctx)
			return err
		})
		return n, err
	}
}

// Sweep runs one background job immediately and reports how many records it
// touched.
func (a *App) Sweep(ctx context.Context, name string) (int, error) {
	return a.Scheduler.RunNow(ctx, name)
}
