package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/nbexec/internal/model"
)

// NewJanitor returns a scheduler pruning runs older than the configured
// retention. The caller starts and shuts it down.
func NewJanitor(ctx context.Context, db *sql.DB, cfg model.History) (gocron.Scheduler, error) {
	if cfg.Prune == nil {
		return nil, errors.New("history.prune is nil")
	}
	retention, err := model.ParseRetention(cfg.Retention)
	if err != nil {
		return nil, fmt.Errorf("parsing history.retention: %w", err)
	}

	sched := *cfg.Prune
	var job gocron.JobDefinition
	switch {
	case sched.Cron != "":
		if _, err := model.ParseCron(sched.Cron); err != nil {
			return nil, fmt.Errorf("parsing history.prune.cron: %w", err)
		}
		job = gocron.CronJob(sched.Cron, false)
	case sched.Duration != "":
		d, err := model.ParseISODuration(sched.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing history.prune.duration: %w", err)
		}
		job = gocron.DurationJob(d)
	default:
		return nil, model.ErrEmptySchedule
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(func() {
			PruneOnce(ctx, db, retention)
		}),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

// PruneOnce deletes finished runs older than retention.
func PruneOnce(ctx context.Context, db *sql.DB, retention time.Duration) {
	n, err := Prune(ctx, db, time.Now().Add(-retention))
	if err != nil {
		slog.ErrorContext(ctx, "pruning history failed", "error", err)
		return
	}
	slog.DebugContext(ctx, "history pruned", "deleted", n)
}
