package history

import (
	"context"
	"database/sql"
	"log/slog"
)

// Log records runs for the execution path. Failures are logged and
// swallowed, history never blocks a chunk.
type Log struct {
	DB *sql.DB
}

// Started returns the id of the new run, or empty string on failure.
func (l Log) Started(ctx context.Context, run Run) string {
	id, err := Start(ctx, l.DB, run)
	if err != nil {
		slog.WarnContext(ctx, "history: recording run start", "error", err)
		return ""
	}
	return id
}

func (l Log) Finished(ctx context.Context, id string, exitStatus int) {
	if id == "" {
		return
	}
	if err := FinishOK(ctx, l.DB, id, exitStatus); err != nil {
		slog.WarnContext(ctx, "history: recording run exit", "uuid", id, "error", err)
	}
}

func (l Log) Failed(ctx context.Context, id, reason string) {
	if id == "" {
		return
	}
	if err := FinishErr(ctx, l.DB, id, reason); err != nil {
		slog.WarnContext(ctx, "history: recording run failure", "uuid", id, "error", err)
	}
}
