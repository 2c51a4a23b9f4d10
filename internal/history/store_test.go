package history_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/CZERTAINLY/nbexec/internal/history"
	"github.com/CZERTAINLY/nbexec/internal/model"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := history.InitDB(t.Context(), filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestStartFinish(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := newDB(t)

	id, err := history.Start(ctx, db, history.Run{
		DocID:     "doc",
		ChunkID:   "c1",
		ContextID: "ctx",
		Command:   "Rscript -f /tmp/chunk-code1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	row, err := history.Get(ctx, db, id)
	require.NoError(t, err)
	require.True(t, row.InProgress)
	require.Equal(t, "doc", row.DocID)
	require.Equal(t, "c1", row.ChunkID)
	require.Equal(t, "Rscript -f /tmp/chunk-code1", row.Command)
	require.Nil(t, row.ExitStatus)
	require.Nil(t, row.Finished)
	require.Contains(t, row.String(), "in_progress: true")

	require.NoError(t, history.FinishOK(ctx, db, id, 3))
	row, err = history.Get(ctx, db, id)
	require.NoError(t, err)
	require.False(t, row.InProgress)
	require.NotNil(t, row.ExitStatus)
	require.Equal(t, 3, *row.ExitStatus)
	require.NotNil(t, row.Finished)

	require.ErrorIs(t, history.FinishOK(ctx, db, id, 0), history.ErrAlreadyFinished)
	require.ErrorIs(t, history.FinishErr(ctx, db, id, "x"), history.ErrAlreadyFinished)
}

func TestFinishErr(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := newDB(t)

	id, err := history.Start(ctx, db, history.Run{DocID: "doc", ChunkID: "c1"})
	require.NoError(t, err)
	require.NoError(t, history.FinishErr(ctx, db, id, "exec: not found"))

	row, err := history.Get(ctx, db, id)
	require.NoError(t, err)
	require.False(t, row.InProgress)
	require.NotNil(t, row.FailureReason)
	require.Equal(t, "exec: not found", *row.FailureReason)
	require.Nil(t, row.ExitStatus)
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := newDB(t)

	_, err := history.Get(ctx, db, "missing")
	require.ErrorIs(t, err, history.ErrNotFound)
	require.ErrorIs(t, history.FinishOK(ctx, db, "missing", 0), history.ErrNotFound)
	require.ErrorIs(t, history.FinishErr(ctx, db, "missing", "x"), history.ErrNotFound)
	require.ErrorIs(t, history.Delete(ctx, db, "missing"), history.ErrNotFound)
}

func TestListDeletePrune(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := newDB(t)

	old := time.Now().Add(-48 * time.Hour)
	oldID, err := history.Start(ctx, db, history.Run{DocID: "doc", ChunkID: "c1", Started: old})
	require.NoError(t, err)
	require.NoError(t, history.FinishOK(ctx, db, oldID, 0))
	runningID, err := history.Start(ctx, db, history.Run{DocID: "doc", ChunkID: "c1", Started: old.Add(time.Minute)})
	require.NoError(t, err)
	newID, err := history.Start(ctx, db, history.Run{DocID: "doc", ChunkID: "c1"})
	require.NoError(t, err)
	_, err = history.Start(ctx, db, history.Run{DocID: "doc", ChunkID: "c2"})
	require.NoError(t, err)

	rows, err := history.List(ctx, db, "doc", "c1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, newID, rows[0].UUID)
	require.Equal(t, oldID, rows[2].UUID)

	rows, err = history.List(ctx, db, "doc", "c1", 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	n, err := history.Prune(ctx, db, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	_, err = history.Get(ctx, db, oldID)
	require.ErrorIs(t, err, history.ErrNotFound)
	_, err = history.Get(ctx, db, runningID)
	require.NoError(t, err)

	require.NoError(t, history.Delete(ctx, db, newID))
	rows, err = history.List(ctx, db, "doc", "c1", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestLog(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := newDB(t)
	l := history.Log{DB: db}

	id := l.Started(ctx, history.Run{DocID: "doc", ChunkID: "c1"})
	require.NotEmpty(t, id)
	l.Finished(ctx, id, 1)
	// second finish is only logged
	l.Failed(ctx, id, "late")
	l.Finished(ctx, "", 0)

	row, err := history.Get(ctx, db, id)
	require.NoError(t, err)
	require.Equal(t, 1, *row.ExitStatus)
	require.Nil(t, row.FailureReason)
}

func TestNewJanitor(t *testing.T) {
	t.Parallel()
	db := newDB(t)

	s, err := history.NewJanitor(context.Background(), db, model.History{
		Retention: "1d",
		Prune:     &model.Schedule{Duration: "PT1H"},
	})
	require.NoError(t, err)
	require.Len(t, s.Jobs(), 1)
	require.NoError(t, s.Shutdown())

	s, err = history.NewJanitor(context.Background(), db, model.History{
		Retention: "7d",
		Prune:     &model.Schedule{Cron: "@daily"},
	})
	require.NoError(t, err)
	require.NoError(t, s.Shutdown())

	_, err = history.NewJanitor(context.Background(), db, model.History{Retention: "1d"})
	require.Error(t, err)
	_, err = history.NewJanitor(context.Background(), db, model.History{Retention: "bad", Prune: &model.Schedule{Cron: "@daily"}})
	require.Error(t, err)
	_, err = history.NewJanitor(context.Background(), db, model.History{Retention: "1d", Prune: &model.Schedule{}})
	require.ErrorIs(t, err, model.ErrEmptySchedule)
}

func TestPruneOnce(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	db := newDB(t)

	id, err := history.Start(ctx, db, history.Run{DocID: "doc", ChunkID: "c1", Started: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.NoError(t, history.FinishOK(ctx, db, id, 0))

	history.PruneOnce(ctx, db, time.Minute)
	_, err = history.Get(ctx, db, id)
	require.ErrorIs(t, err, history.ErrNotFound)
}
