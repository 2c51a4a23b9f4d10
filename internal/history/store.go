// Package history keeps a sqlite log of chunk runs.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type Run struct {
	UUID          string     `json:"uuid"`
	DocID         string     `json:"doc_id"`
	ChunkID       string     `json:"chunk_id"`
	ContextID     string     `json:"context_id"`
	Command       string     `json:"command"`
	Started       time.Time  `json:"started"`
	Finished      *time.Time `json:"finished,omitempty"`
	InProgress    bool       `json:"in_progress"`
	ExitStatus    *int       `json:"exit_status,omitempty"`
	FailureReason *string    `json:"failure_reason,omitempty"`
}

type RunRow struct {
	Run
	ID int `json:"id"`
}

func (r RunRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "uuid: %q, chunk: %q, in_progress: %t", r.UUID, r.DocID+"-"+r.ChunkID, r.InProgress)
	if r.ExitStatus != nil {
		fmt.Fprintf(&sb, ", exit_status: %d", *r.ExitStatus)
	} else {
		sb.WriteString(", exit_status: nil")
	}
	if r.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *r.FailureReason)
	} else {
		sb.WriteString(", failure_reason: nil")
	}
	return sb.String()
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			doc_id TEXT NOT NULL,
			chunk_id TEXT NOT NULL,
			context_id TEXT NOT NULL,
			command TEXT NOT NULL,
			started INTEGER NOT NULL,
			finished INTEGER DEFAULT NULL,
			in_progress BOOLEAN NOT NULL,
			exit_status INTEGER DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	_, err = db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS runs_chunk ON runs (doc_id, chunk_id, started)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, what string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "tx.Rollback() failed", "op", what, "error", err)
	}
}

// Start persists a new run in progress and returns its uuid. Empty
// run.UUID gets a random one.
func Start(ctx context.Context, db *sql.DB, run Run) (string, error) {
	if run.UUID == "" {
		run.UUID = uuid.NewString()
	}
	if run.Started.IsZero() {
		run.Started = time.Now().UTC()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (uuid, doc_id, chunk_id, context_id, command, started, in_progress)
		 VALUES (?,?,?,?,?,?,?);`,
		run.UUID, run.DocID, run.ChunkID, run.ContextID, run.Command, run.Started.UnixMilli(), true,
	)
	if err != nil {
		return "", fmt.Errorf("executing sql insert failed: %w", err)
	}
	return run.UUID, nil
}

const selectRun = `SELECT id, uuid, doc_id, chunk_id, context_id, command, started, finished,
	in_progress, exit_status, failure_reason FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunRow, error) {
	var row RunRow
	var started int64
	var finished *int64
	err := s.Scan(
		&row.ID,
		&row.UUID,
		&row.DocID,
		&row.ChunkID,
		&row.ContextID,
		&row.Command,
		&started,
		&finished,
		&row.InProgress,
		&row.ExitStatus,
		&row.FailureReason,
	)
	if err != nil {
		return RunRow{}, err
	}
	row.Started = time.UnixMilli(started).UTC()
	if finished != nil {
		t := time.UnixMilli(*finished).UTC()
		row.Finished = &t
	}
	return row, nil
}

// Get returns the run identified by 'uuid' or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, uuid string) (RunRow, error) {
	row, err := scanRun(db.QueryRowContext(ctx, selectRun+` WHERE uuid=?`, uuid))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, ErrNotFound
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return row, nil
}

// List returns runs of a chunk, newest first. limit <= 0 means all.
func List(ctx context.Context, db *sql.DB, docID, chunkID string, limit int) ([]RunRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		selectRun+` WHERE doc_id=? AND chunk_id=? ORDER BY started DESC, id DESC LIMIT ?`,
		docID, chunkID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []RunRow
	for rows.Next() {
		row, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		ret = append(ret, row)
	}
	return ret, rows.Err()
}

// FinishOK stores the exit status of the run identified by 'uuid'. It
// returns ErrAlreadyFinished if the run was finished before.
func FinishOK(ctx context.Context, db *sql.DB, uuid string, exitStatus int) error {
	return finish(ctx, db, uuid, "FinishOK",
		`UPDATE runs SET in_progress = false, finished = ?, exit_status = ? WHERE uuid = ?;`,
		time.Now().UTC().UnixMilli(), exitStatus, uuid,
	)
}

// FinishErr stores the reason the run identified by 'uuid' failed.
func FinishErr(ctx context.Context, db *sql.DB, uuid, reason string) error {
	return finish(ctx, db, uuid, "FinishErr",
		`UPDATE runs SET in_progress = false, finished = ?, failure_reason = ? WHERE uuid = ?;`,
		time.Now().UTC().UnixMilli(), reason, uuid,
	)
}

func finish(ctx context.Context, db *sql.DB, uuid, op, query string, args ...any) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, op)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func Delete(ctx context.Context, db *sql.DB, uuid string) error {
	result, err := db.ExecContext(ctx, `DELETE FROM runs WHERE uuid=?`, uuid)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

// Prune deletes finished runs started before 'before' and returns how
// many were removed. Runs in progress are kept.
func Prune(ctx context.Context, db *sql.DB, before time.Time) (int64, error) {
	result, err := db.ExecContext(ctx,
		`DELETE FROM runs WHERE in_progress = false AND started < ?`, before.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("executing sql delete failed: %w", err)
	}
	return result.RowsAffected()
}
