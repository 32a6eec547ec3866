package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"chargeline/internal/domain"
	"chargeline/internal/events"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrTerminal is returned when a completed/error task is asked to
// transition again. Task status only moves pending -> completed|error.
var ErrTerminal = errors.New("task already terminal")

const taskCols = `id,status,original_name,output_path,message,created_at,updated_at`

func scanTask(row *sql.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.Status, &t.OriginalName, &t.OutputPath, &t.Message, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
}

func (r Repo) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskCols+` FROM tasks ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(&t.ID, &t.Status, &t.OriginalName, &t.OutputPath, &t.Message, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// MarkCompleted transitions a pending task to completed and records the
// artifact path. The status guard in the WHERE clause keeps terminal
// states immutable.
func (r Repo) MarkCompleted(ctx context.Context, id, outputPath, message, now string) error {
	return r.finish(ctx, id, "completed", outputPath, message, now)
}

// MarkError transitions a pending task to error.
func (r Repo) MarkError(ctx context.Context, id, message, now string) error {
	return r.finish(ctx, id, "error", "", message, now)
}

func (r Repo) finish(ctx context.Context, id, status, outputPath, message, now string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, output_path=?, message=?, updated_at=? WHERE id=? AND status='pending'`,
		status, outputPath, message, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id=?`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrTerminal
	}
	w := events.Writer{DB: r.DB, Now: func() time.Time { return mustParseRFC3339(now) }}
	if err := w.Append(ctx, tx, "task."+status, id, events.EventPayload{"message": message}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateTask inserts the task and its creation event in one transaction.
func (r Repo) CreateTask(ctx context.Context, t domain.Task) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.Status, t.OriginalName, t.OutputPath, t.Message, t.CreatedAt, t.UpdatedAt); err != nil {
		return err
	}
	w := events.Writer{DB: r.DB, Now: func() time.Time { return mustParseRFC3339(t.CreatedAt) }}
	if err := w.Append(ctx, tx, "task.created", t.ID, events.EventPayload{"original_name": t.OriginalName}); err != nil {
		return err
	}
	return tx.Commit()
}

// LatestEvents returns events newest first, optionally filtered by task.
func (r Repo) LatestEvents(ctx context.Context, taskID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id,ts,type,COALESCE(task_id,''),payload_json FROM events`
	args := []any{}
	if taskID != "" {
		query += ` WHERE task_id=?`
		args = append(args, taskID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TaskID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// EventsAfter returns up to limit events with id greater than afterID,
// oldest first. Used by the webhook dispatcher cursor.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,COALESCE(task_id,''),payload_json FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`,
		afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TaskID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the newest event id, zero when there are none.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

func mustParseRFC3339(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Now()
	}
	return t
}
