package store

import (
	"context"
	"database/sql"
	"time"
)

// CreateTask persists a new task.
func (q *Queries) CreateTask(ctx context.Context, taskID, userID, message string, total int, status, traceID string) error {
	now := fmtTime(time.Now())
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO tasks (task_id, user_id, message, total, status, trace_id, created, updated)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		taskID, userID, message, total, status, traceID, now, now,
	)
	return err
}

// GetTask looks up a task by ID.
func (q *Queries) GetTask(ctx context.Context, taskID string) (Task, error) {
	var t Task
	var traceID sql.NullString
	var created, updated string
	err := q.db.QueryRowContext(ctx,
		`SELECT task_id, user_id, message, total, count, status, trace_id, created, updated
		 FROM tasks WHERE task_id = ?`,
		taskID,
	).Scan(&t.TaskID, &t.UserID, &t.Message, &t.Total, &t.Count, &t.Status, &traceID, &created, &updated)
	if err != nil {
		return Task{}, err
	}
	t.TraceID = traceID.String
	t.Created = parseTime(created)
	t.Updated = parseTime(updated)
	return t, nil
}

// SetTaskShardCount records how many shards the task was split into.
func (q *Queries) SetTaskShardCount(ctx context.Context, taskID string, count int) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET count = ?, updated = ? WHERE task_id = ?`,
		count, fmtTime(time.Now()), taskID,
	)
	return err
}

// MarkTaskRunning advances a pending task to running. The status guard
// keeps the pending -> running -> done order monotonic.
func (q *Queries) MarkTaskRunning(ctx context.Context, taskID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated = ? WHERE task_id = ? AND status = ?`,
		StatusRunning, fmtTime(time.Now()), taskID, StatusPending,
	)
	return err
}

// MarkTaskDone advances a task to done. Idempotent; never regresses.
func (q *Queries) MarkTaskDone(ctx context.Context, taskID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated = ? WHERE task_id = ? AND status != ?`,
		StatusDone, fmtTime(time.Now()), taskID, StatusDone,
	)
	return err
}
