package store

import (
	"context"
	"database/sql"
	"time"
)

// CreateShard persists a new pending shard.
func (q *Queries) CreateShard(ctx context.Context, shardID, taskID, phonesJSON string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO shards (shard_id, task_id, phones, status, updated)
		 VALUES (?, ?, ?, ?, ?)`,
		shardID, taskID, phonesJSON, StatusPending, fmtTime(time.Now()),
	)
	return err
}

// GetShard looks up a shard by ID.
func (q *Queries) GetShard(ctx context.Context, shardID string) (Shard, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT shard_id, task_id, server_id, phones, status, attempts, locked_at, updated, result
		 FROM shards WHERE shard_id = ?`,
		shardID,
	)
	return scanShard(row.Scan)
}

// ListTaskShards returns all shards of a task ordered by creation.
func (q *Queries) ListTaskShards(ctx context.Context, taskID string) ([]Shard, error) {
	return q.listShards(ctx,
		`SELECT shard_id, task_id, server_id, phones, status, attempts, locked_at, updated, result
		 FROM shards WHERE task_id = ? ORDER BY rowid`,
		taskID,
	)
}

// ListPendingShards returns the pending shards of a task, ordered.
func (q *Queries) ListPendingShards(ctx context.Context, taskID string) ([]Shard, error) {
	return q.listShards(ctx,
		`SELECT shard_id, task_id, server_id, phones, status, attempts, locked_at, updated, result
		 FROM shards WHERE task_id = ? AND status = ? ORDER BY rowid`,
		taskID, StatusPending,
	)
}

func (q *Queries) listShards(ctx context.Context, query string, args ...any) ([]Shard, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Shard
	for rows.Next() {
		s, err := scanShard(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkShardRunning assigns a pending shard to a worker. The status
// guard keeps a shard from being claimed twice within one attempt.
// Returns false if the shard was not pending.
func (q *Queries) MarkShardRunning(ctx context.Context, shardID, serverID string) (bool, error) {
	now := fmtTime(time.Now())
	res, err := q.db.ExecContext(ctx,
		`UPDATE shards SET status = ?, server_id = ?, locked_at = ?, updated = ?
		 WHERE shard_id = ? AND status = ?`,
		StatusRunning, serverID, now, now, shardID, StatusPending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkShardDone finalizes a shard with its aggregate result.
func (q *Queries) MarkShardDone(ctx context.Context, shardID, resultJSON string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE shards SET status = ?, result = ?, updated = ? WHERE shard_id = ?`,
		StatusDone, resultJSON, fmtTime(time.Now()), shardID,
	)
	return err
}

// ReclaimStaleShards resets running shards locked before the cutoff
// back to pending, incrementing attempts and clearing the assignment.
// Returns the number of reclaimed shards.
func (q *Queries) ReclaimStaleShards(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`UPDATE shards SET status = ?, attempts = attempts + 1, server_id = NULL, locked_at = NULL, updated = ?
		 WHERE status = ? AND locked_at IS NOT NULL AND locked_at < ?`,
		StatusPending, fmtTime(time.Now()), StatusRunning, fmtTime(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// TaskShardCounts aggregates a task's shards by status.
func (q *Queries) TaskShardCounts(ctx context.Context, taskID string) (ShardCounts, error) {
	var c ShardCounts
	err := q.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status = 'pending'),
		   COUNT(*) FILTER (WHERE status = 'running'),
		   COUNT(*) FILTER (WHERE status = 'done'),
		   COUNT(*)
		 FROM shards WHERE task_id = ?`,
		taskID,
	).Scan(&c.Pending, &c.Running, &c.Done, &c.Total)
	return c, err
}

func scanShard(scan func(dest ...any) error) (Shard, error) {
	var s Shard
	var serverID, lockedAt, result sql.NullString
	var updated string
	err := scan(&s.ShardID, &s.TaskID, &serverID, &s.Phones, &s.Status, &s.Attempts, &lockedAt, &updated, &result)
	if err != nil {
		return Shard{}, err
	}
	s.ServerID = serverID.String
	s.LockedAt = parseTime(lockedAt.String)
	s.Updated = parseTime(updated)
	s.Result = result.String
	return s, nil
}
