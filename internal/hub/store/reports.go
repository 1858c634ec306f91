package store

import (
	"context"
	"database/sql"
	"time"
)

// InsertReportParams carries one shard result row.
type InsertReportParams struct {
	ShardID  string
	ServerID string
	UserID   string
	Success  int
	Fail     int
	Credits  float64
	Detail   []byte
}

// InsertReport inserts a report row, relying on the shard_id UNIQUE
// constraint as the idempotency anchor. Returns false when a report
// for the shard already exists (this delivery lost the race).
func (q *Queries) InsertReport(ctx context.Context, p InsertReportParams) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`INSERT INTO reports (shard_id, server_id, user_id, success, fail, sent, credits, detail, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(shard_id) DO NOTHING`,
		p.ShardID, p.ServerID, p.UserID, p.Success, p.Fail, p.Success+p.Fail, p.Credits, p.Detail, fmtTime(time.Now()),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// GetReportByShard returns the report for a shard, if any.
func (q *Queries) GetReportByShard(ctx context.Context, shardID string) (Report, error) {
	var r Report
	var serverID sql.NullString
	var ts string
	err := q.db.QueryRowContext(ctx,
		`SELECT id, shard_id, server_id, user_id, success, fail, sent, credits, detail, ts
		 FROM reports WHERE shard_id = ?`,
		shardID,
	).Scan(&r.ID, &r.ShardID, &serverID, &r.UserID, &r.Success, &r.Fail, &r.Sent, &r.Credits, &r.Detail, &ts)
	if err != nil {
		return Report{}, err
	}
	r.ServerID = serverID.String
	r.TS = parseTime(ts)
	return r, nil
}

// TaskResultSums sums the report counters for all shards of a task.
func (q *Queries) TaskResultSums(ctx context.Context, taskID string) (ResultSums, error) {
	var s ResultSums
	err := q.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(r.success), 0), COALESCE(SUM(r.fail), 0), COALESCE(SUM(r.sent), 0)
		 FROM reports r JOIN shards s ON s.shard_id = r.shard_id
		 WHERE s.task_id = ?`,
		taskID,
	).Scan(&s.Success, &s.Fail, &s.Sent)
	return s, err
}
