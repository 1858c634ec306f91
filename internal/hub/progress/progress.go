// Package progress builds task_update payloads from the store. The
// same shape feeds live fan-out, subscribe-time snapshots, the status
// endpoint and the SSE stream.
package progress

import (
	"context"
	"fmt"

	"github.com/fleetsend/fleetsend/internal/hub/store"
)

// Shards mirrors store.ShardCounts in wire form.
type Shards struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Done    int `json:"done"`
	Total   int `json:"total"`
}

// Result mirrors store.ResultSums in wire form.
type Result struct {
	Success int `json:"success"`
	Fail    int `json:"fail"`
	Sent    int `json:"sent"`
}

// Update is the task_update event payload.
type Update struct {
	Type      string   `json:"type"`
	TaskID    string   `json:"task_id"`
	Status    string   `json:"status"`
	TraceID   string   `json:"trace_id,omitempty"`
	Shards    Shards   `json:"shards"`
	Result    Result   `json:"result"`
	Credits   *float64 `json:"credits,omitempty"`
	Completed bool     `json:"completed"`
	Snapshot  bool     `json:"is_snapshot,omitempty"`
}

// Snapshot reads a task's current progress from the store. Used both
// for live events after a commit and for the synthetic task_update a
// late subscriber receives.
func Snapshot(ctx context.Context, q *store.Queries, taskID string) (Update, error) {
	task, err := q.GetTask(ctx, taskID)
	if err != nil {
		return Update{}, fmt.Errorf("get task: %w", err)
	}
	counts, err := q.TaskShardCounts(ctx, taskID)
	if err != nil {
		return Update{}, fmt.Errorf("shard counts: %w", err)
	}
	sums, err := q.TaskResultSums(ctx, taskID)
	if err != nil {
		return Update{}, fmt.Errorf("result sums: %w", err)
	}

	return Update{
		Type:    "task_update",
		TaskID:  task.TaskID,
		Status:  task.Status,
		TraceID: task.TraceID,
		Shards: Shards{
			Pending: counts.Pending,
			Running: counts.Running,
			Done:    counts.Done,
			Total:   counts.Total,
		},
		Result: Result{
			Success: sums.Success,
			Fail:    sums.Fail,
			Sent:    sums.Sent,
		},
		Completed: task.Status == store.StatusDone,
	}, nil
}
