// Package dispatch splits tasks into shards and pushes them to ready
// workers round-robin over their control channels.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetsend/fleetsend/internal/hub/cache"
	"github.com/fleetsend/fleetsend/internal/hub/id"
	"github.com/fleetsend/fleetsend/internal/hub/store"
	"github.com/fleetsend/fleetsend/internal/hub/workerhub"
	"github.com/fleetsend/fleetsend/internal/metrics"
)

// reclaimLease paces the stale-shard sweep across triggers.
const reclaimLease = "shard_reclaim"

// Options tunes the dispatcher.
type Options struct {
	DefaultShardSize int
	DispatchTimeout  time.Duration // overall parallel-push bound
	StaleAfter       time.Duration // running shard lock age before reclaim
	ReclaimInterval  time.Duration // periodic sweep cadence
}

// Dispatcher creates shards and pushes them to workers.
type Dispatcher struct {
	queries *store.Queries
	cache   cache.Cache
	manager *workerhub.Manager
	opts    Options
	logger  *slog.Logger
}

// New creates a Dispatcher.
func New(q *store.Queries, c cache.Cache, m *workerhub.Manager, opts Options) *Dispatcher {
	return &Dispatcher{
		queries: q,
		cache:   c,
		manager: m,
		opts:    opts,
		logger:  slog.With("component", "dispatch"),
	}
}

// ShardSize computes the shard size for n phones given the override
// and the current ready-worker count.
func ShardSize(n, override, readyWorkers, defaultSize int) int {
	switch {
	case override > 0:
		return override
	case readyWorkers > 0 && n <= readyWorkers:
		return 1
	case readyWorkers > 0:
		return (n + readyWorkers - 1) / readyWorkers
	default:
		return defaultSize
	}
}

// CreateTask persists the task and returns immediately; shard creation
// and dispatch run in the background. A task with no phones completes
// on creation so it cannot linger pending forever.
func (d *Dispatcher) CreateTask(ctx context.Context, userID, message string, numbers []string, overrideSize int, traceID string) (string, int, error) {
	ready := d.cache.OnlineWorkers(ctx, true)
	size := ShardSize(len(numbers), overrideSize, len(ready), d.opts.DefaultShardSize)

	taskID := id.Task()
	status := store.StatusPending
	if len(numbers) == 0 {
		status = store.StatusDone
	}
	if err := d.queries.CreateTask(ctx, taskID, userID, message, len(numbers), status, traceID); err != nil {
		return "", 0, fmt.Errorf("create task: %w", err)
	}
	metrics.TasksCreatedTotal.Inc()

	expected := 0
	if len(numbers) > 0 {
		expected = (len(numbers) + size - 1) / size
		go d.createAndDispatch(taskID, numbers, size)
	}
	return taskID, expected, nil
}

// createAndDispatch runs after the HTTP response has been written.
func (d *Dispatcher) createAndDispatch(taskID string, numbers []string, size int) {
	ctx := context.Background()

	// Opportunistic sweep so previously stuck shards become eligible
	// alongside the new ones.
	d.ReclaimStale(ctx)

	count := 0
	for start := 0; start < len(numbers); start += size {
		end := start + size
		if end > len(numbers) {
			end = len(numbers)
		}
		phones, err := json.Marshal(numbers[start:end])
		if err != nil {
			d.logger.Error("marshal phones", "task_id", taskID, "error", err)
			return
		}
		if err := d.queries.CreateShard(ctx, id.Shard(), taskID, string(phones)); err != nil {
			d.logger.Error("create shard", "task_id", taskID, "error", err)
			return
		}
		count++
	}
	if err := d.queries.SetTaskShardCount(ctx, taskID, count); err != nil {
		d.logger.Error("set shard count", "task_id", taskID, "error", err)
	}

	pushed, err := d.Dispatch(ctx, taskID)
	if err != nil {
		d.logger.Error("dispatch", "task_id", taskID, "error", err)
		return
	}
	if pushed > 0 {
		if err := d.queries.MarkTaskRunning(ctx, taskID); err != nil {
			d.logger.Error("mark task running", "task_id", taskID, "error", err)
		}
	}
}

// Dispatch pushes the task's pending shards to ready workers,
// round-robin over the sorted worker set. Pushes run in parallel; a
// failed push rolls the worker's load increment back and leaves the
// shard pending. Returns how many shards were pushed.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string) (int, error) {
	task, err := d.queries.GetTask(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("get task: %w", err)
	}
	shards, err := d.queries.ListPendingShards(ctx, taskID)
	if err != nil {
		return 0, fmt.Errorf("list pending shards: %w", err)
	}
	if len(shards) == 0 {
		return 0, nil
	}

	// Ready per the cache AND holding a live channel.
	var workers []string
	for _, w := range d.cache.OnlineWorkers(ctx, true) {
		if d.manager.IsOnline(w) {
			workers = append(workers, w)
		}
	}
	if len(workers) == 0 {
		d.logger.Info("no ready workers, task stays pending", "task_id", taskID)
		return 0, nil
	}

	var pushed atomic.Int64
	var wg sync.WaitGroup
	for i, shard := range shards {
		worker := workers[i%len(workers)]
		wg.Add(1)
		go func(shard store.Shard, worker string) {
			defer wg.Done()
			if d.pushShard(ctx, task, shard, worker) {
				pushed.Add(1)
			}
		}(shard, worker)
	}

	// Individual sends are already bounded; this is the overall cap
	// on the burst, after which stragglers no longer count.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.opts.DispatchTimeout):
		d.logger.Warn("dispatch burst exceeded overall timeout", "task_id", taskID)
	}

	return int(pushed.Load()), nil
}

// pushShard attempts one shard push. The load counter is incremented
// before the send and rolled back on any failure, so a counter stays
// raised only for pushes that actually landed.
func (d *Dispatcher) pushShard(ctx context.Context, task store.Task, shard store.Shard, worker string) bool {
	d.cache.IncrLoad(ctx, worker, 1)

	sendErr := func() error {
		conn := d.manager.Get(worker)
		if conn == nil {
			return errors.New("worker channel gone")
		}
		var phones []string
		if err := json.Unmarshal([]byte(shard.Phones), &phones); err != nil {
			return fmt.Errorf("decode phones: %w", err)
		}
		return conn.Send(workerhub.ShardRunFrame(workerhub.ShardPayload{
			ShardID: shard.ShardID,
			TaskID:  task.TaskID,
			UserID:  task.UserID,
			Phones:  phones,
			Message: task.Message,
			TraceID: task.TraceID,
		}))
	}()
	if sendErr != nil {
		d.cache.DecrLoad(ctx, worker, 1)
		metrics.ShardPushFailuresTotal.Inc()
		d.logger.Warn("shard push failed", "shard_id", shard.ShardID, "worker", worker, "error", sendErr)
		return false
	}

	claimed, err := d.queries.MarkShardRunning(ctx, shard.ShardID, worker)
	if err != nil || !claimed {
		d.cache.DecrLoad(ctx, worker, 1)
		if err != nil {
			d.logger.Error("mark shard running", "shard_id", shard.ShardID, "error", err)
		}
		return false
	}
	metrics.ShardsPushedTotal.Inc()
	return true
}

// Reassign re-dispatches a task's pending shards, reclaiming stale
// ones first. The explicit recovery path for tasks created while no
// worker was ready.
func (d *Dispatcher) Reassign(ctx context.Context, taskID string) (int, error) {
	d.ReclaimStale(ctx)
	pushed, err := d.Dispatch(ctx, taskID)
	if err != nil {
		return 0, err
	}
	if pushed > 0 {
		if err := d.queries.MarkTaskRunning(ctx, taskID); err != nil {
			return pushed, err
		}
	}
	return pushed, nil
}

// ReclaimStale resets running shards whose lock is older than the
// stale threshold back to pending. A short lease paces the sweep when
// several triggers race; the lease is left to expire on its own.
func (d *Dispatcher) ReclaimStale(ctx context.Context) int64 {
	if !d.cache.AcquireLease(ctx, reclaimLease, 30*time.Second) {
		return 0
	}
	n, err := d.queries.ReclaimStaleShards(ctx, time.Now().Add(-d.opts.StaleAfter))
	if err != nil {
		d.logger.Error("reclaim stale shards", "error", err)
		return 0
	}
	if n > 0 {
		metrics.StaleShardsReclaimedTotal.Add(float64(n))
		d.logger.Info("reclaimed stale shards", "count", n)
	}
	return n
}

// Run drives the periodic reclaim sweep until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.opts.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.ReclaimStale(ctx)
		case <-ctx.Done():
			return
		}
	}
}
