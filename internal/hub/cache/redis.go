package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

const (
	onlineSetKey = "online_workers"

	reconnectCooldown = 15 * time.Second
	reconnectAttempts = 5
	opTimeout         = 3 * time.Second
)

// Redis is the shared Cache implementation. On any connectivity
// failure it flips to an embedded Memory peer and keeps serving;
// reconnect attempts run in the background, cooldown-bounded. After
// the attempt budget is exhausted it stays in memory mode.
type Redis struct {
	client      *redis.Client
	fallback    *Memory
	presenceTTL time.Duration
	logger      *slog.Logger

	degraded     atomic.Bool
	reconnecting atomic.Bool
}

// NewRedis connects to the given redis URL. A failed initial ping does
// not fail construction; the cache starts degraded and tries to
// reconnect in the background.
func NewRedis(url string, presenceTTL time.Duration) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if presenceTTL <= 0 {
		presenceTTL = DefaultPresenceTTL
	}
	r := &Redis{
		client:      redis.NewClient(opt),
		fallback:    NewMemory(presenceTTL),
		presenceTTL: presenceTTL,
		logger:      slog.With("component", "cache"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		r.fail(err)
	}
	return r, nil
}

// fail records a connectivity error and starts the reconnect loop.
func (r *Redis) fail(err error) {
	if r.degraded.CompareAndSwap(false, true) {
		r.logger.Warn("redis unavailable, switching to memory mode", "error", err)
	}
	if r.reconnecting.CompareAndSwap(false, true) {
		go r.reconnectLoop()
	}
}

func (r *Redis) reconnectLoop() {
	defer r.reconnecting.Store(false)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = reconnectCooldown
	bo.Multiplier = 1.0
	bo.RandomizationFactor = 0

	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		time.Sleep(bo.NextBackOff())

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		err := r.client.Ping(ctx).Err()
		cancel()
		if err == nil {
			r.degraded.Store(false)
			r.logger.Info("redis reconnected", "attempt", attempt)
			return
		}
		r.logger.Warn("redis reconnect failed", "attempt", attempt, "error", err)
	}
	r.logger.Warn("redis reconnect budget exhausted, staying in memory mode")
}

func (r *Redis) inFallback() bool { return r.degraded.Load() }

func workerKey(id string) string   { return "worker:" + id }
func loadKey(id string) string     { return "worker:" + id + ":load" }
func leaseKey(name string) string  { return "lock:" + name }
func progressKey(id string) string { return "task_progress:" + id }

func (r *Redis) WorkerOnline(ctx context.Context, id string, info Info) {
	if r.inFallback() {
		r.fallback.WorkerOnline(ctx, id, info)
		return
	}
	info.ServerID = id
	if info.LastSeen.IsZero() {
		info.LastSeen = time.Now()
	}
	data, err := json.Marshal(info)
	if err != nil {
		r.logger.Error("marshal worker info", "error", err)
		return
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, workerKey(id), data, r.presenceTTL)
	pipe.SAdd(ctx, onlineSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		r.fail(err)
		r.fallback.WorkerOnline(ctx, id, info)
	}
}

func (r *Redis) UpdateHeartbeat(ctx context.Context, id string, p Patch) {
	if r.inFallback() {
		r.fallback.UpdateHeartbeat(ctx, id, p)
		return
	}
	var info Info
	data, err := r.client.Get(ctx, workerKey(id)).Bytes()
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &info); err != nil {
			info = Info{ServerID: id}
		}
	case errors.Is(err, redis.Nil):
		// Presence expired: re-register from the patch alone.
		info = Info{ServerID: id}
	default:
		r.fail(err)
		r.fallback.UpdateHeartbeat(ctx, id, p)
		return
	}

	if p.Ready != nil {
		info.Ready = *p.Ready
	}
	if p.ClientsCount != nil {
		info.ClientsCount = *p.ClientsCount
	}
	info.LastSeen = time.Now()
	r.WorkerOnline(ctx, id, info)
}

func (r *Redis) WorkerOffline(ctx context.Context, id string) {
	if r.inFallback() {
		r.fallback.WorkerOffline(ctx, id)
		return
	}
	pipe := r.client.Pipeline()
	pipe.Del(ctx, workerKey(id), loadKey(id))
	pipe.SRem(ctx, onlineSetKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		r.fail(err)
		r.fallback.WorkerOffline(ctx, id)
	}
}

func (r *Redis) OnlineWorkers(ctx context.Context, readyOnly bool) []string {
	if r.inFallback() {
		return r.fallback.OnlineWorkers(ctx, readyOnly)
	}
	members, err := r.client.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		r.fail(err)
		return r.fallback.OnlineWorkers(ctx, readyOnly)
	}

	var out []string
	for _, id := range members {
		info, ok := r.workerInfoRemote(ctx, id)
		if !ok {
			// Set membership outlived the presence key; prune it.
			r.client.SRem(ctx, onlineSetKey, id)
			continue
		}
		if readyOnly && !info.Ready {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Redis) WorkerInfo(ctx context.Context, id string) (Info, bool) {
	if r.inFallback() {
		return r.fallback.WorkerInfo(ctx, id)
	}
	return r.workerInfoRemote(ctx, id)
}

func (r *Redis) workerInfoRemote(ctx context.Context, id string) (Info, bool) {
	data, err := r.client.Get(ctx, workerKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Info{}, false
	}
	if err != nil {
		r.fail(err)
		return r.fallback.WorkerInfo(ctx, id)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, false
	}
	return info, true
}

func (r *Redis) IncrLoad(ctx context.Context, id string, n int) int {
	if r.inFallback() {
		return r.fallback.IncrLoad(ctx, id, n)
	}
	v, err := r.client.IncrBy(ctx, loadKey(id), int64(n)).Result()
	if err != nil {
		r.fail(err)
		return r.fallback.IncrLoad(ctx, id, n)
	}
	if v < 0 {
		r.client.Set(ctx, loadKey(id), 0, loadTTL)
		v = 0
	}
	r.client.Expire(ctx, loadKey(id), loadTTL)
	return int(v)
}

func (r *Redis) DecrLoad(ctx context.Context, id string, n int) int {
	return r.IncrLoad(ctx, id, -n)
}

func (r *Redis) Load(ctx context.Context, id string) int {
	if r.inFallback() {
		return r.fallback.Load(ctx, id)
	}
	v, err := r.client.Get(ctx, loadKey(id)).Int()
	if errors.Is(err, redis.Nil) {
		return 0
	}
	if err != nil {
		r.fail(err)
		return r.fallback.Load(ctx, id)
	}
	if v < 0 {
		return 0
	}
	return v
}

func (r *Redis) AcquireLease(ctx context.Context, name string, ttl time.Duration) bool {
	if r.inFallback() {
		return r.fallback.AcquireLease(ctx, name, ttl)
	}
	ok, err := r.client.SetNX(ctx, leaseKey(name), 1, ttl).Result()
	if err != nil {
		r.fail(err)
		return r.fallback.AcquireLease(ctx, name, ttl)
	}
	return ok
}

func (r *Redis) ReleaseLease(ctx context.Context, name string) {
	if r.inFallback() {
		r.fallback.ReleaseLease(ctx, name)
		return
	}
	if err := r.client.Del(ctx, leaseKey(name)).Err(); err != nil {
		r.fail(err)
		r.fallback.ReleaseLease(ctx, name)
	}
}

func (r *Redis) SetTaskProgress(ctx context.Context, taskID string, payload []byte, ttl time.Duration) {
	if r.inFallback() {
		r.fallback.SetTaskProgress(ctx, taskID, payload, ttl)
		return
	}
	if err := r.client.Set(ctx, progressKey(taskID), payload, ttl).Err(); err != nil {
		r.fail(err)
		r.fallback.SetTaskProgress(ctx, taskID, payload, ttl)
	}
}

func (r *Redis) TaskProgress(ctx context.Context, taskID string) ([]byte, bool) {
	if r.inFallback() {
		return r.fallback.TaskProgress(ctx, taskID)
	}
	data, err := r.client.Get(ctx, progressKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		r.fail(err)
		return r.fallback.TaskProgress(ctx, taskID)
	}
	return data, true
}

func (r *Redis) Close() error {
	return r.client.Close()
}
