// Package cache is the ephemeral coordination layer: online-worker
// presence with TTL, per-worker load counters, named leases and
// short-lived task progress snapshots.
//
// Two peer implementations share the Cache contract: Memory
// (process-local) and Redis. The Redis implementation degrades to an
// embedded Memory instance when the remote cache is unreachable;
// callers never see cache errors, reads return empty/zero instead.
package cache

import (
	"context"
	"time"
)

// DefaultPresenceTTL is the worker presence window renewed by each
// heartbeat.
const DefaultPresenceTTL = 30 * time.Second

// loadTTL bounds how long a load counter outlives its last update.
const loadTTL = 60 * time.Second

// Info describes one online worker.
type Info struct {
	ServerID     string         `json:"server_id"`
	ServerName   string         `json:"server_name"`
	Ready        bool           `json:"ready"`
	ClientsCount int            `json:"clients_count"`
	LastSeen     time.Time      `json:"last_seen"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// Patch is a partial Info update applied by UpdateHeartbeat.
type Patch struct {
	Ready        *bool
	ClientsCount *int
}

// Cache is the coordination contract used by the hub.
type Cache interface {
	// WorkerOnline sets presence and info, resetting the TTL.
	WorkerOnline(ctx context.Context, id string, info Info)
	// UpdateHeartbeat refreshes the presence TTL and merges the patch.
	// If presence expired, the worker is re-registered from the patch.
	UpdateHeartbeat(ctx context.Context, id string, p Patch)
	// WorkerOffline removes presence, info and load.
	WorkerOffline(ctx context.Context, id string)
	// OnlineWorkers returns current members, sorted. With readyOnly,
	// only workers whose info reports ready are returned.
	OnlineWorkers(ctx context.Context, readyOnly bool) []string
	// WorkerInfo returns a worker's info, if present.
	WorkerInfo(ctx context.Context, id string) (Info, bool)

	// IncrLoad atomically adds n to the worker's load counter.
	IncrLoad(ctx context.Context, id string, n int) int
	// DecrLoad atomically subtracts n, clamped at zero.
	DecrLoad(ctx context.Context, id string, n int) int
	// Load reads the counter; missing counters read as zero.
	Load(ctx context.Context, id string) int

	// AcquireLease atomically sets a named expiring flag. Returns
	// false if the lease is already held.
	AcquireLease(ctx context.Context, name string, ttl time.Duration) bool
	// ReleaseLease deletes the lease.
	ReleaseLease(ctx context.Context, name string)

	// SetTaskProgress caches a progress snapshot with a TTL.
	SetTaskProgress(ctx context.Context, taskID string, payload []byte, ttl time.Duration)
	// TaskProgress reads a cached snapshot, if still present.
	TaskProgress(ctx context.Context, taskID string) ([]byte, bool)

	Close() error
}

// New returns a Redis-backed cache when redisURL is non-empty, and a
// process-local Memory cache otherwise.
func New(redisURL string, presenceTTL time.Duration) (Cache, error) {
	if redisURL == "" {
		return NewMemory(presenceTTL), nil
	}
	return NewRedis(redisURL, presenceTTL)
}
