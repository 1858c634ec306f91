package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is the process-local Cache implementation. Entries expire
// lazily: expiry is checked on every read, no janitor goroutine.
type Memory struct {
	presenceTTL time.Duration

	mu       sync.Mutex
	workers  map[string]memWorker
	loads    map[string]memLoad
	leases   map[string]time.Time
	progress map[string]memProgress
}

type memWorker struct {
	info    Info
	expires time.Time
}

type memLoad struct {
	n       int
	expires time.Time
}

type memProgress struct {
	payload []byte
	expires time.Time
}

// NewMemory creates a Memory cache with the given presence TTL.
// Zero means DefaultPresenceTTL.
func NewMemory(presenceTTL time.Duration) *Memory {
	if presenceTTL <= 0 {
		presenceTTL = DefaultPresenceTTL
	}
	return &Memory{
		presenceTTL: presenceTTL,
		workers:     make(map[string]memWorker),
		loads:       make(map[string]memLoad),
		leases:      make(map[string]time.Time),
		progress:    make(map[string]memProgress),
	}
}

func (m *Memory) WorkerOnline(_ context.Context, id string, info Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info.ServerID = id
	if info.LastSeen.IsZero() {
		info.LastSeen = time.Now()
	}
	m.workers[id] = memWorker{info: info, expires: time.Now().Add(m.presenceTTL)}
}

func (m *Memory) UpdateHeartbeat(_ context.Context, id string, p Patch) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	w, ok := m.workers[id]
	if !ok || now.After(w.expires) {
		// Presence expired: re-register from the patch alone.
		w = memWorker{info: Info{ServerID: id}}
	}
	if p.Ready != nil {
		w.info.Ready = *p.Ready
	}
	if p.ClientsCount != nil {
		w.info.ClientsCount = *p.ClientsCount
	}
	w.info.LastSeen = now
	w.expires = now.Add(m.presenceTTL)
	m.workers[id] = w
}

func (m *Memory) WorkerOffline(_ context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, id)
	delete(m.loads, id)
}

func (m *Memory) OnlineWorkers(_ context.Context, readyOnly bool) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []string
	for id, w := range m.workers {
		if now.After(w.expires) {
			delete(m.workers, id)
			continue
		}
		if readyOnly && !w.info.Ready {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Memory) WorkerInfo(_ context.Context, id string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[id]
	if !ok || time.Now().After(w.expires) {
		return Info{}, false
	}
	return w.info, true
}

func (m *Memory) IncrLoad(_ context.Context, id string, n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	l, ok := m.loads[id]
	if !ok || now.After(l.expires) {
		l = memLoad{}
	}
	l.n += n
	if l.n < 0 {
		l.n = 0
	}
	l.expires = now.Add(loadTTL)
	m.loads[id] = l
	return l.n
}

func (m *Memory) DecrLoad(ctx context.Context, id string, n int) int {
	return m.IncrLoad(ctx, id, -n)
}

func (m *Memory) Load(_ context.Context, id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.loads[id]
	if !ok || time.Now().After(l.expires) {
		return 0
	}
	return l.n
}

func (m *Memory) AcquireLease(_ context.Context, name string, ttl time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if exp, ok := m.leases[name]; ok && now.Before(exp) {
		return false
	}
	m.leases[name] = now.Add(ttl)
	return true
}

func (m *Memory) ReleaseLease(_ context.Context, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, name)
}

func (m *Memory) SetTaskProgress(_ context.Context, taskID string, payload []byte, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[taskID] = memProgress{payload: payload, expires: time.Now().Add(ttl)}
}

func (m *Memory) TaskProgress(_ context.Context, taskID string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.progress[taskID]
	if !ok || time.Now().After(p.expires) {
		delete(m.progress, taskID)
		return nil, false
	}
	return p.payload, true
}

func (m *Memory) Close() error { return nil }
