// Package serverlist projects the durable servers table against live
// cache presence into the view observers see.
package serverlist

import (
	"context"
	"time"

	"github.com/fleetsend/fleetsend/internal/hub/cache"
	"github.com/fleetsend/fleetsend/internal/hub/store"
)

// View is one projected server entry.
type View struct {
	ServerID     string `json:"server_id"`
	ServerName   string `json:"server_name"`
	ServerURL    string `json:"server_url,omitempty"`
	Status       string `json:"status"`
	ClientsCount int    `json:"clients_count"`
	AssignedUser string `json:"assigned_user,omitempty"`
	LastSeen     string `json:"last_seen,omitempty"`
	Load         int    `json:"load"`
}

// Projection merges store servers with cache presence.
type Projection struct {
	Queries      *store.Queries
	Cache        cache.Cache
	OfflineAfter time.Duration // silence before a row reads disconnected
	HideAfter    time.Duration // silence before a row is hidden entirely
}

// List computes the current server list.
//
// Presence in the cache wins: online workers read connected (or
// available when not ready). Otherwise rows silent past OfflineAfter
// read disconnected, and fresher rows keep their stored status
// normalized by clients_count. Rows silent past HideAfter are hidden.
func (p *Projection) List(ctx context.Context) ([]View, error) {
	rows, err := p.Queries.ListServers(ctx)
	if err != nil {
		return nil, err
	}

	online := make(map[string]bool)
	for _, id := range p.Cache.OnlineWorkers(ctx, false) {
		online[id] = true
	}

	now := time.Now()
	out := make([]View, 0, len(rows))
	for _, s := range rows {
		if !s.LastSeen.IsZero() && now.Sub(s.LastSeen) > p.HideAfter {
			continue
		}

		v := View{
			ServerID:     s.ServerID,
			ServerName:   s.ServerName,
			ServerURL:    s.ServerURL,
			ClientsCount: s.ClientsCount,
			AssignedUser: s.AssignedUser,
			Load:         p.Cache.Load(ctx, s.ServerID),
		}
		if !s.LastSeen.IsZero() {
			v.LastSeen = s.LastSeen.UTC().Format(time.RFC3339)
		}

		switch {
		case online[s.ServerID]:
			v.Status = store.ServerConnected
			if info, ok := p.Cache.WorkerInfo(ctx, s.ServerID); ok {
				if !info.Ready {
					v.Status = store.ServerAvailable
				}
				v.ClientsCount = info.ClientsCount
			}
		case s.LastSeen.IsZero() || now.Sub(s.LastSeen) > p.OfflineAfter:
			v.Status = store.ServerDisconnected
		case s.ClientsCount > 0:
			v.Status = store.ServerConnected
		default:
			v.Status = store.ServerAvailable
		}

		out = append(out, v)
	}
	return out, nil
}
