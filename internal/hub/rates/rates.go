// Package rates resolves per-success and per-failure prices for a
// user. Priority: user override (any source) > global rates stored
// under the sentinel admin key > configured defaults.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fleetsend/fleetsend/internal/hub/store"
)

// SuperAdmin is the source tag that makes a user rate unoverridable
// by regular admins.
const SuperAdmin = "super_admin"

var (
	// ErrRateOutOfRange is returned when an admin writes a send price
	// outside their allowed range.
	ErrRateOutOfRange = errors.New("rate out of allowed range")
	// ErrSuperAdminRate is returned when an admin tries to override a
	// rate set by the super admin.
	ErrSuperAdminRate = errors.New("rate is locked by super admin")
)

// Prices holds the per-success (Send) and per-failure (Fail) price.
type Prices struct {
	Send float64 `json:"send"`
	Fail float64 `json:"fail"`
}

// Range bounds the send price an admin may assign to their users.
type Range struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Resolver reads effective prices for a user.
type Resolver struct {
	Defaults Prices
}

// Resolve returns the effective prices for userID. The stored value is
// authoritative at read time; missing fields fall back per level.
func (r *Resolver) Resolve(ctx context.Context, q *store.Queries, userID string) Prices {
	if ud, err := q.GetUserData(ctx, userID); err == nil && ud.Rates != "" {
		if p, ok := parsePrices(ud.Rates, r.Defaults); ok {
			return p
		}
	}
	if cfg, err := q.GetAdminConfig(ctx, store.GlobalRatesAdminID); err == nil && cfg.Rates != "" {
		if p, ok := parsePrices(cfg.Rates, r.Defaults); ok {
			return p
		}
	}
	return r.Defaults
}

// parsePrices decodes a rates JSON object, filling missing fields
// from the fallback. Returns false on malformed JSON.
func parsePrices(raw string, fallback Prices) (Prices, bool) {
	var partial struct {
		Send *float64 `json:"send"`
		Fail *float64 `json:"fail"`
	}
	if err := json.Unmarshal([]byte(raw), &partial); err != nil {
		return Prices{}, false
	}
	p := fallback
	if partial.Send != nil {
		p.Send = *partial.Send
	}
	if partial.Fail != nil {
		p.Fail = *partial.Fail
	}
	return p, true
}

// SetGlobalRates writes the global default rates.
func SetGlobalRates(ctx context.Context, q *store.Queries, p Prices) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return q.UpsertAdminRates(ctx, store.GlobalRatesAdminID, string(data))
}

// SetUserRatesBySuperAdmin writes a user's rates unconstrained.
func SetUserRatesBySuperAdmin(ctx context.Context, q *store.Queries, userID string, p Prices) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return q.SetUserRates(ctx, userID, string(data), SuperAdmin)
}

// SetUserRatesByAdmin writes a user's rates on behalf of an admin.
// The admin's configured range is enforced here, at write time; reads
// trust the stored value. A rate set by the super admin cannot be
// overridden.
func SetUserRatesByAdmin(ctx context.Context, q *store.Queries, adminID, userID string, p Prices) error {
	ud, err := q.GetUserData(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user data: %w", err)
	}
	if ud.AdminRateSetBy == SuperAdmin {
		return ErrSuperAdminRate
	}

	cfg, err := q.GetAdminConfig(ctx, adminID)
	if err == nil && cfg.RateRange != "" {
		var rg Range
		if err := json.Unmarshal([]byte(cfg.RateRange), &rg); err == nil {
			if p.Send < rg.Min || p.Send > rg.Max {
				return fmt.Errorf("%w: send=%v allowed=[%v,%v]", ErrRateOutOfRange, p.Send, rg.Min, rg.Max)
			}
		}
	}

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return q.SetUserRates(ctx, userID, string(data), adminID)
}

// SetAdminRateRange writes the range an admin may assign.
func SetAdminRateRange(ctx context.Context, q *store.Queries, adminID string, rg Range) error {
	data, err := json.Marshal(rg)
	if err != nil {
		return err
	}
	return q.UpsertAdminRateRange(ctx, adminID, string(data))
}
