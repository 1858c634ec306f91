package store

import (
	"context"
	"database/sql"
)

// GlobalRatesAdminID is the sentinel admin_configs key holding the
// global default rates.
const GlobalRatesAdminID = "server_manager"

// GetAdminConfig returns an admin's configuration row.
func (q *Queries) GetAdminConfig(ctx context.Context, adminID string) (AdminConfig, error) {
	var c AdminConfig
	var rates, rateRange sql.NullString
	err := q.db.QueryRowContext(ctx,
		`SELECT admin_id, selected_servers, user_groups, rates, rate_range
		 FROM admin_configs WHERE admin_id = ?`,
		adminID,
	).Scan(&c.AdminID, &c.SelectedServers, &c.UserGroups, &rates, &rateRange)
	if err != nil {
		return AdminConfig{}, err
	}
	c.Rates = rates.String
	c.RateRange = rateRange.String
	return c, nil
}

// UpsertAdminRates sets the rates JSON for an admin (or the global
// sentinel key).
func (q *Queries) UpsertAdminRates(ctx context.Context, adminID, ratesJSON string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO admin_configs (admin_id, rates) VALUES (?, ?)
		 ON CONFLICT(admin_id) DO UPDATE SET rates = excluded.rates`,
		adminID, ratesJSON,
	)
	return err
}

// UpsertAdminRateRange sets the allowed per-user rate range for an admin.
func (q *Queries) UpsertAdminRateRange(ctx context.Context, adminID, rangeJSON string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO admin_configs (admin_id, rate_range) VALUES (?, ?)
		 ON CONFLICT(admin_id) DO UPDATE SET rate_range = excluded.rate_range`,
		adminID, rangeJSON,
	)
	return err
}
