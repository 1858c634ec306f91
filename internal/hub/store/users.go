package store

import (
	"context"
	"database/sql"
	"time"
)

// CreateUser inserts a user together with its empty accounting row.
func (q *Queries) CreateUser(ctx context.Context, userID, username string, credits float64) error {
	now := fmtTime(time.Now())
	if _, err := q.db.ExecContext(ctx,
		`INSERT INTO users (user_id, username, created_at) VALUES (?, ?, ?)`,
		userID, username, now,
	); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO user_data (user_id, credits) VALUES (?, ?)`,
		userID, credits,
	)
	return err
}

// GetUser looks up a user by ID.
func (q *Queries) GetUser(ctx context.Context, userID string) (User, error) {
	var u User
	var created string
	err := q.db.QueryRowContext(ctx,
		`SELECT user_id, username, created_at FROM users WHERE user_id = ?`,
		userID,
	).Scan(&u.UserID, &u.Username, &created)
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}

// CreateUserToken stores a hashed bearer token for a user.
func (q *Queries) CreateUserToken(ctx context.Context, tokenHash, userID string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO user_tokens (token_hash, user_id, created_at) VALUES (?, ?, ?)`,
		tokenHash, userID, fmtTime(time.Now()),
	)
	return err
}

// GetUserByToken resolves a hashed bearer token to its user.
func (q *Queries) GetUserByToken(ctx context.Context, tokenHash string) (User, error) {
	var u User
	var created string
	err := q.db.QueryRowContext(ctx,
		`SELECT u.user_id, u.username, u.created_at
		 FROM user_tokens t JOIN users u ON u.user_id = t.user_id
		 WHERE t.token_hash = ?`,
		tokenHash,
	).Scan(&u.UserID, &u.Username, &created)
	if err != nil {
		return User{}, err
	}
	u.CreatedAt = parseTime(created)
	return u, nil
}

// GetUserData returns the accounting row for a user.
func (q *Queries) GetUserData(ctx context.Context, userID string) (UserData, error) {
	var d UserData
	var rates, setBy sql.NullString
	err := q.db.QueryRowContext(ctx,
		`SELECT user_id, credits, usage, stats, inbox, rates, admin_rate_set_by
		 FROM user_data WHERE user_id = ?`,
		userID,
	).Scan(&d.UserID, &d.Credits, &d.Usage, &d.Stats, &d.Inbox, &rates, &setBy)
	if err != nil {
		return UserData{}, err
	}
	d.Rates = rates.String
	d.AdminRateSetBy = setBy.String
	return d, nil
}

// UpdateUserCreditsUsage writes the balance and usage list atomically
// (single row update; callers run it inside the billing transaction).
func (q *Queries) UpdateUserCreditsUsage(ctx context.Context, userID string, credits float64, usageJSON string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE user_data SET credits = ?, usage = ? WHERE user_id = ?`,
		credits, usageJSON, userID,
	)
	return err
}

// UpdateUserInbox replaces the user's inbox list.
func (q *Queries) UpdateUserInbox(ctx context.Context, userID, inboxJSON string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE user_data SET inbox = ? WHERE user_id = ?`,
		inboxJSON, userID,
	)
	return err
}

// SetUserRates writes a user's rates override and records who set it.
func (q *Queries) SetUserRates(ctx context.Context, userID, ratesJSON, setBy string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE user_data SET rates = ?, admin_rate_set_by = ? WHERE user_id = ?`,
		ratesJSON, setBy, userID,
	)
	return err
}
