package store

import (
	"context"
	"database/sql"
	"time"
)

// UpsertServer records a worker registration.
func (q *Queries) UpsertServer(ctx context.Context, serverID, serverName, serverURL, status, metaJSON string) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO servers (server_id, server_name, server_url, status, last_seen, meta)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(server_id) DO UPDATE SET
		   server_name = excluded.server_name,
		   server_url  = excluded.server_url,
		   status      = excluded.status,
		   last_seen   = excluded.last_seen,
		   meta        = excluded.meta`,
		serverID, serverName, serverURL, status, fmtTime(time.Now()), metaJSON,
	)
	return err
}

// TouchServer refreshes liveness fields on heartbeat.
func (q *Queries) TouchServer(ctx context.Context, serverID string, clientsCount int) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE servers SET last_seen = ?, clients_count = ? WHERE server_id = ?`,
		fmtTime(time.Now()), clientsCount, serverID,
	)
	return err
}

// TouchServerSeen refreshes last_seen only, keeping the last reported
// clients_count.
func (q *Queries) TouchServerSeen(ctx context.Context, serverID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE servers SET last_seen = ? WHERE server_id = ?`,
		fmtTime(time.Now()), serverID,
	)
	return err
}

// SetServerStatus updates a server's status, refreshing last_seen.
func (q *Queries) SetServerStatus(ctx context.Context, serverID, status string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE servers SET status = ?, last_seen = ? WHERE server_id = ?`,
		status, fmtTime(time.Now()), serverID,
	)
	return err
}

// GetServer looks up one server row.
func (q *Queries) GetServer(ctx context.Context, serverID string) (Server, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT server_id, server_name, server_url, clients_count, status, last_seen, assigned_user, meta
		 FROM servers WHERE server_id = ?`,
		serverID,
	)
	return scanServer(row)
}

// ListServers returns all server rows.
func (q *Queries) ListServers(ctx context.Context) ([]Server, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT server_id, server_name, server_url, clients_count, status, last_seen, assigned_user, meta
		 FROM servers ORDER BY server_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Server
	for rows.Next() {
		s, err := scanServerRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanServer(row *sql.Row) (Server, error) {
	var s Server
	var lastSeen, assigned sql.NullString
	err := row.Scan(&s.ServerID, &s.ServerName, &s.ServerURL, &s.ClientsCount, &s.Status, &lastSeen, &assigned, &s.Meta)
	if err != nil {
		return Server{}, err
	}
	s.LastSeen = parseTime(lastSeen.String)
	s.AssignedUser = assigned.String
	return s, nil
}

func scanServerRows(rows *sql.Rows) (Server, error) {
	var s Server
	var lastSeen, assigned sql.NullString
	err := rows.Scan(&s.ServerID, &s.ServerName, &s.ServerURL, &s.ClientsCount, &s.Status, &lastSeen, &assigned, &s.Meta)
	if err != nil {
		return Server{}, err
	}
	s.LastSeen = parseTime(lastSeen.String)
	s.AssignedUser = assigned.String
	return s, nil
}
