// ABOUTME: Agent connection route persistence for the SQLite store
// ABOUTME: Maps each job to the server instance currently holding its agent stream

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertAgentConnection records serverID as the holder of jobID's agent stream.
func (s *SQLiteStore) UpsertAgentConnection(ctx context.Context, jobID, serverID string) error {
	query := `
		INSERT INTO agent_connections (job_id, server_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			server_id = excluded.server_id,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query, jobID, serverID, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting agent connection: %w", err)
	}
	return nil
}

// DeleteAgentConnection removes the route for jobID only if serverID still
// owns it. Returns ErrNotFound otherwise.
func (s *SQLiteStore) DeleteAgentConnection(ctx context.Context, jobID, serverID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_connections WHERE job_id = ? AND server_id = ?`,
		jobID, serverID,
	)
	if err != nil {
		return fmt.Errorf("deleting agent connection: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAgentConnection returns the route for jobID.
// Returns ErrNotFound if no server holds the job's agent stream.
func (s *SQLiteStore) GetAgentConnection(ctx context.Context, jobID string) (*AgentConnection, error) {
	var conn AgentConnection
	var updatedAtStr string
	err := s.db.QueryRowContext(ctx,
		`SELECT job_id, server_id, updated_at FROM agent_connections WHERE job_id = ?`,
		jobID,
	).Scan(&conn.JobID, &conn.ServerID, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent connection: %w", err)
	}

	conn.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &conn, nil
}

// ListAgentConnections returns the routes held by serverID, or every route
// when serverID is empty, ordered by job id.
func (s *SQLiteStore) ListAgentConnections(ctx context.Context, serverID string) ([]*AgentConnection, error) {
	query := `SELECT job_id, server_id, updated_at FROM agent_connections`
	var args []any
	if serverID != "" {
		query += ` WHERE server_id = ?`
		args = append(args, serverID)
	}
	query += ` ORDER BY job_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying agent connections: %w", err)
	}
	defer rows.Close()

	var conns []*AgentConnection
	for rows.Next() {
		var conn AgentConnection
		var updatedAtStr string
		if err := rows.Scan(&conn.JobID, &conn.ServerID, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scanning agent connection: %w", err)
		}
		conn.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		conns = append(conns, &conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent connections: %w", err)
	}
	return conns, nil
}
