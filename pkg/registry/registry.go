// Package registry tracks live connections in the database so that
// background workers can decide whether a connection is still worth
// pushing to, and so that rows for vanished connections age out.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Registry is the persistent record of established connections. A row
// exists for every connection believed live; rows carry an expiry so
// that connections which disappear without a disconnect still age out.
type Registry struct {
	db  *sql.DB
	ttl time.Duration
}

// New creates a registry over the given database. ttl is how long a
// registration stays valid before the sweeper may evict it.
func New(db *sql.DB, ttl time.Duration) *Registry {
	return &Registry{db: db, ttl: ttl}
}

// Register records a connection as live with a fresh expiry. Registering
// an already-registered connection renews its expiry.
func (r *Registry) Register(ctx context.Context, connectionID string) error {
	if connectionID == "" {
		return fmt.Errorf("connection id is required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO connections (connection_id, expires_at)
		VALUES ($1, now() + make_interval(secs => $2))
		ON CONFLICT (connection_id)
		DO UPDATE SET expires_at = now() + make_interval(secs => $2)`,
		connectionID, r.ttl.Seconds())
	if err != nil {
		return fmt.Errorf("failed to register connection %s: %w", connectionID, err)
	}
	return nil
}

// Unregister removes a connection's row. Unregistering a connection that
// was never registered, or was already swept, is not an error.
func (r *Registry) Unregister(ctx context.Context, connectionID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM connections WHERE connection_id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("failed to unregister connection %s: %w", connectionID, err)
	}
	return nil
}

// IsRegistered reports whether a connection has a live, unexpired row.
func (r *Registry) IsRegistered(ctx context.Context, connectionID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM connections
			WHERE connection_id = $1 AND expires_at > now()
		)`, connectionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check connection %s: %w", connectionID, err)
	}
	return exists, nil
}

// DeleteExpired removes every row whose expiry has passed and returns
// how many were removed.
func (r *Registry) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM connections WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired connections: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted connections: %w", err)
	}
	return n, nil
}
