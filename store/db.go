package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps a PostgreSQL connection holding the dashboard's enrichment
// snapshots: the periodically refreshed third-party datasets (census, HUD,
// BLS, ...) the background jobs keep warm.
type DB struct {
	conn   *sql.DB
	config *Config
}

// NewDB creates a new database connection using the provided configuration
func NewDB(config *Config) (*DB, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	conn, err := sql.Open("postgres", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{
		conn:   conn,
		config: config,
	}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Connection returns the underlying sql.DB connection
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Ping checks if the database connection is alive
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// InitSchema initializes the snapshot schema
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	-- Enrichment snapshots refreshed by the background scheduler
	CREATE TABLE IF NOT EXISTS sitewatch_snapshots (
		source VARCHAR(255) NOT NULL,
		region VARCHAR(255) NOT NULL,
		payload JSONB NOT NULL,
		fetched_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (source, region)
	);

	CREATE INDEX IF NOT EXISTS idx_sitewatch_snapshots_fetched_at ON sitewatch_snapshots(fetched_at);
	`

	_, err := db.conn.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// SaveSnapshot upserts the latest payload for a (source, region) dataset
func (db *DB) SaveSnapshot(ctx context.Context, source, region string, payload []byte) error {
	query := `
	INSERT INTO sitewatch_snapshots (source, region, payload, fetched_at)
	VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
	ON CONFLICT (source, region)
	DO UPDATE SET payload = EXCLUDED.payload, fetched_at = CURRENT_TIMESTAMP
	`

	_, err := db.conn.ExecContext(ctx, query, source, region, payload)
	if err != nil {
		return fmt.Errorf("failed to save snapshot %s/%s: %w", source, region, err)
	}
	return nil
}

// GetSnapshot returns the latest payload and fetch time for a (source,
// region) dataset. Returns sql.ErrNoRows when no snapshot exists yet.
func (db *DB) GetSnapshot(ctx context.Context, source, region string) ([]byte, time.Time, error) {
	query := `
	SELECT payload, fetched_at FROM sitewatch_snapshots
	WHERE source = $1 AND region = $2
	`

	var payload []byte
	var fetchedAt time.Time
	err := db.conn.QueryRowContext(ctx, query, source, region).Scan(&payload, &fetchedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, time.Time{}, err
		}
		return nil, time.Time{}, fmt.Errorf("failed to get snapshot %s/%s: %w", source, region, err)
	}
	return payload, fetchedAt, nil
}

// DeleteSnapshotsBefore removes snapshots last fetched before the cutoff.
// Returns the number of rows deleted.
func (db *DB) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM sitewatch_snapshots WHERE fetched_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale snapshots: %w", err)
	}
	return result.RowsAffected()
}
