package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a PostgreSQL connection pool for the job audit log.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// InsertRecord appends a job record to the audit log.
func (db *DB) InsertRecord(ctx context.Context, rec *JobRecord) error {
	query := `
		INSERT INTO job_records (id, content_hash, tenant, outcome, exit_code,
			duration_ms, cache_hit, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := db.pool.Exec(ctx, query,
		rec.ID, rec.ContentHash, rec.Tenant, rec.Outcome, rec.ExitCode,
		rec.DurationMS, rec.CacheHit, rec.CreatedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting job record: %w", err)
	}
	return nil
}

// GetRecord retrieves a single job record by ID.
func (db *DB) GetRecord(ctx context.Context, id string) (*JobRecord, error) {
	query := `
		SELECT id, content_hash, tenant, outcome, exit_code,
			duration_ms, cache_hit, created_at, completed_at
		FROM job_records WHERE id = $1`

	var rec JobRecord
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID, &rec.ContentHash, &rec.Tenant, &rec.Outcome, &rec.ExitCode,
		&rec.DurationMS, &rec.CacheHit, &rec.CreatedAt, &rec.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying job record %s: %w", id, err)
	}
	return &rec, nil
}

// ListRecords queries job records with optional filters.
func (db *DB) ListRecords(ctx context.Context, filter RecordFilter) ([]JobRecord, error) {
	query := `
		SELECT id, content_hash, tenant, outcome, exit_code,
			duration_ms, cache_hit, created_at, completed_at
		FROM job_records
		WHERE ($1 = '' OR tenant = $1)
		  AND ($2 = '' OR outcome = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Tenant, filter.Outcome, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying job records: %w", err)
	}
	defer rows.Close()

	var results []JobRecord
	for rows.Next() {
		var rec JobRecord
		if err := rows.Scan(
			&rec.ID, &rec.ContentHash, &rec.Tenant, &rec.Outcome, &rec.ExitCode,
			&rec.DurationMS, &rec.CacheHit, &rec.CreatedAt, &rec.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning job record row: %w", err)
		}
		results = append(results, rec)
	}

	return results, rows.Err()
}
