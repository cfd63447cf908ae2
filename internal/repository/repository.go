package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/septivank/ev-station-sync/internal/db"
)

const schema = `
	CREATE TABLE IF NOT EXISTS charging_sessions_archive (
		id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		session_id   TEXT NOT NULL UNIQUE,
		station_id   TEXT NOT NULL,
		port         TEXT NOT NULL,
		card_id      TEXT,
		user_id      TEXT,
		user_name    TEXT NOT NULL DEFAULT '',
		started_at   TIMESTAMPTZ,
		stopped_at   TIMESTAMPTZ,
		start_raw    DOUBLE PRECISION,
		stop_raw     DOUBLE PRECISION,
		duration_ms  BIGINT,
		energy_kwh   DOUBLE PRECISION NOT NULL DEFAULT 0,
		cost_vnd     DOUBLE PRECISION NOT NULL DEFAULT 0,
		reason       TEXT,
		raw_payload  JSONB,
		archived_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_archive_station
		ON charging_sessions_archive (station_id, archived_at DESC);
`

const selectColumns = `
	id, session_id, station_id, port, card_id, user_id, user_name,
	started_at, stopped_at, start_raw, stop_raw, duration_ms,
	energy_kwh, cost_vnd, reason, raw_payload, archived_at
`

// Repository handles archive database operations
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new repository
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// EnsureSchema creates the archive table when missing
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to ensure archive schema: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// UpsertSession archives a completed session. Re-archiving the same session
// id refreshes the stored values; the first return is true on first insert.
func (r *Repository) UpsertSession(ctx context.Context, s *db.ArchivedSession) (bool, error) {
	query := `
		INSERT INTO charging_sessions_archive (
			session_id, station_id, port, card_id, user_id, user_name,
			started_at, stopped_at, start_raw, stop_raw, duration_ms,
			energy_kwh, cost_vnd, reason, raw_payload, archived_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (session_id) DO UPDATE SET
			card_id = EXCLUDED.card_id,
			user_id = EXCLUDED.user_id,
			user_name = EXCLUDED.user_name,
			stopped_at = EXCLUDED.stopped_at,
			stop_raw = EXCLUDED.stop_raw,
			duration_ms = EXCLUDED.duration_ms,
			energy_kwh = EXCLUDED.energy_kwh,
			cost_vnd = EXCLUDED.cost_vnd,
			reason = EXCLUDED.reason,
			raw_payload = EXCLUDED.raw_payload
		RETURNING id, (xmax = 0) AS inserted
	`

	var inserted bool
	err := r.pool.QueryRow(ctx, query,
		s.SessionID,
		s.StationID,
		s.Port,
		s.CardID,
		s.UserID,
		s.UserName,
		s.StartedAt,
		s.StoppedAt,
		s.StartRaw,
		s.StopRaw,
		s.DurationMs,
		s.EnergyKwh,
		s.CostVnd,
		s.Reason,
		s.RawPayload,
		s.ArchivedAt,
	).Scan(&s.ID, &inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert archived session: %w", err)
	}

	return inserted, nil
}

// GetBySessionID returns the archived session, or nil when it is unknown
func (r *Repository) GetBySessionID(ctx context.Context, sessionID string) (*db.ArchivedSession, error) {
	query := `SELECT ` + selectColumns + ` FROM charging_sessions_archive WHERE session_id = $1`

	s, err := scanSession(r.pool.QueryRow(ctx, query, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query archived session: %w", err)
	}
	return s, nil
}

// ListRecent returns the most recently archived sessions, optionally for one
// station only.
func (r *Repository) ListRecent(ctx context.Context, stationID string, limit int) ([]db.ArchivedSession, error) {
	query := `
		SELECT ` + selectColumns + `
		FROM charging_sessions_archive
		WHERE ($1 = '' OR station_id = $1)
		ORDER BY archived_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, stationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query archived sessions: %w", err)
	}
	defer rows.Close()

	var sessions []db.ArchivedSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived session: %w", err)
		}
		sessions = append(sessions, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return sessions, nil
}

func scanSession(row pgx.Row) (*db.ArchivedSession, error) {
	var s db.ArchivedSession
	err := row.Scan(
		&s.ID,
		&s.SessionID,
		&s.StationID,
		&s.Port,
		&s.CardID,
		&s.UserID,
		&s.UserName,
		&s.StartedAt,
		&s.StoppedAt,
		&s.StartRaw,
		&s.StopRaw,
		&s.DurationMs,
		&s.EnergyKwh,
		&s.CostVnd,
		&s.Reason,
		&s.RawPayload,
		&s.ArchivedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
