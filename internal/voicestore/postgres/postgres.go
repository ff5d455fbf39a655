// Package postgres persists session aggregates in PostgreSQL. The whole
// aggregate is stored as one JSONB document per chat session, so a save is a
// single upsert and readers never see a partial write.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/internal/voicestore"
)

// Schema is the DDL for the voice_sessions table. Apply it with
// [Persistence.Migrate] or during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS voice_sessions (
    session_id  TEXT PRIMARY KEY,
    state       JSONB NOT NULL,
    version     INTEGER NOT NULL DEFAULT 1,
    living      INTEGER NOT NULL DEFAULT 0,
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_voice_sessions_updated ON voice_sessions(updated_at);
`

// DB is the subset of *pgxpool.Pool and *pgx.Conn used here.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SessionInfo summarises one stored session.
type SessionInfo struct {
	SessionID string
	Version   int
	Living    int
	UpdatedAt time.Time
}

// Persistence is a [voicestore.Persistence] backed by PostgreSQL.
type Persistence struct {
	db DB
}

var (
	_ voicestore.Persistence = (*Persistence)(nil)
	_ voicestore.Namer       = (*Persistence)(nil)
)

// New returns a Persistence using db. Call [Persistence.Migrate] before the
// first query.
func New(db DB) *Persistence {
	return &Persistence{db: db}
}

// Name implements [voicestore.Namer].
func (p *Persistence) Name() string { return "postgres" }

// Ping checks connectivity with a trivial query.
func (p *Persistence) Ping(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("postgres: ping: %w", err)
	}
	return nil
}

// Migrate applies [Schema].
func (p *Persistence) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}

// Load implements [voicestore.Persistence]. It returns (nil, nil) when the
// session has no row.
func (p *Persistence) Load(ctx context.Context, sessionID string) (*voice.SessionState, error) {
	const query = `SELECT state FROM voice_sessions WHERE session_id = $1`

	var raw []byte
	if err := p.db.QueryRow(ctx, query, sessionID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: load %q: %w", sessionID, err)
	}
	var s voice.SessionState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("postgres: decode %q: %w", sessionID, err)
	}
	return &s, nil
}

// Save implements [voicestore.Persistence] as an upsert.
func (p *Persistence) Save(ctx context.Context, sessionID string, state *voice.SessionState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("postgres: encode %q: %w", sessionID, err)
	}

	const query = `
		INSERT INTO voice_sessions (session_id, state, version, living, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (session_id) DO UPDATE SET
			state      = EXCLUDED.state,
			version    = EXCLUDED.version,
			living     = EXCLUDED.living,
			updated_at = now()`

	if _, err := p.db.Exec(ctx, query, sessionID, raw, state.Version, len(state.Living())); err != nil {
		return fmt.Errorf("postgres: save %q: %w", sessionID, err)
	}
	return nil
}

// Delete implements [voicestore.Persistence]. Deleting a missing session is
// not an error.
func (p *Persistence) Delete(ctx context.Context, sessionID string) error {
	const query = `DELETE FROM voice_sessions WHERE session_id = $1`
	if _, err := p.db.Exec(ctx, query, sessionID); err != nil {
		return fmt.Errorf("postgres: delete %q: %w", sessionID, err)
	}
	return nil
}

// List returns stored sessions, most recently updated first. A limit of zero
// or less means no limit.
func (p *Persistence) List(ctx context.Context, limit int) ([]SessionInfo, error) {
	query := `SELECT session_id, version, living, updated_at FROM voice_sessions ORDER BY updated_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list: %w", err)
	}
	defer rows.Close()

	var out []SessionInfo
	for rows.Next() {
		var si SessionInfo
		if err := rows.Scan(&si.SessionID, &si.Version, &si.Living, &si.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: list scan: %w", err)
		}
		out = append(out, si)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list rows: %w", err)
	}
	return out, nil
}
