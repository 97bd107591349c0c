// Package store persists call records for audit, billing, and history.
// Records are written at creation and patched at terminal transitions;
// the signaling hot path never reads them.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dialdesk/dialdesk/internal/core"
	"github.com/dialdesk/dialdesk/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS calls (
    call_id      TEXT PRIMARY KEY,
    caller_id    TEXT NOT NULL,
    callee_id    TEXT NOT NULL,
    org_id       TEXT NOT NULL,
    audio        INTEGER NOT NULL,
    video        INTEGER NOT NULL,
    state        TEXT NOT NULL,
    end_reason   TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMP NOT NULL,
    connected_at TIMESTAMP,
    ended_at     TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_calls_org_created ON calls (org_id, created_at);
`

// SQLiteStore implements core.CallStore on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ core.CallStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}

	ctx := context.Background()

	// WAL for concurrent reads, busy_timeout to avoid "database is locked"
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateCallRecord(ctx context.Context, rec domain.CallRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, caller_id, callee_id, org_id, audio, video, state, end_reason, created_at, connected_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.CallID), string(rec.CallerID), string(rec.CalleeID), string(rec.OrgID),
		boolInt(rec.Media.Audio), boolInt(rec.Media.Video),
		string(rec.State), string(rec.EndReason),
		rec.CreatedAt.UTC(), nullTime(rec.ConnectedAt), nullTime(rec.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("store: create call %s: %w", rec.CallID, err)
	}
	return nil
}

func (s *SQLiteStore) UpdateCallRecord(ctx context.Context, id domain.CallID, patch core.CallPatch) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calls SET
			state        = COALESCE(NULLIF(?, ''), state),
			end_reason   = COALESCE(NULLIF(?, ''), end_reason),
			connected_at = COALESCE(?, connected_at),
			ended_at     = COALESCE(?, ended_at)
		WHERE call_id = ?`,
		string(patch.State), string(patch.EndReason),
		nullTime(patch.ConnectedAt), nullTime(patch.EndedAt),
		string(id),
	)
	if err != nil {
		return fmt.Errorf("store: update call %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update call %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: update call %s: unknown call id", id)
	}
	return nil
}

// GetCallRecord reads one record back; used by history queries and tests,
// never by the hub.
func (s *SQLiteStore) GetCallRecord(ctx context.Context, id domain.CallID) (*domain.CallRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, caller_id, callee_id, org_id, audio, video, state, end_reason, created_at, connected_at, ended_at
		FROM calls WHERE call_id = ?`, string(id))

	var rec domain.CallRecord
	var audio, video int
	var connectedAt, endedAt sql.NullTime
	err := row.Scan(&rec.CallID, &rec.CallerID, &rec.CalleeID, &rec.OrgID,
		&audio, &video, &rec.State, &rec.EndReason, &rec.CreatedAt, &connectedAt, &endedAt)
	if err != nil {
		return nil, fmt.Errorf("store: get call %s: %w", id, err)
	}
	rec.Media = domain.Media{Audio: audio != 0, Video: video != 0}
	if connectedAt.Valid {
		t := connectedAt.Time
		rec.ConnectedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		rec.EndedAt = &t
	}
	return &rec, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
