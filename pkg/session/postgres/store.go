// Package postgres provides PostgreSQL storage for mesh sessions.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/symagenic/mcp-agent-mesh/pkg/session"
)

// Store implements session.Store using PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL session store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Put creates or replaces a session record. Re-subscribes upsert on id so
// a reconnecting agent keeps a single record.
func (s *Store) Put(ctx context.Context, sess *session.Session) error {
	subs, err := json.Marshal(sess.Subscriptions)
	if err != nil {
		return fmt.Errorf("encoding subscriptions: %w", err)
	}

	query := `
		INSERT INTO mesh_sessions (id, participant_name, subscriptions, created_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET participant_name = EXCLUDED.participant_name,
		    subscriptions = EXCLUDED.subscriptions,
		    last_heartbeat = EXCLUDED.last_heartbeat
	`
	_, err = s.db.ExecContext(ctx, query,
		sess.ID, sess.ParticipantName, subs, sess.CreatedAt, sess.LastHeartbeat,
	)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// Get retrieves a session by ID. Returns nil, nil if not found.
func (s *Store) Get(ctx context.Context, id string) (*session.Session, error) {
	query := `
		SELECT id, participant_name, subscriptions, created_at, last_heartbeat
		FROM mesh_sessions
		WHERE id = $1
	`
	row := s.db.QueryRowContext(ctx, query, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // Store interface specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return sess, nil
}

// List returns all known sessions.
func (s *Store) List(ctx context.Context) ([]*session.Session, error) {
	query := `
		SELECT id, participant_name, subscriptions, created_at, last_heartbeat
		FROM mesh_sessions
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// Heartbeat updates LastHeartbeat to now. Unknown ids match zero rows and
// stay a no-op.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	query := `UPDATE mesh_sessions SET last_heartbeat = NOW() WHERE id = $1`
	_, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("heartbeating session: %w", err)
	}
	return nil
}

// Close releases resources. The *sql.DB is owned by the caller.
func (*Store) Close() error {
	return nil
}

// scanner abstracts sql.Row and sql.Rows for scanSession.
type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	var sess session.Session
	var subs []byte

	err := row.Scan(&sess.ID, &sess.ParticipantName, &subs, &sess.CreatedAt, &sess.LastHeartbeat)
	if err != nil {
		return nil, err
	}

	if len(subs) > 0 {
		if err := json.Unmarshal(subs, &sess.Subscriptions); err != nil {
			return nil, fmt.Errorf("decoding subscriptions: %w", err)
		}
	}
	return &sess, nil
}

// Verify interface compliance.
var _ session.Store = (*Store)(nil)
