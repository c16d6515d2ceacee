// Package postgres provides PostgreSQL storage for mesh messages.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/symagenic/mcp-agent-mesh/pkg/message"
)

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// messageColumns lists columns returned by message SELECT queries.
var messageColumns = []string{
	"id", "seq", "from_session", "to_session", "content", "message_type",
	"priority", "timestamp", "parent_message_id", "read_by",
	"requires_response", "expires_at",
}

// notExpired keeps rows whose TTL has not elapsed.
const notExpired = "(expires_at IS NULL OR expires_at > NOW())"

// Store implements message.Store using PostgreSQL.
type Store struct {
	db     *sql.DB
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new PostgreSQL message store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Append stores a new message. The id is assigned here; sequence and
// timestamp come from the database so concurrent appends order totally
// without coordination.
func (s *Store) Append(ctx context.Context, msg *message.Message) (*message.Message, error) {
	stored := *msg
	stored.ID = uuid.NewString()
	stored.ReadBy = []string{}

	query := `
		INSERT INTO mesh_messages
		(id, from_session, to_session, content, message_type, priority, timestamp, parent_message_id, read_by, requires_response, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7, '[]'::jsonb, $8, $9)
		RETURNING seq, timestamp
	`
	err := s.db.QueryRowContext(ctx, query,
		stored.ID,
		stored.FromSession,
		stored.ToSession,
		stored.Content,
		string(stored.Type),
		string(stored.Priority),
		nullable(stored.ParentID),
		stored.RequiresResponse,
		stored.ExpiresAt,
	).Scan(&stored.Seq, &stored.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return &stored, nil
}

// Query returns oldest-first matches for the filter.
func (s *Store) Query(ctx context.Context, f message.Filter) ([]*message.Message, error) {
	q := psq.Select(messageColumns...).
		From("mesh_messages").
		Where(sq.Expr(notExpired))

	if f.ToSession != "" {
		q = q.Where(sq.Or{
			sq.Eq{"to_session": f.ToSession},
			sq.Eq{"to_session": message.BroadcastTarget},
		})
	}
	if f.FromSession != "" {
		q = q.Where(sq.Eq{"from_session": f.FromSession})
	}
	if f.UnreadOnly {
		q = q.Where(sq.Expr("NOT jsonb_exists(read_by, ?)", f.Viewer))
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"timestamp": f.Since})
	}

	q = q.OrderBy("timestamp ASC", "seq ASC")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building message query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanMessages(rows)
}

// MarkRead adds the session to the message's read set with a single
// guarded UPDATE, so concurrent readers of unrelated messages never
// serialize. Absent messages and repeat calls match zero rows.
func (s *Store) MarkRead(ctx context.Context, messageID, sessionID string) error {
	query := `
		UPDATE mesh_messages
		SET read_by = read_by || to_jsonb($2::text)
		WHERE id = $1 AND NOT jsonb_exists(read_by, $2)
	`
	_, err := s.db.ExecContext(ctx, query, messageID, sessionID)
	if err != nil {
		return fmt.Errorf("marking message read: %w", err)
	}
	return nil
}

// UnreadCount counts direct and broadcast messages the session has not
// marked read.
func (s *Store) UnreadCount(ctx context.Context, sessionID string) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM mesh_messages
		WHERE (to_session = $1 OR to_session = $2)
		  AND NOT jsonb_exists(read_by, $1)
		  AND ` + notExpired

	var count int
	err := s.db.QueryRowContext(ctx, query, sessionID, message.BroadcastTarget).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting unread messages: %w", err)
	}
	return count, nil
}

// Get retrieves a single message or message.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*message.Message, error) {
	sqlStr, args, err := psq.Select(messageColumns...).
		From("mesh_messages").
		Where(sq.Eq{"id": id}).
		Where(sq.Expr(notExpired)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building message lookup: %w", err)
	}

	row := s.db.QueryRowContext(ctx, sqlStr, args...)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, message.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning message: %w", err)
	}
	return msg, nil
}

// GetThread reconstructs the thread rooted at the given id by walking
// parent links downward. Replies whose chain passes through a purged or
// expired message are never reached, which makes them standalone roots.
func (s *Store) GetThread(ctx context.Context, rootID string) (*message.Thread, error) {
	query := `
		WITH RECURSIVE thread AS (
			SELECT id, seq, from_session, to_session, content, message_type, priority, timestamp, parent_message_id, read_by, requires_response, expires_at
			FROM mesh_messages
			WHERE id = $1 AND ` + notExpired + `
			UNION
			SELECT m.id, m.seq, m.from_session, m.to_session, m.content, m.message_type, m.priority, m.timestamp, m.parent_message_id, m.read_by, m.requires_response, m.expires_at
			FROM mesh_messages m
			JOIN thread t ON m.parent_message_id = t.id
			WHERE (m.expires_at IS NULL OR m.expires_at > NOW())
		)
		SELECT id, seq, from_session, to_session, content, message_type, priority, timestamp, parent_message_id, read_by, requires_response, expires_at
		FROM thread
		ORDER BY timestamp ASC, seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, rootID)
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}
	defer func() { _ = rows.Close() }()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, message.ErrNotFound
	}

	thread := &message.Thread{
		RootID:   rootID,
		Messages: msgs,
	}
	seen := make(map[string]bool)
	for _, m := range msgs {
		if !seen[m.FromSession] {
			seen[m.FromSession] = true
			thread.Participants = append(thread.Participants, m.FromSession)
		}
		if m.Timestamp.After(thread.LastActivity) {
			thread.LastActivity = m.Timestamp
		}
		if m.ID != rootID {
			thread.ReplyCount++
		}
	}
	return thread, nil
}

// Delete removes a message when the requester is its sender or recipient.
func (s *Store) Delete(ctx context.Context, id, requestingSession string) error {
	var from, to string
	err := s.db.QueryRowContext(ctx,
		`SELECT from_session, to_session FROM mesh_messages WHERE id = $1`, id,
	).Scan(&from, &to)
	if errors.Is(err, sql.ErrNoRows) {
		// Already gone; deletion is idempotent.
		return nil
	}
	if err != nil {
		return fmt.Errorf("looking up message for delete: %w", err)
	}

	if from != requestingSession && to != requestingSession {
		return message.ErrUnauthorized
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM mesh_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return nil
}

// Cleanup removes expired messages.
func (s *Store) Cleanup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM mesh_messages WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return fmt.Errorf("cleaning up expired messages: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically
// removes expired messages. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Cleanup(ctx); err != nil {
					slog.Warn("message cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit. Safe to
// call even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// nullable maps empty strings to NULL so the parent link's foreign
// reference stays clean.
func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// scanner abstracts sql.Row and sql.Rows for scanMessage.
type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(row scanner) (*message.Message, error) {
	var m message.Message
	var msgType, priority string
	var parent sql.NullString
	var readBy []byte
	var expires sql.NullTime

	err := row.Scan(&m.ID, &m.Seq, &m.FromSession, &m.ToSession, &m.Content,
		&msgType, &priority, &m.Timestamp, &parent, &readBy,
		&m.RequiresResponse, &expires)
	if err != nil {
		return nil, err
	}

	m.Type = message.Type(msgType)
	m.Priority = message.Priority(priority)
	if parent.Valid {
		m.ParentID = parent.String
	}
	if expires.Valid {
		t := expires.Time
		m.ExpiresAt = &t
	}
	m.ReadBy = []string{}
	if len(readBy) > 0 {
		if err := json.Unmarshal(readBy, &m.ReadBy); err != nil {
			return nil, fmt.Errorf("decoding read_by: %w", err)
		}
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]*message.Message, error) {
	var msgs []*message.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return msgs, nil
}

// Verify interface compliance.
var _ message.Store = (*Store)(nil)
