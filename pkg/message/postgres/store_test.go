package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/symagenic/mcp-agent-mesh/pkg/message"
)

const (
	pgTestMsgID = "msg-123"
	pgTestFrom  = "s1"
	pgTestTo    = "s2"
)

var selectColumns = []string{
	"id", "seq", "from_session", "to_session", "content", "message_type",
	"priority", "timestamp", "parent_message_id", "read_by",
	"requires_response", "expires_at",
}

func messageRow(id string, seq int64, ts time.Time) []driver.Value {
	return []driver.Value{
		id, seq, pgTestFrom, pgTestTo, "hello", "chat", "normal",
		ts, nil, []byte(`[]`), false, nil,
	}
}

func TestAppend_Success(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO mesh_messages").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "timestamp"}).AddRow(int64(7), now))

	stored, err := store.Append(context.Background(), &message.Message{
		FromSession: pgTestFrom,
		ToSession:   pgTestTo,
		Content:     "hello",
		Type:        message.TypeChat,
		Priority:    message.PriorityNormal,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, int64(7), stored.Seq)
	assert.Equal(t, now, stored.Timestamp)
	assert.Empty(t, stored.ReadBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppend_DBError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("INSERT INTO mesh_messages").
		WillReturnError(errors.New("connection refused"))

	_, err = store.Append(context.Background(), &message.Message{
		FromSession: pgTestFrom,
		ToSession:   pgTestTo,
		Content:     "hello",
	})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "inserting message")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_FilterCombination(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(selectColumns).
		AddRow(messageRow("msg-1", 1, now)...).
		AddRow(messageRow("msg-2", 2, now)...)

	mock.ExpectQuery("SELECT (.+) FROM mesh_messages WHERE .+ ORDER BY timestamp ASC, seq ASC LIMIT 10").
		WithArgs(pgTestTo, message.BroadcastTarget, pgTestTo).
		WillReturnRows(rows)

	got, err := store.Query(context.Background(), message.Filter{
		ToSession:  pgTestTo,
		Viewer:     pgTestTo,
		UnreadOnly: true,
		Limit:      10,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "msg-1", got[0].ID)
	assert.Equal(t, int64(2), got[1].Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuery_NoFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("SELECT (.+) FROM mesh_messages WHERE \\(expires_at IS NULL OR expires_at > NOW\\(\\)\\) ORDER BY timestamp ASC, seq ASC").
		WillReturnRows(sqlmock.NewRows(selectColumns))

	got, err := store.Query(context.Background(), message.Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRead_GuardedUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("UPDATE mesh_messages").
		WithArgs(pgTestMsgID, pgTestTo).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.MarkRead(context.Background(), pgTestMsgID, pgTestTo)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkRead_AlreadyReadMatchesZeroRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("UPDATE mesh_messages").
		WithArgs(pgTestMsgID, pgTestTo).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.MarkRead(context.Background(), pgTestMsgID, pgTestTo)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnreadCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM mesh_messages").
		WithArgs(pgTestTo, message.BroadcastTarget).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := store.UnreadCount(context.Background(), pgTestTo)
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("SELECT (.+) FROM mesh_messages").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(selectColumns))

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, message.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_ExcludesExpired(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	// The lookup carries the expiry guard, so expired rows read as absent
	// before cleanup physically removes them.
	mock.ExpectQuery(`SELECT (.+) FROM mesh_messages WHERE id = \$1 AND \(expires_at IS NULL OR expires_at > NOW\(\)\)`).
		WithArgs(pgTestMsgID).
		WillReturnRows(sqlmock.NewRows(selectColumns))

	_, err = store.Get(context.Background(), pgTestMsgID)
	assert.ErrorIs(t, err, message.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet_CorruptReadByFailsScan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	rows := sqlmock.NewRows(selectColumns).
		AddRow(pgTestMsgID, int64(1), pgTestFrom, pgTestTo, "hello", "chat", "normal",
			time.Now().UTC(), nil, []byte(`{broken`), false, nil)

	mock.ExpectQuery("SELECT (.+) FROM mesh_messages").
		WithArgs(pgTestMsgID).
		WillReturnRows(rows)

	// A mangled read set must surface, not read as an empty one.
	_, err = store.Get(context.Background(), pgTestMsgID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding read_by")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetThread_AssemblesParticipantsAndReplies(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	base := time.Now().UTC()

	rows := sqlmock.NewRows(selectColumns).
		AddRow("root-1", int64(1), "s1", "ALL", "root", "chat", "normal", base, nil, []byte(`[]`), false, nil).
		AddRow("reply-1", int64(2), "s2", "ALL", "reply", "chat", "normal", base.Add(time.Second), "root-1", []byte(`["s1"]`), false, nil)

	mock.ExpectQuery("WITH RECURSIVE thread").
		WithArgs("root-1").
		WillReturnRows(rows)

	thread, err := store.GetThread(context.Background(), "root-1")
	require.NoError(t, err)
	assert.Equal(t, "root-1", thread.RootID)
	assert.Equal(t, 1, thread.ReplyCount)
	assert.Equal(t, []string{"s1", "s2"}, thread.Participants)
	assert.Equal(t, base.Add(time.Second), thread.LastActivity)
	assert.Equal(t, []string{"s1"}, thread.Messages[1].ReadBy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetThread_SubtreeForReplyID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)
	base := time.Now().UTC()

	// The recursive walk seeded at a reply returns that reply plus its
	// descendants; the expiry guard keeps stale rows out of both legs.
	rows := sqlmock.NewRows(selectColumns).
		AddRow("reply-1", int64(2), "s2", "ALL", "reply", "chat", "normal", base, "root-1", []byte(`[]`), false, nil).
		AddRow("reply-2", int64(3), "s3", "ALL", "nested", "chat", "normal", base.Add(time.Second), "reply-1", []byte(`[]`), false, nil)

	mock.ExpectQuery(`(?s)WITH RECURSIVE thread.+expires_at IS NULL OR expires_at > NOW`).
		WithArgs("reply-1").
		WillReturnRows(rows)

	thread, err := store.GetThread(context.Background(), "reply-1")
	require.NoError(t, err)
	assert.Equal(t, "reply-1", thread.RootID)
	assert.Equal(t, 1, thread.ReplyCount)
	require.Len(t, thread.Messages, 2)
	assert.Equal(t, "reply-1", thread.Messages[0].ID)
	assert.Equal(t, []string{"s2", "s3"}, thread.Participants)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetThread_UnknownRoot(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("WITH RECURSIVE thread").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(selectColumns))

	_, err = store.GetThread(context.Background(), "missing")
	assert.ErrorIs(t, err, message.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_Authorized(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("SELECT from_session, to_session FROM mesh_messages").
		WithArgs(pgTestMsgID).
		WillReturnRows(sqlmock.NewRows([]string{"from_session", "to_session"}).AddRow(pgTestFrom, pgTestTo))
	mock.ExpectExec("DELETE FROM mesh_messages").
		WithArgs(pgTestMsgID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Delete(context.Background(), pgTestMsgID, pgTestFrom)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_Unauthorized(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("SELECT from_session, to_session FROM mesh_messages").
		WithArgs(pgTestMsgID).
		WillReturnRows(sqlmock.NewRows([]string{"from_session", "to_session"}).AddRow(pgTestFrom, pgTestTo))

	err = store.Delete(context.Background(), pgTestMsgID, "s3")
	assert.ErrorIs(t, err, message.ErrUnauthorized)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_AbsentIsIdempotent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectQuery("SELECT from_session, to_session FROM mesh_messages").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"from_session", "to_session"}))

	err = store.Delete(context.Background(), "missing", pgTestFrom)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanup(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db)

	mock.ExpectExec("DELETE FROM mesh_messages WHERE expires_at IS NOT NULL").
		WillReturnResult(sqlmock.NewResult(0, 2))

	err = store.Cleanup(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
