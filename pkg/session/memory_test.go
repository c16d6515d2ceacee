package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoredSession(id string) *Session {
	now := time.Now()
	return &Session{
		ID:              id,
		ParticipantName: "agent-" + id,
		Subscriptions:   []string{BroadcastTarget},
		CreatedAt:       now,
		LastHeartbeat:   now,
	}
}

func TestMemoryStore_PutAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, newStoredSession("sess-1")))

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "sess-1", got.ID)
	assert.Equal(t, "agent-sess-1", got.ParticipantName)
	assert.Equal(t, []string{BroadcastTarget}, got.Subscriptions)
}

func TestMemoryStore_GetNotFound(t *testing.T) {
	store := NewMemoryStore()

	got, err := store.Get(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, newStoredSession("sess-1")))

	first, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	first.ParticipantName = "mutated"

	second, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-sess-1", second.ParticipantName)
}

func TestMemoryStore_List(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, newStoredSession("sess-1")))
	require.NoError(t, store.Put(ctx, newStoredSession("sess-2")))

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestMemoryStore_HeartbeatRefreshes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sess := newStoredSession("sess-1")
	sess.LastHeartbeat = time.Now().Add(-time.Hour)
	require.NoError(t, store.Put(ctx, sess))

	require.NoError(t, store.Heartbeat(ctx, "sess-1"))

	got, err := store.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), got.LastHeartbeat, time.Second)
}

func TestMemoryStore_HeartbeatUnknownIsNoop(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Heartbeat(ctx, "nonexistent"))

	sessions, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions, "heartbeat must never auto-create a session")
}
