package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultLivenessWindow bounds who-is-online results when the caller does
// not supply a window.
const DefaultLivenessWindow = 5 * time.Minute

// Registry implements mesh presence semantics over a Store: subscribe,
// heartbeat refresh, and liveness-window queries. Sessions are never
// force-expired here; staleness only affects WhoIsOnline filtering.
type Registry struct {
	store          Store
	livenessWindow time.Duration
}

// NewRegistry creates a Registry backed by the given store. A zero
// livenessWindow selects [DefaultLivenessWindow].
func NewRegistry(store Store, livenessWindow time.Duration) *Registry {
	if livenessWindow <= 0 {
		livenessWindow = DefaultLivenessWindow
	}
	return &Registry{
		store:          store,
		livenessWindow: livenessWindow,
	}
}

// Subscribe registers a session or refreshes an existing one. An empty id
// generates a new session identifier. Empty subscriptions default to the
// broadcast target. Returns the effective session record.
func (r *Registry) Subscribe(ctx context.Context, id, participantName string, subscriptions []string) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if len(subscriptions) == 0 {
		subscriptions = []string{BroadcastTarget}
	}

	now := time.Now()
	sess := &Session{
		ID:              id,
		ParticipantName: participantName,
		Subscriptions:   subscriptions,
		CreatedAt:       now,
		LastHeartbeat:   now,
	}

	// Re-subscribing keeps the original creation time and fills in a
	// previously set name when the caller omits it.
	existing, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("looking up session %s: %w", id, err)
	}
	if existing != nil {
		sess.CreatedAt = existing.CreatedAt
		if participantName == "" {
			sess.ParticipantName = existing.ParticipantName
		}
	}

	if err := r.store.Put(ctx, sess); err != nil {
		return nil, fmt.Errorf("persisting session %s: %w", id, err)
	}
	return sess, nil
}

// GetAllSessions returns every known session record without staleness
// filtering.
func (r *Registry) GetAllSessions(ctx context.Context) ([]*Session, error) {
	sessions, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// UpdateHeartbeat refreshes a session's liveness timestamp. Unknown ids
// are a deliberate no-op so caller bugs surface instead of silently
// creating records.
func (r *Registry) UpdateHeartbeat(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	if err := r.store.Heartbeat(ctx, id); err != nil {
		return fmt.Errorf("heartbeating session %s: %w", id, err)
	}
	return nil
}

// WhoIsOnline returns sessions whose last heartbeat falls within the
// window. A non-positive window selects the registry's configured
// liveness window.
func (r *Registry) WhoIsOnline(ctx context.Context, within time.Duration) ([]*Session, error) {
	if within <= 0 {
		within = r.livenessWindow
	}

	sessions, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	cutoff := time.Now().Add(-within)
	online := make([]*Session, 0, len(sessions))
	for _, sess := range sessions {
		if !sess.LastHeartbeat.Before(cutoff) {
			online = append(online, sess)
		}
	}
	return online, nil
}

// MostRecent returns the most-recently-heartbeated session, or nil when
// no session exists. The mesh facade uses this to infer the acting
// session when a caller omits an explicit session id.
func (r *Registry) MostRecent(ctx context.Context) (*Session, error) {
	sessions, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	var latest *Session
	for _, sess := range sessions {
		if latest == nil || sess.LastHeartbeat.After(latest.LastHeartbeat) {
			latest = sess
		}
	}
	return latest, nil
}

// Get retrieves a single session record. Returns nil, nil if not found.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	sess, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("looking up session %s: %w", id, err)
	}
	return sess, nil
}

// LivenessWindow returns the configured liveness window.
func (r *Registry) LivenessWindow() time.Duration {
	return r.livenessWindow
}
