package message

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store with an in-memory log. It backs the mesh
// when no database is configured and the package's own tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*Message
	nextSeq  int64
}

// NewMemoryStore creates a new in-memory message store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*Message),
	}
}

// Append stores a new message, assigning id, sequence, timestamp, and an
// empty read set.
func (s *MemoryStore) Append(_ context.Context, msg *Message) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	stored := *msg
	stored.ID = uuid.NewString()
	stored.Seq = s.nextSeq
	stored.Timestamp = time.Now()
	stored.ReadBy = []string{}

	s.messages[stored.ID] = &stored
	out := stored
	out.ReadBy = append([]string(nil), stored.ReadBy...)
	return &out, nil
}

// Query returns oldest-first matches for the filter.
func (s *MemoryStore) Query(_ context.Context, f Filter) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var matches []*Message
	for _, m := range s.messages {
		if !matchesFilter(m, f, now) {
			continue
		}
		matches = append(matches, copyMessage(m))
	}
	sortByArrival(matches)

	if f.Limit > 0 && len(matches) > f.Limit {
		matches = matches[:f.Limit]
	}
	return matches, nil
}

func matchesFilter(m *Message, f Filter, now time.Time) bool {
	if expired(m, now) {
		return false
	}
	if f.ToSession != "" && m.ToSession != f.ToSession && m.ToSession != BroadcastTarget {
		return false
	}
	if f.FromSession != "" && m.FromSession != f.FromSession {
		return false
	}
	if f.UnreadOnly && m.ReadBySession(f.Viewer) {
		return false
	}
	if !f.Since.IsZero() && m.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// MarkRead idempotently adds the session to the message's read set.
func (s *MemoryStore) MarkRead(_ context.Context, messageID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return nil
	}
	if m.ReadBySession(sessionID) {
		return nil
	}
	m.ReadBy = append(m.ReadBy, sessionID)
	return nil
}

// UnreadCount counts direct and broadcast messages the session has not
// marked read.
func (s *MemoryStore) UnreadCount(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	count := 0
	for _, m := range s.messages {
		if expired(m, now) {
			continue
		}
		if m.ToSession != sessionID && m.ToSession != BroadcastTarget {
			continue
		}
		if !m.ReadBySession(sessionID) {
			count++
		}
	}
	return count, nil
}

// Get retrieves a single message or ErrNotFound. Expired messages are
// gone from this path even before cleanup removes them.
func (s *MemoryStore) Get(_ context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok || expired(m, time.Now()) {
		return nil, ErrNotFound
	}
	return copyMessage(m), nil
}

// GetThread reconstructs the thread rooted at the given id. Expired
// messages neither anchor nor appear in threads; replies chained through
// one become unreachable, as if the parent were already purged.
func (s *MemoryStore) GetThread(_ context.Context, rootID string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	root, ok := s.messages[rootID]
	if !ok || expired(root, now) {
		return nil, ErrNotFound
	}

	candidates := make([]*Message, 0, len(s.messages))
	for _, m := range s.messages {
		if expired(m, now) {
			continue
		}
		candidates = append(candidates, copyMessage(m))
	}
	return buildThread(rootID, candidates), nil
}

// Delete removes a message when the requester is its sender or recipient.
func (s *MemoryStore) Delete(_ context.Context, id, requestingSession string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		// Already gone; deletion is idempotent.
		return nil
	}
	if m.FromSession != requestingSession && m.ToSession != requestingSession {
		return ErrUnauthorized
	}
	delete(s.messages, id)
	return nil
}

// Cleanup removes expired messages.
func (s *MemoryStore) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, m := range s.messages {
		if expired(m, now) {
			delete(s.messages, id)
		}
	}
	return nil
}

// Close releases resources. No-op for the memory store.
func (*MemoryStore) Close() error {
	return nil
}

func expired(m *Message, now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

func copyMessage(m *Message) *Message {
	cp := *m
	cp.ReadBy = append([]string(nil), m.ReadBy...)
	return &cp
}

// Verify interface compliance.
var _ Store = (*MemoryStore)(nil)
