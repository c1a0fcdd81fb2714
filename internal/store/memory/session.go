package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"authcore.io/internal/session"
)

// SessionStore is the in-memory session.Store implementation. The mutex
// makes cap enforcement atomic with the insert.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

// NewSessionStore constructs an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*session.Session)}
}

func (s *SessionStore) Create(_ context.Context, sess *session.Session, cap int) ([]*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*session.Session
	for _, existing := range s.sessions {
		if existing.Active && existing.UserID == sess.UserID {
			active = append(active, existing)
		}
	}
	var evicted []*session.Session
	if cap > 0 && len(active) >= cap {
		sort.Slice(active, func(i, j int) bool {
			return active[i].LastActivityAt.Before(active[j].LastActivityAt)
		})
		for _, victim := range active[:len(active)-cap+1] {
			victim.Active = false
			victim.InvalidatedAt = sess.CreatedAt
			victim.InvalidationReason = session.ReasonLimitExceed
			copied := *victim
			evicted = append(evicted, &copied)
		}
	}
	copied := *sess
	s.sessions[sess.ID] = &copied
	return evicted, nil
}

func (s *SessionStore) Find(_ context.Context, id string) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, session.ErrNotFound
	}
	copied := *sess
	return &copied, nil
}

func (s *SessionStore) Touch(_ context.Context, id string, lastActivity, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || !sess.Active {
		return session.ErrNotFound
	}
	sess.LastActivityAt = lastActivity
	sess.ExpiresAt = expiresAt
	return nil
}

func (s *SessionStore) Invalidate(_ context.Context, id, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false, session.ErrNotFound
	}
	if !sess.Active {
		return false, nil
	}
	sess.Active = false
	sess.InvalidatedAt = at
	sess.InvalidationReason = reason
	return true, nil
}

func (s *SessionStore) InvalidateAllForUser(_ context.Context, userID, exceptID, reason string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.UserID != userID || sess.ID == exceptID || !sess.Active {
			continue
		}
		sess.Active = false
		sess.InvalidatedAt = at
		sess.InvalidationReason = reason
		n++
	}
	return n, nil
}

func (s *SessionStore) ListForUser(_ context.Context, userID string, includeInactive bool) ([]*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*session.Session
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		if !includeInactive && !sess.Active {
			continue
		}
		copied := *sess
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func (s *SessionStore) MarkExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.Active && now.After(sess.ExpiresAt) {
			sess.Active = false
			sess.InvalidatedAt = now
			sess.InvalidationReason = session.ReasonExpired
			n++
		}
	}
	return n, nil
}

func (s *SessionStore) DeleteTerminatedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		if !sess.Active && sess.InvalidatedAt.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}
