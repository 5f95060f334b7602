package engine

import (
	"sync"
	"time"
)

// SessionKind tags what the next free-form message from an owner means.
type SessionKind string

const (
	SessionEditBody   SessionKind = "edit_body"
	SessionCustomTime SessionKind = "custom_time"
)

// Session is explicit per-post conversation state: "the owner's next message
// is the new body for post N" (or a custom fire time). It replaces ad-hoc
// next-message handler registration; entries expire so an abandoned prompt
// doesn't swallow an unrelated submission later.
type Session struct {
	OwnerID   int64
	PostID    int64
	Kind      SessionKind
	ExpiresAt time.Time
}

type sessionStore struct {
	mu       sync.Mutex
	byOwner  map[int64]Session
	ttl      time.Duration
}

func newSessionStore(ttl time.Duration) *sessionStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &sessionStore{byOwner: map[int64]Session{}, ttl: ttl}
}

func (s *sessionStore) setTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
}

// start installs (or replaces) the owner's pending session.
func (s *sessionStore) start(ownerID, postID int64, kind SessionKind) {
	s.mu.Lock()
	s.byOwner[ownerID] = Session{
		OwnerID:   ownerID,
		PostID:    postID,
		Kind:      kind,
		ExpiresAt: time.Now().Add(s.ttl),
	}
	s.mu.Unlock()
}

// take consumes the owner's pending session if one is live.
func (s *sessionStore) take(ownerID int64) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byOwner[ownerID]
	if !ok {
		return Session{}, false
	}
	delete(s.byOwner, ownerID)
	if time.Now().After(sess.ExpiresAt) {
		return Session{}, false
	}
	return sess, true
}

func (s *sessionStore) clear(ownerID int64) {
	s.mu.Lock()
	delete(s.byOwner, ownerID)
	s.mu.Unlock()
}

// expire drops sessions past their deadline; returns how many were dropped.
func (s *sessionStore) expire(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for owner, sess := range s.byOwner {
		if now.After(sess.ExpiresAt) {
			delete(s.byOwner, owner)
			n++
		}
	}
	return n
}
