package srp

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	maxSessionsPerIdentity = 5
	sessionMaxLifetime     = 30 * 24 * time.Hour
	sessionIdleLifetime    = 8 * 24 * time.Hour
)

// StoredSession is a completed SRP handshake's resumable state: enough
// to skip the full exchange on reconnect.
type StoredSession struct {
	SessionID      string
	Identity       string
	BaseSessionKey []byte
	CreatedAt      time.Time
	LastUsedAt     time.Time
}

func (s *StoredSession) expired(now time.Time) bool {
	return now.Sub(s.CreatedAt) > sessionMaxLifetime || now.Sub(s.LastUsedAt) > sessionIdleLifetime
}

// SessionStore holds resumable sessions in memory, capped at
// maxSessionsPerIdentity per identity with oldest-by-last-used
// eviction. Callers that want persistence wrap Put/Get with
// internal/storage the same way internal/auth does for cookie
// sessions; nothing here requires that, since an SRP session is
// re-derivable from scratch via a fresh handshake if the process
// restarts.
type SessionStore struct {
	mu         sync.Mutex
	byID       map[string]*StoredSession
	byIdentity map[string][]*StoredSession
}

func NewSessionStore() *SessionStore {
	return &SessionStore{
		byID:       make(map[string]*StoredSession),
		byIdentity: make(map[string][]*StoredSession),
	}
}

// Put records a new resumable session for identity, evicting the
// oldest-by-last-used entry first if the per-identity cap is already
// at capacity.
func (s *SessionStore) Put(identity string, baseKey []byte) *StoredSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	sess := &StoredSession{
		SessionID:      ulid.Make().String(),
		Identity:       identity,
		BaseSessionKey: baseKey,
		CreatedAt:      now,
		LastUsedAt:     now,
	}

	sessions := s.byIdentity[identity]
	if len(sessions) >= maxSessionsPerIdentity {
		oldestIdx := 0
		for i, cand := range sessions {
			if cand.LastUsedAt.Before(sessions[oldestIdx].LastUsedAt) {
				oldestIdx = i
			}
		}
		delete(s.byID, sessions[oldestIdx].SessionID)
		sessions = append(sessions[:oldestIdx], sessions[oldestIdx+1:]...)
	}

	sessions = append(sessions, sess)
	s.byIdentity[identity] = sessions
	s.byID[sess.SessionID] = sess
	return sess
}

// Get returns a live (non-expired) session by id, removing it first if
// it has aged out.
func (s *SessionStore) Get(sessionID string) (*StoredSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[sessionID]
	if !ok {
		return nil, false
	}
	if sess.expired(time.Now()) {
		s.removeLocked(sess)
		return nil, false
	}
	return sess, true
}

// Touch refreshes a session's idle window after successful use.
func (s *SessionStore) Touch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.byID[sessionID]; ok {
		sess.LastUsedAt = time.Now()
	}
}

func (s *SessionStore) removeLocked(sess *StoredSession) {
	delete(s.byID, sess.SessionID)
	list := s.byIdentity[sess.Identity]
	for i, cand := range list {
		if cand.SessionID == sess.SessionID {
			s.byIdentity[sess.Identity] = append(list[:i], list[i+1:]...)
			break
		}
	}
}
