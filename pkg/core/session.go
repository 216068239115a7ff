package core

import (
	"sync"

	"github.com/google/uuid"
)

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// sessionTracker remembers which sessions have already consumed the
// essential set. Injection is one-shot: the first context build of a session
// includes the set, later builds in the same session do not, even if a new
// set is published mid-session.
type sessionTracker struct {
	mu       sync.Mutex
	consumed map[sessionKey]bool
}

type sessionKey struct {
	namespace string
	session   string
}

func newSessionTracker() *sessionTracker {
	return &sessionTracker{consumed: make(map[sessionKey]bool)}
}

// consume marks the session as having received the essential set. It returns
// true only on the first call for a given (namespace, session) pair.
func (t *sessionTracker) consume(namespace, session string) bool {
	key := sessionKey{namespace: namespace, session: session}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consumed[key] {
		return false
	}
	t.consumed[key] = true
	return true
}

// forgetNamespace drops consumption state for a namespace, so sessions start
// fresh after the namespace is cleared.
func (t *sessionTracker) forgetNamespace(namespace string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.consumed {
		if key.namespace == namespace {
			delete(t.consumed, key)
		}
	}
}
