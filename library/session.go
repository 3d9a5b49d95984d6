package library

import (
	"errors"
	"sync"
	"time"
)

// SessionState is where a caller is in the login lifecycle.
type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticated
	StateExpired
	StateRevoked
)

func (s SessionState) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	case StateRevoked:
		return "revoked"
	default:
		return "unauthenticated"
	}
}

// SessionHolder keeps one caller's session between commands (the REPL uses
// one per terminal). When a command reports ErrAuthentication, or the session
// passes its expiry, the holder drops everything it knows and the caller has
// to log in again.
type SessionHolder struct {
	mu    sync.Mutex
	state SessionState
	sess  *Session
	user  *User
	ended SessionState // why the last session ended; Expired or Revoked
	now   func() time.Time
}

func NewSessionHolder() *SessionHolder {
	return &SessionHolder{now: time.Now}
}

// Start records a successful login or registration.
func (h *SessionHolder) Start(res *AuthResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, user := res.Session, res.User
	h.sess, h.user = &sess, &user
	h.state = StateAuthenticated
	h.ended = StateUnauthenticated
}

// State reports the current state.
func (h *SessionHolder) State() SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// LastEnd reports why the previous session ended (Expired or Revoked), or
// Unauthenticated after an explicit logout.
func (h *SessionHolder) LastEnd() SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ended
}

// User returns the logged-in user's profile, or nil.
func (h *SessionHolder) User() *User {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.user
}

// Current returns the session to attach to the next command. A session past
// its expiry is torn down here without a round trip.
func (h *SessionHolder) Current() (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateAuthenticated {
		return nil, authenticationErr("not logged in")
	}
	if !h.now().Before(h.sess.ExpiresAt) {
		h.teardown(StateExpired)
		return nil, sessionExpiredErr()
	}
	return h.sess, nil
}

// Observe inspects a command's error. An AuthenticationError ends the session.
// err is returned unchanged.
func (h *SessionHolder) Observe(err error) error {
	var e *Error
	if !errors.As(err, &e) || !errors.Is(e.Kind, ErrAuthentication) {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateAuthenticated {
		return err
	}
	reason := StateRevoked
	if errors.Is(err, ErrSessionExpired) {
		reason = StateExpired
	}
	h.teardown(reason)
	return err
}

// Do runs fn with the current session and observes its error.
func (h *SessionHolder) Do(fn func(*Session) error) error {
	sess, err := h.Current()
	if err != nil {
		return err
	}
	return h.Observe(fn(sess))
}

// End clears the session after a logout.
func (h *SessionHolder) End() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.teardown(StateUnauthenticated)
}

func (h *SessionHolder) teardown(reason SessionState) {
	h.sess, h.user = nil, nil
	h.state = StateUnauthenticated
	h.ended = reason
}
