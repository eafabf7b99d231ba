// Package session holds the current user, bearer token and connectivity flag
// that the sync subsystem reads before choosing between a direct remote call
// and a queued one.
package session

import (
	"context"
	"sync"
)

// Provider is read by the orchestrator, handlers and the remote client.
type Provider interface {
	UserID() string
	Token() string
	IsOnline() bool
}

// State is the in-process Provider. The auth layer writes it, everything
// else reads it.
type State struct {
	mu        sync.RWMutex
	userID    string
	token     string
	online    bool
	listeners []func(online bool)
}

// NewState creates a signed-out State with the given initial connectivity.
func NewState(online bool) *State {
	return &State{online: online}
}

// UserID returns the signed-in user, or "".
func (s *State) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

// Token returns the bearer token, or "".
func (s *State) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Session returns the signed-in user and their token as one consistent
// pair. Both are "" when signed out.
func (s *State) Session() (userID, token string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.token
}

// IsOnline returns the last connectivity value.
func (s *State) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// SignIn records an authenticated session.
func (s *State) SignIn(userID, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.token = token
}

// SignOut clears the session. Queued operations of the user are kept.
func (s *State) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = ""
	s.token = ""
}

// SetOnline updates connectivity and notifies listeners on a change.
// It reports whether the value changed.
func (s *State) SetOnline(online bool) bool {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return false
	}
	s.online = online
	listeners := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(online)
	}
	return true
}

// OnChange registers fn to run after every connectivity change.
func (s *State) OnChange(fn func(online bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

type userKey struct{}

// WithUser returns a context carrying userID. The orchestrator sets it on
// every handler call so callbacks can look up the user's queue.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the user set by WithUser, or "".
func UserFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)
	return userID
}
