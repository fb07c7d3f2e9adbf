package app

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/dkeye/Relief/internal/core"
	"github.com/dkeye/Relief/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrUnknownConnection = errors.New("unknown connection")

type connEntry struct {
	Conn      core.SignalConnection
	Cancel    context.CancelFunc
	Verified  domain.UserID
	User      domain.UserID
	Filter    *DedupeFilter
	CreatedAt time.Time
}

// Change describes what a Register or Unregister did to the user index.
type Change struct {
	User domain.UserID
	// Changed is false when the call was a no-op.
	Changed bool
	// Online is set when User went from zero to one connection.
	Online bool
	// Offline is set when User lost its last connection.
	Offline bool
	// Previous is the user a re-registered connection was taken from.
	Previous        domain.UserID
	PreviousOffline bool
}

type RegistryConfig struct {
	DedupeCapacity int
	DedupeTTL      time.Duration
}

// Registry maps user identities to their live connections. Every attached
// connection is known here, registered or not; a connection belongs to at
// most one user.
type Registry struct {
	mu    sync.RWMutex
	cfg   RegistryConfig
	conns map[domain.ConnectionID]*connEntry
	users map[domain.UserID][]domain.ConnectionID
}

func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:   cfg,
		conns: make(map[domain.ConnectionID]*connEntry),
		users: make(map[domain.UserID][]domain.ConnectionID),
	}
}

// Attach records a freshly upgraded connection. verified is the identity the
// transport authenticated, or empty for anonymous sessions.
func (r *Registry) Attach(sid domain.ConnectionID, conn core.SignalConnection, cancel context.CancelFunc, verified domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[sid] = &connEntry{
		Conn:      conn,
		Cancel:    cancel,
		Verified:  verified,
		Filter:    NewDedupeFilter(r.cfg.DedupeCapacity, r.cfg.DedupeTTL),
		CreatedAt: time.Now(),
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("verified", string(verified)).Msg("attached connection")
}

// Detach forgets a closed connection and unregisters it.
func (r *Registry) Detach(sid domain.ConnectionID) (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[sid]; !ok {
		return Change{}, false
	}
	ch := r.unregisterLocked(sid)
	delete(r.conns, sid)
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("detached connection")
	return ch, true
}

// Register adds sid to user's connection set. Registering the same pair again
// is a no-op; registering a connection owned by another user moves it.
func (r *Registry) Register(user domain.UserID, sid domain.ConnectionID) (Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[sid]
	if !ok {
		return Change{}, ErrUnknownConnection
	}
	if entry.User == user {
		return Change{User: user}, nil
	}

	ch := Change{User: user, Changed: true}
	if entry.User != "" {
		prev := r.unregisterLocked(sid)
		ch.Previous = prev.User
		ch.PreviousOffline = prev.Offline
	}
	ch.Online = len(r.users[user]) == 0
	r.users[user] = append(r.users[user], sid)
	entry.User = user
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(user)).Int("connections", len(r.users[user])).Msg("registered connection")
	return ch, nil
}

// Unregister removes sid from whichever user owns it.
func (r *Registry) Unregister(sid domain.ConnectionID) (Change, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := r.unregisterLocked(sid)
	return ch, ch.Changed
}

func (r *Registry) unregisterLocked(sid domain.ConnectionID) Change {
	entry, ok := r.conns[sid]
	if !ok || entry.User == "" {
		return Change{}
	}
	user := entry.User
	entry.User = ""

	list := r.users[user]
	if i := slices.Index(list, sid); i >= 0 {
		list = slices.Delete(list, i, i+1)
	}
	ch := Change{User: user, Changed: true}
	if len(list) == 0 {
		delete(r.users, user)
		ch.Offline = true
	} else {
		r.users[user] = list
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Str("user", string(user)).Bool("offline", ch.Offline).Msg("unregistered connection")
	return ch
}

// HeldByVerified reports whether a connection authenticated as user is
// registered under it.
func (r *Registry) HeldByVerified(user domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sid := range r.users[user] {
		if e, ok := r.conns[sid]; ok && e.Verified == user {
			return true
		}
	}
	return false
}

// DropUnverified unregisters the connections of user that were not
// authenticated as user and returns them.
func (r *Registry) DropUnverified(user domain.UserID) []domain.ConnectionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	var dropped []domain.ConnectionID
	for _, sid := range slices.Clone(r.users[user]) {
		if e, ok := r.conns[sid]; ok && e.Verified != user {
			r.unregisterLocked(sid)
			dropped = append(dropped, sid)
		}
	}
	return dropped
}

// ConnectionsFor returns user's live connections in registration order.
func (r *Registry) ConnectionsFor(user domain.UserID) []domain.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.users[user])
}

func (r *Registry) Conn(sid domain.ConnectionID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[sid]; ok {
		return e.Conn, true
	}
	return nil, false
}

// UserOf returns the identity sid registered with, if any.
func (r *Registry) UserOf(sid domain.ConnectionID) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[sid]
	if !ok || e.User == "" {
		return "", false
	}
	return e.User, true
}

// VerifiedOf returns the identity the transport authenticated for sid.
func (r *Registry) VerifiedOf(sid domain.ConnectionID) domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[sid]; ok {
		return e.Verified
	}
	return ""
}

func (r *Registry) Filter(sid domain.ConnectionID) (*DedupeFilter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[sid]; ok {
		return e.Filter, true
	}
	return nil, false
}

// All returns every attached connection, registered or not.
func (r *Registry) All() []core.SignalConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.SignalConnection, 0, len(r.conns))
	for _, e := range r.conns {
		out = append(out, e.Conn)
	}
	return out
}

// Online lists users with at least one connection, sorted.
func (r *Registry) Online() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.users))
	for u := range r.users {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

type Stats struct {
	Connections int `json:"connections"`
	Users       int `json:"users"`
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Stats{Connections: len(r.conns), Users: len(r.users)}
}

// Cancel stops the pumps of sid; the transport detaches it on exit.
func (r *Registry) Cancel(sid domain.ConnectionID) bool {
	r.mu.RLock()
	e, ok := r.conns[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(sid)).Msg("canceled connection")
	return true
}
