// Package calls keeps track of voice call sessions between pairs of users,
// driven by the voice_call envelopes the relay forwards.
//
// By default the tracker only observes: every transition is forwarded and the
// tracker records what the endpoints believe. In strict mode it also refuses
// transitions that do not follow from the current state.
package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dkeye/Relief/internal/domain"
	"github.com/dkeye/Relief/internal/protocol"
	"github.com/rs/zerolog/log"
)

type State int

const (
	Idle State = iota
	Requested
	Connected
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case Connected:
		return "connected"
	default:
		return "idle"
	}
}

// Session is one call between Caller and Callee. Idle pairs are not stored.
type Session struct {
	Caller domain.UserID `json:"caller"`
	Callee domain.UserID `json:"callee"`
	State  State         `json:"-"`
	Since  time.Time     `json:"since"`
}

// Peer returns the other party of the session.
func (s Session) Peer(user domain.UserID) domain.UserID {
	if s.Caller == user {
		return s.Callee
	}
	return s.Caller
}

type Verdict int

const (
	Forward Verdict = iota
	Drop
	ReplyBusy
)

type Config struct {
	Strict         bool
	RequestTimeout time.Duration
	SweepInterval  time.Duration
}

type pairKey struct {
	a, b domain.UserID
}

func keyOf(x, y domain.UserID) pairKey {
	if y < x {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

type Tracker struct {
	mu       sync.Mutex
	cfg      Config
	now      func() time.Time
	sessions map[pairKey]*Session
}

func New(cfg Config) *Tracker {
	return &Tracker{
		cfg:      cfg,
		now:      time.Now,
		sessions: make(map[pairKey]*Session),
	}
}

// Check decides whether a call transition from -> to may be forwarded. It
// always returns Forward unless the tracker is strict.
func (t *Tracker) Check(from, to domain.UserID, ct protocol.CallType) Verdict {
	if !t.cfg.Strict {
		return Forward
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[keyOf(from, to)]
	switch ct {
	case protocol.CallRequest:
		if t.busyWithOtherLocked(to, from) {
			return ReplyBusy
		}
		return Forward
	case protocol.CallAccepted, protocol.CallRejected, protocol.CallBusy:
		if ok && s.State == Requested && s.Callee == from {
			return Forward
		}
	case protocol.CallEnded:
		if ok {
			return Forward
		}
	}
	log.Warn().Str("module", "calls").Str("from", string(from)).Str("to", string(to)).Str("call", string(ct)).Msg("illegal call transition")
	return Drop
}

func (t *Tracker) busyWithOtherLocked(user, except domain.UserID) bool {
	for k, s := range t.sessions {
		if (k.a == user || k.b == user) && s.Peer(user) != except {
			return true
		}
	}
	return false
}

// Observe records a transition that the relay forwarded.
func (t *Tracker) Observe(from, to domain.UserID, ct protocol.CallType) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := keyOf(from, to)
	s, ok := t.sessions[key]

	switch ct {
	case protocol.CallRequest:
		t.sessions[key] = &Session{Caller: from, Callee: to, State: Requested, Since: t.now()}
	case protocol.CallAccepted:
		if ok && s.State == Requested {
			s.State = Connected
			s.Since = t.now()
		}
	case protocol.CallRejected, protocol.CallBusy:
		if ok && s.State == Requested {
			delete(t.sessions, key)
		}
	case protocol.CallEnded:
		delete(t.sessions, key)
	}
	log.Debug().Str("module", "calls").Str("from", string(from)).Str("to", string(to)).Str("call", string(ct)).Str("state", t.stateLocked(key).String()).Msg("call transition")
}

func (t *Tracker) stateLocked(key pairKey) State {
	if s, ok := t.sessions[key]; ok {
		return s.State
	}
	return Idle
}

func (t *Tracker) State(a, b domain.UserID) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked(keyOf(a, b))
}

// EndAll forgets every session user takes part in and returns them.
func (t *Tracker) EndAll(user domain.UserID) []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Session
	for k, s := range t.sessions {
		if k.a == user || k.b == user {
			out = append(out, *s)
			delete(t.sessions, k)
		}
	}
	return out
}

// Active returns a snapshot of stored sessions, oldest first.
func (t *Tracker) Active() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Session, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

// Expire drops requests that stayed unanswered longer than the timeout.
func (t *Tracker) Expire() int {
	if t.cfg.RequestTimeout <= 0 {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.cfg.RequestTimeout)
	n := 0
	for k, s := range t.sessions {
		if s.State == Requested && s.Since.Before(cutoff) {
			delete(t.sessions, k)
			n++
		}
	}
	return n
}

// Run sweeps expired requests until ctx is done.
func (t *Tracker) Run(ctx context.Context) error {
	interval := t.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "calls").Msg("sweeper stopped")
			return nil
		case <-ticker.C:
			if n := t.Expire(); n > 0 {
				log.Info().Str("module", "calls").Int("expired", n).Msg("expired unanswered call requests")
			}
		}
	}
}
