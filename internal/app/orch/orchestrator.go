package orch

import (
	"context"
	"time"

	"github.com/dkeye/Relief/internal/app"
	"github.com/dkeye/Relief/internal/app/calls"
	"github.com/dkeye/Relief/internal/core"
	"github.com/dkeye/Relief/internal/domain"
	"github.com/dkeye/Relief/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Orchestrator routes decoded envelopes between registered connections and
// keeps presence in sync with the Registry.
type Orchestrator struct {
	Registry *app.Registry
	Calls    *calls.Tracker
	Policy   app.Policy

	// EndCallsOnDisconnect sends a voice_call "ended" to the partner of every
	// call a user was in when its last connection closes.
	EndCallsOnDisconnect bool

	// Now is the relay clock; time.Now when nil.
	Now func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// OnConnect attaches a new transport connection and greets it.
func (o *Orchestrator) OnConnect(sid domain.ConnectionID, conn core.SignalConnection, cancel context.CancelFunc, verified domain.UserID) {
	o.Registry.Attach(sid, conn, cancel, verified)
	frame, err := protocol.Encode(protocol.Connected(o.now()))
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode connection_status")
		return
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Msg("connection_status not sent")
	}
}

// OnDisconnect detaches a closed connection and announces the user offline
// when it was the last one.
func (o *Orchestrator) OnDisconnect(sid domain.ConnectionID) {
	ch, ok := o.Registry.Detach(sid)
	if !ok {
		return
	}
	if ch.Offline {
		o.userOffline(ch.User)
	}
}

// Route handles one envelope received on sid. It never fails; the Outcome
// says what happened to it.
func (o *Orchestrator) Route(sid domain.ConnectionID, env protocol.Envelope) Outcome {
	logger := log.With().
		Str("module", "orch").
		Str("sid", string(sid)).
		Str("type", string(env.Kind())).
		Logger()

	if reg, ok := env.(*protocol.UserConnected); ok {
		return o.register(sid, reg, &logger)
	}
	if !env.Kind().Routable() {
		return o.drop(&logger, ReasonUnsupported)
	}

	h := env.Head()
	if reason := o.resolveSender(sid, h); reason != ReasonNone {
		return o.drop(&logger, reason)
	}
	if h.ReceiverID == "" {
		return o.drop(&logger, ReasonNoReceiver)
	}

	var (
		filter      *app.DedupeFilter
		fingerprint string
	)
	if _, ok := env.(*protocol.Message); ok {
		filter, _ = o.Registry.Filter(sid)
		fingerprint = protocol.Fingerprint(env)
		if filter != nil && filter.Seen(fingerprint) {
			return o.drop(&logger, ReasonDuplicate)
		}
	}

	call, _ := env.(*protocol.VoiceCall)
	if call != nil && o.Calls != nil {
		switch o.Calls.Check(h.SenderID, h.ReceiverID, call.Call.Type) {
		case calls.Drop:
			return o.drop(&logger, ReasonIllegalTransition)
		case calls.ReplyBusy:
			return o.replyBusy(sid, call, &logger)
		}
	}

	targets := o.Registry.ConnectionsFor(h.ReceiverID)
	if len(targets) == 0 {
		if call != nil && call.Call.Type == protocol.CallRequest {
			return o.replyBusy(sid, call, &logger)
		}
		if filter != nil {
			filter.Remember(fingerprint)
		}
		return o.drop(&logger, ReasonOffline)
	}

	h.Timestamp = protocol.Stamp(o.now())
	var n int
	if env.Kind() == protocol.KindMessage {
		n = o.deliverFirst(targets, env, &logger)
		// A message nobody received may be retried as is.
		if n > 0 && filter != nil {
			filter.Remember(fingerprint)
		}
	} else {
		n = o.deliver(targets, env, &logger)
	}
	if call != nil && o.Calls != nil {
		o.Calls.Observe(h.SenderID, h.ReceiverID, call.Call.Type)
	}
	logger.Debug().Str("to", string(h.ReceiverID)).Int("targets", len(targets)).Int("delivered", n).Msg("routed")
	return Outcome{Delivered: n}
}

func (o *Orchestrator) register(sid domain.ConnectionID, reg *protocol.UserConnected, logger *zerolog.Logger) Outcome {
	verified := o.Registry.VerifiedOf(sid)
	if verified != "" && verified != reg.SenderID {
		return o.drop(logger, ReasonSpoofedSender)
	}
	// Identities held by an authenticated connection are closed to anonymous ones.
	if verified == "" && o.Registry.HeldByVerified(reg.SenderID) {
		return o.drop(logger, ReasonSpoofedSender)
	}
	ch, err := o.Registry.Register(reg.SenderID, sid)
	if err != nil {
		logger.Error().Err(err).Msg("register")
		return o.drop(logger, ReasonUnknownConnection)
	}
	if verified != "" {
		if dropped := o.Registry.DropUnverified(verified); len(dropped) > 0 {
			logger.Warn().Str("user", string(verified)).Int("connections", len(dropped)).Msg("unregistered anonymous holders of verified identity")
		}
	}
	if ch.Previous != "" && ch.PreviousOffline {
		o.userOffline(ch.Previous)
	}
	if ch.Changed {
		o.broadcast(protocol.Presence(ch.User, protocol.StatusConnected, o.now()))
	}
	return Outcome{}
}

// resolveSender fills in or checks the sender against the identity bound to
// the source connection.
func (o *Orchestrator) resolveSender(sid domain.ConnectionID, h *protocol.Header) DropReason {
	if verified := o.Registry.VerifiedOf(sid); verified != "" {
		if h.SenderID == "" {
			h.SenderID = verified
		} else if h.SenderID != verified {
			return ReasonSpoofedSender
		}
		return ReasonNone
	}
	user, registered := o.Registry.UserOf(sid)
	switch {
	case h.SenderID == "" && registered:
		h.SenderID = user
	case h.SenderID != "" && h.SenderID != user && o.Registry.HeldByVerified(h.SenderID):
		return ReasonSpoofedSender
	}
	return ReasonNone
}

// replyBusy answers a call request on behalf of an unreachable callee. The
// reply goes to every connection of the caller, or back to sid when the
// caller never registered.
func (o *Orchestrator) replyBusy(sid domain.ConnectionID, req *protocol.VoiceCall, logger *zerolog.Logger) Outcome {
	var targets []domain.ConnectionID
	if req.SenderID != "" {
		targets = o.Registry.ConnectionsFor(req.SenderID)
	}
	if len(targets) == 0 {
		targets = []domain.ConnectionID{sid}
	}
	n := o.deliver(targets, protocol.Busy(req, o.now()), logger)
	logger.Info().Str("to", string(req.ReceiverID)).Int("notified", n).Msg("callee unavailable, replied busy")
	return Outcome{Reason: ReasonOffline}
}

// deliver sends env to each target independently; one failing connection
// does not stop the others.
func (o *Orchestrator) deliver(targets []domain.ConnectionID, env protocol.Envelope, logger *zerolog.Logger) int {
	frame, err := protocol.Encode(env)
	if err != nil {
		logger.Error().Err(err).Msg("encode envelope")
		return 0
	}
	n := 0
	for _, sid := range targets {
		conn, ok := o.Registry.Conn(sid)
		if !ok {
			continue
		}
		if err := conn.TrySend(frame); err != nil {
			logger.Warn().Err(err).Str("dst_sid", string(sid)).Msg("send failed")
			o.onBackPressure(sid)
			continue
		}
		n++
	}
	return n
}

// deliverFirst sends env to the first target, in registration order, that
// accepts it.
func (o *Orchestrator) deliverFirst(targets []domain.ConnectionID, env protocol.Envelope, logger *zerolog.Logger) int {
	frame, err := protocol.Encode(env)
	if err != nil {
		logger.Error().Err(err).Msg("encode envelope")
		return 0
	}
	for _, sid := range targets {
		conn, ok := o.Registry.Conn(sid)
		if !ok {
			continue
		}
		if err := conn.TrySend(frame); err != nil {
			logger.Warn().Err(err).Str("dst_sid", string(sid)).Msg("send failed, trying next connection")
			o.onBackPressure(sid)
			continue
		}
		return 1
	}
	return 0
}

func (o *Orchestrator) onBackPressure(sid domain.ConnectionID) {
	if o.Policy == nil {
		return
	}
	switch o.Policy.OnBackPressure(sid) {
	case app.KickConnection:
		o.Registry.Cancel(sid)
	case app.DropFrame, app.NoAction:
	}
}

// broadcast fans a presence change out to every attached connection. It is
// advisory: failures are ignored.
func (o *Orchestrator) broadcast(env protocol.Envelope) {
	frame, err := protocol.Encode(env)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode presence")
		return
	}
	sent := 0
	for _, conn := range o.Registry.All() {
		if conn.TrySend(frame) == nil {
			sent++
		}
	}
	log.Debug().Str("module", "orch").Int("sent_to", sent).Msg("presence broadcast")
}

func (o *Orchestrator) userOffline(user domain.UserID) {
	o.broadcast(protocol.Presence(user, protocol.StatusDisconnected, o.now()))
	if o.Calls == nil {
		return
	}
	// Sessions are cleared either way; partners are only told when configured.
	ended := o.Calls.EndAll(user)
	if !o.EndCallsOnDisconnect {
		return
	}
	logger := log.With().Str("module", "orch").Str("user", string(user)).Logger()
	for _, s := range ended {
		peer := s.Peer(user)
		n := o.deliver(o.Registry.ConnectionsFor(peer), protocol.Ended(user, peer, o.now()), &logger)
		logger.Info().Str("peer", string(peer)).Int("notified", n).Msg("ended call of departed user")
	}
}

func (o *Orchestrator) drop(logger *zerolog.Logger, reason DropReason) Outcome {
	logger.Info().Str("reason", string(reason)).Msg("dropped envelope")
	return Outcome{Reason: reason}
}
