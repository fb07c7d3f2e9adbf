// Package protocol defines the signaling envelopes exchanged over the relay and
// their JSON wire form.
//
// Envelopes are a closed set: every frame decodes into exactly one of the
// variants below, each carrying only the fields its kind needs.
package protocol

import (
	"time"

	"github.com/dkeye/Relief/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Kind string

const (
	KindMessage          Kind = "message"
	KindTyping           Kind = "typing"
	KindVoiceCall        Kind = "voice_call"
	KindICECandidate     Kind = "ice_candidate"
	KindUserConnected    Kind = "user_connected"
	KindConnectionStatus Kind = "connection_status"
)

// Routable reports whether envelopes of this kind are addressed to a receiver.
func (k Kind) Routable() bool {
	switch k {
	case KindMessage, KindTyping, KindVoiceCall, KindICECandidate:
		return true
	}
	return false
}

// CallType is the call-state transition carried by a voice_call envelope.
type CallType string

const (
	CallRequest  CallType = "request"
	CallAccepted CallType = "accepted"
	CallRejected CallType = "rejected"
	CallEnded    CallType = "ended"
	CallBusy     CallType = "busy"
)

func (c CallType) valid() bool {
	switch c {
	case CallRequest, CallAccepted, CallRejected, CallEnded, CallBusy:
		return true
	}
	return false
}

type Status string

const (
	StatusConnected    Status = "connected"
	StatusConnecting   Status = "connecting"
	StatusDisconnected Status = "disconnected"
)

// TimeLayout matches the millisecond ISO-8601 form browsers produce.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Stamp formats t the way the relay writes timestamps.
func Stamp(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// Header holds the addressing fields shared by all envelopes.
type Header struct {
	SenderID   domain.UserID
	ReceiverID domain.UserID
	Timestamp  string
}

func (h *Header) Head() *Header { return h }
func (*Header) sealed()         {}

// Envelope is implemented only by the variants in this package.
type Envelope interface {
	Kind() Kind
	Head() *Header
	sealed()
}

type Message struct {
	Header
	Content string
	// AckID is echoed back in the relay's acknowledgement when set.
	AckID string
}

type Typing struct {
	Header
	IsTyping bool
}

type CallData struct {
	Type   CallType
	Offer  *webrtc.SessionDescription
	Answer *webrtc.SessionDescription
}

type VoiceCall struct {
	Header
	Call CallData
}

type ICECandidate struct {
	Header
	Candidate webrtc.ICECandidateInit
}

// UserConnected is sent by a client to register SenderID and by the relay,
// with UserID and Status set, as a presence notification.
type UserConnected struct {
	Header
	UserID domain.UserID
	Status Status
}

type ConnectionStatus struct {
	Header
	Status Status
}

func (*Message) Kind() Kind          { return KindMessage }
func (*Typing) Kind() Kind           { return KindTyping }
func (*VoiceCall) Kind() Kind        { return KindVoiceCall }
func (*ICECandidate) Kind() Kind     { return KindICECandidate }
func (*UserConnected) Kind() Kind    { return KindUserConnected }
func (*ConnectionStatus) Kind() Kind { return KindConnectionStatus }

// Busy builds the reply for a call request whose callee is offline: the
// roles are swapped so the caller sees it coming from the callee.
func Busy(req *VoiceCall, at time.Time) *VoiceCall {
	return &VoiceCall{
		Header: Header{
			SenderID:   req.ReceiverID,
			ReceiverID: req.SenderID,
			Timestamp:  Stamp(at),
		},
		Call: CallData{Type: CallBusy},
	}
}

// Ended builds a call termination from one party to the other.
func Ended(from, to domain.UserID, at time.Time) *VoiceCall {
	return &VoiceCall{
		Header: Header{SenderID: from, ReceiverID: to, Timestamp: Stamp(at)},
		Call:   CallData{Type: CallEnded},
	}
}

// Presence builds the notification broadcast when a user goes on or offline.
func Presence(user domain.UserID, status Status, at time.Time) *UserConnected {
	return &UserConnected{
		Header: Header{Timestamp: Stamp(at)},
		UserID: user,
		Status: status,
	}
}

func Connected(at time.Time) *ConnectionStatus {
	return &ConnectionStatus{
		Header: Header{Timestamp: Stamp(at)},
		Status: StatusConnected,
	}
}
