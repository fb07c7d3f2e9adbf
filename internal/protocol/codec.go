package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dkeye/Relief/internal/domain"
	"github.com/pion/webrtc/v4"
)

var (
	ErrMalformed   = errors.New("malformed envelope")
	ErrUnknownType = errors.New("unknown envelope type")
	ErrServerOnly  = errors.New("envelope type is server only")
)

// legacyICECandidate is the hyphenated event name some clients still emit.
const legacyICECandidate = "ice-candidate"

// wire is the flat JSON shape shared by every envelope kind.
type wire struct {
	Type             string                   `json:"type"`
	Content          string                   `json:"content,omitempty"`
	SenderID         string                   `json:"senderId,omitempty"`
	ReceiverID       string                   `json:"receiverId,omitempty"`
	Timestamp        string                   `json:"timestamp,omitempty"`
	IsTyping         *bool                    `json:"isTyping,omitempty"`
	CallData         *wireCallData            `json:"callData,omitempty"`
	Candidate        *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	UserID           string                   `json:"userId,omitempty"`
	ConnectionStatus string                   `json:"connectionStatus,omitempty"`
	AckID            string                   `json:"ackId,omitempty"`
}

type wireCallData struct {
	Type   string                     `json:"type"`
	Offer  *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer *webrtc.SessionDescription `json:"answer,omitempty"`
}

func (c CallData) wire() *wireCallData {
	return &wireCallData{Type: string(c.Type), Offer: c.Offer, Answer: c.Answer}
}

// Options tunes decoding at the transport boundary.
type Options struct {
	// LegacyEventNames accepts "ice-candidate" and normalizes it to
	// "ice_candidate". Off by default.
	LegacyEventNames bool
	// CheckSDP, when set, is applied to every offer and answer payload.
	CheckSDP func(*webrtc.SessionDescription) error
}

type Codec struct {
	opts Options
}

func NewCodec(opts Options) *Codec {
	return &Codec{opts: opts}
}

// PeekType returns the type discriminator without decoding the rest.
func PeekType(data []byte) (string, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env.Type, nil
}

// PeekAckID returns the ackId of a frame, even one that fails Decode.
func PeekAckID(data []byte) string {
	var env struct {
		AckID string `json:"ackId"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.AckID
}

// Decode parses and validates one client frame.
func (c *Codec) Decode(data []byte) (Envelope, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == legacyICECandidate && c.opts.LegacyEventNames {
		w.Type = string(KindICECandidate)
	}

	head, err := decodeHeader(w)
	if err != nil {
		return nil, err
	}

	switch Kind(w.Type) {
	case KindUserConnected:
		if head.SenderID == "" {
			return nil, fmt.Errorf("%w: user_connected missing senderId", ErrMalformed)
		}
		return &UserConnected{Header: head}, nil
	case KindMessage:
		if w.Content == "" {
			return nil, fmt.Errorf("%w: message missing content", ErrMalformed)
		}
		return &Message{Header: head, Content: w.Content, AckID: w.AckID}, nil
	case KindTyping:
		typing := &Typing{Header: head}
		if w.IsTyping != nil {
			typing.IsTyping = *w.IsTyping
		}
		return typing, nil
	case KindVoiceCall:
		call, err := c.decodeCall(w.CallData)
		if err != nil {
			return nil, err
		}
		return &VoiceCall{Header: head, Call: call}, nil
	case KindICECandidate:
		if w.Candidate == nil {
			return nil, fmt.Errorf("%w: ice_candidate missing candidate", ErrMalformed)
		}
		return &ICECandidate{Header: head, Candidate: *w.Candidate}, nil
	case KindConnectionStatus:
		return nil, fmt.Errorf("%w: %q", ErrServerOnly, w.Type)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
}

func decodeHeader(w wire) (Header, error) {
	var h Header
	if w.SenderID != "" {
		id, err := domain.ParseUserID(w.SenderID)
		if err != nil {
			return h, fmt.Errorf("%w: senderId: %v", ErrMalformed, err)
		}
		h.SenderID = id
	}
	if w.ReceiverID != "" {
		id, err := domain.ParseUserID(w.ReceiverID)
		if err != nil {
			return h, fmt.Errorf("%w: receiverId: %v", ErrMalformed, err)
		}
		h.ReceiverID = id
	}
	h.Timestamp = w.Timestamp
	return h, nil
}

func (c *Codec) decodeCall(w *wireCallData) (CallData, error) {
	if w == nil {
		return CallData{}, fmt.Errorf("%w: voice_call missing callData", ErrMalformed)
	}
	call := CallData{Type: CallType(w.Type), Offer: w.Offer, Answer: w.Answer}
	if !call.Type.valid() {
		return CallData{}, fmt.Errorf("%w: callData.type %q", ErrMalformed, w.Type)
	}
	if call.Offer != nil {
		if call.Offer.Type != webrtc.SDPTypeOffer {
			return CallData{}, fmt.Errorf("%w: callData.offer has type %q", ErrMalformed, call.Offer.Type)
		}
		if err := c.checkSDP(call.Offer); err != nil {
			return CallData{}, err
		}
	}
	if call.Answer != nil {
		if call.Answer.Type != webrtc.SDPTypeAnswer {
			return CallData{}, fmt.Errorf("%w: callData.answer has type %q", ErrMalformed, call.Answer.Type)
		}
		if err := c.checkSDP(call.Answer); err != nil {
			return CallData{}, err
		}
	}
	return call, nil
}

func (c *Codec) checkSDP(desc *webrtc.SessionDescription) error {
	if c.opts.CheckSDP == nil {
		return nil
	}
	if err := c.opts.CheckSDP(desc); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// Encode renders an envelope in its wire form.
func Encode(env Envelope) ([]byte, error) {
	h := env.Head()
	w := wire{
		Type:       string(env.Kind()),
		SenderID:   string(h.SenderID),
		ReceiverID: string(h.ReceiverID),
		Timestamp:  h.Timestamp,
	}
	switch e := env.(type) {
	case *Message:
		w.Content = e.Content
	case *Typing:
		isTyping := e.IsTyping
		w.IsTyping = &isTyping
	case *VoiceCall:
		w.CallData = e.Call.wire()
	case *ICECandidate:
		candidate := e.Candidate
		w.Candidate = &candidate
	case *UserConnected:
		w.UserID = string(e.UserID)
		w.ConnectionStatus = string(e.Status)
	case *ConnectionStatus:
		w.ConnectionStatus = string(e.Status)
	}
	return json.Marshal(w)
}

// Fingerprint keys an envelope for duplicate suppression. It must be taken
// before the relay rewrites the timestamp.
func Fingerprint(env Envelope) string {
	h := env.Head()
	var payload string
	switch e := env.(type) {
	case *Message:
		payload = e.Content
	case *VoiceCall:
		// The router only filters messages; calls are keyed too so any
		// envelope has a stable fingerprint.
		payload = string(e.Call.Type)
		if b, err := json.Marshal(e.Call.wire()); err == nil {
			payload = string(b)
		}
	}
	return strings.Join([]string{
		string(env.Kind()),
		string(h.SenderID),
		string(h.ReceiverID),
		h.Timestamp,
		payload,
	}, "|")
}
