package orch

type DropReason string

const (
	ReasonNone              DropReason = ""
	ReasonNoReceiver        DropReason = "no_receiver"
	ReasonDuplicate         DropReason = "duplicate"
	ReasonOffline           DropReason = "offline"
	ReasonSpoofedSender     DropReason = "spoofed_sender"
	ReasonIllegalTransition DropReason = "illegal_transition"
	ReasonUnknownConnection DropReason = "unknown_connection"
	ReasonUnsupported       DropReason = "unsupported"
)

// Outcome reports what Route did with an envelope.
type Outcome struct {
	Delivered int
	Reason    DropReason
}

// Attempted is true when the relay accepted the envelope for delivery, even
// if nobody ended up receiving it. Acknowledgements report this value.
func (o Outcome) Attempted() bool {
	switch o.Reason {
	case ReasonNone, ReasonDuplicate, ReasonOffline:
		return true
	}
	return false
}
