package protocol

import (
	"encoding/json"
	"time"
)

// Control frames sit outside the envelope set: they are answered by the
// transport and never reach the router.
const (
	ControlPing = "ping"
	ControlPong = "pong"
	ControlAck  = "ack"
)

type Pong struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

type Ack struct {
	Type    string `json:"type"`
	AckID   string `json:"ackId"`
	Success bool   `json:"success"`
}

func EncodePong(at time.Time) ([]byte, error) {
	return json.Marshal(Pong{Type: ControlPong, Timestamp: Stamp(at)})
}

func EncodeAck(ackID string, success bool) ([]byte, error) {
	return json.Marshal(Ack{Type: ControlAck, AckID: ackID, Success: success})
}
