package rtc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

var ErrInvalidSDP = errors.New("invalid session description")

// DefaultICEServers is used when no ice_servers are configured.
var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

// ValidateSessionDescription parses the SDP body of an offer or answer. The
// relay never applies it; a nil description is accepted.
func ValidateSessionDescription(desc *webrtc.SessionDescription) error {
	if desc == nil {
		return nil
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return fmt.Errorf("%w: empty sdp", ErrInvalidSDP)
	}
	if _, err := desc.Unmarshal(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSDP, err)
	}
	return nil
}

// ICEServers turns configured URLs into the list handed to clients. Blank
// entries and unsupported schemes are skipped.
func ICEServers(urls []string) []webrtc.ICEServer {
	if len(urls) == 0 {
		urls = DefaultICEServers
	}
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if !supportedScheme(u) {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	return out
}

// Configuration is the peer connection configuration clients should use.
func Configuration(urls []string) webrtc.Configuration {
	return webrtc.Configuration{ICEServers: ICEServers(urls)}
}

func supportedScheme(u string) bool {
	for _, p := range []string{"stun:", "stuns:", "turn:", "turns:"} {
		if strings.HasPrefix(u, p) && len(u) > len(p) {
			return true
		}
	}
	return false
}
