package orch

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Relief/internal/app"
	"github.com/dkeye/Relief/internal/app/calls"
	"github.com/dkeye/Relief/internal/core"
	"github.com/dkeye/Relief/internal/core/mocks"
	"github.com/dkeye/Relief/internal/domain"
	"github.com/dkeye/Relief/internal/protocol"
	"github.com/pion/webrtc/v4"
	"go.uber.org/mock/gomock"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type captureConn struct {
	mu     sync.Mutex
	frames []map[string]any
}

func (c *captureConn) TrySend(f core.Frame) error {
	var m map[string]any
	if err := json.Unmarshal(f, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, m)
	c.mu.Unlock()
	return nil
}

func (c *captureConn) Close() {}

func (c *captureConn) ofType(typ string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, f := range c.frames {
		if f["type"] == typ {
			out = append(out, f)
		}
	}
	return out
}

func newTestOrch(t *testing.T, strict bool) *Orchestrator {
	t.Helper()
	return &Orchestrator{
		Registry:             app.NewRegistry(app.RegistryConfig{DedupeCapacity: 16}),
		Calls:                calls.New(calls.Config{Strict: strict}),
		Policy:               app.SimplePolicy{},
		EndCallsOnDisconnect: true,
		Now:                  func() time.Time { return testNow },
	}
}

func connect(t *testing.T, o *Orchestrator, sid domain.ConnectionID, user domain.UserID) *captureConn {
	t.Helper()
	c := &captureConn{}
	o.OnConnect(sid, c, nil, "")
	if user != "" {
		out := o.Route(sid, &protocol.UserConnected{Header: protocol.Header{SenderID: user}})
		if out.Reason != ReasonNone {
			t.Fatalf("register %s: %s", user, out.Reason)
		}
	}
	return c
}

func msg(from, to domain.UserID, content, ts string) *protocol.Message {
	return &protocol.Message{
		Header:  protocol.Header{SenderID: from, ReceiverID: to, Timestamp: ts},
		Content: content,
	}
}

func call(from, to domain.UserID, ct protocol.CallType) *protocol.VoiceCall {
	return &protocol.VoiceCall{
		Header: protocol.Header{SenderID: from, ReceiverID: to},
		Call:   protocol.CallData{Type: ct},
	}
}

func TestOnConnect_SendsConnectionStatus(t *testing.T) {
	o := newTestOrch(t, false)
	c := connect(t, o, "c1", "")

	got := c.ofType("connection_status")
	if len(got) != 1 || got[0]["connectionStatus"] != "connected" {
		t.Fatalf("frames: %+v", c.frames)
	}
}

func TestPresence_DisconnectedOnlyOnLastConnection(t *testing.T) {
	o := newTestOrch(t, false)
	watcher := connect(t, o, "w", "W")
	connect(t, o, "a1", "A")
	connect(t, o, "a2", "A")

	connected := 0
	for _, f := range watcher.ofType("user_connected") {
		if f["userId"] == "A" && f["connectionStatus"] == "connected" {
			connected++
		}
	}
	if connected != 2 {
		t.Fatalf("want 2 connected notices for A, got %d", connected)
	}

	o.OnDisconnect("a1")
	for _, f := range watcher.ofType("user_connected") {
		if f["connectionStatus"] == "disconnected" {
			t.Fatalf("A still has a2, got %+v", f)
		}
	}

	o.OnDisconnect("a2")
	var offline int
	for _, f := range watcher.ofType("user_connected") {
		if f["userId"] == "A" && f["connectionStatus"] == "disconnected" {
			offline++
		}
	}
	if offline != 1 {
		t.Fatalf("want one disconnected notice, got %d", offline)
	}
	if len(o.Registry.ConnectionsFor("A")) != 0 {
		t.Fatal("A should be gone")
	}
}

func TestPresence_ReregisterIsSilent(t *testing.T) {
	o := newTestOrch(t, false)
	watcher := connect(t, o, "w", "W")
	connect(t, o, "a1", "A")
	before := len(watcher.ofType("user_connected"))

	o.Route("a1", &protocol.UserConnected{Header: protocol.Header{SenderID: "A"}})
	if after := len(watcher.ofType("user_connected")); after != before {
		t.Fatalf("re-register broadcast presence: %d -> %d", before, after)
	}
}

func TestRoute_MessageGoesToFirstConnection(t *testing.T) {
	o := newTestOrch(t, false)
	connect(t, o, "s1", "S")
	r1 := connect(t, o, "r1", "R")
	r2 := connect(t, o, "r2", "R")

	out := o.Route("s1", msg("S", "R", "hi", "2020-01-01T00:00:00.000Z"))
	if out.Delivered != 1 || !out.Attempted() {
		t.Fatalf("outcome: %+v", out)
	}
	got := r1.ofType("message")
	if len(got) != 1 || len(r2.ofType("message")) != 0 {
		t.Fatalf("r1=%d r2=%d", len(got), len(r2.ofType("message")))
	}
	if got[0]["timestamp"] != protocol.Stamp(testNow) {
		t.Fatalf("timestamp not rewritten: %v", got[0]["timestamp"])
	}
	if got[0]["senderId"] != "S" || got[0]["content"] != "hi" {
		t.Fatalf("payload: %+v", got[0])
	}
}

func TestRoute_TypingFansOut(t *testing.T) {
	o := newTestOrch(t, false)
	connect(t, o, "s1", "S")
	r1 := connect(t, o, "r1", "R")
	r2 := connect(t, o, "r2", "R")

	out := o.Route("s1", &protocol.Typing{Header: protocol.Header{SenderID: "S", ReceiverID: "R"}, IsTyping: true})
	if out.Delivered != 2 {
		t.Fatalf("delivered %d", out.Delivered)
	}
	if len(r1.ofType("typing")) != 1 || len(r2.ofType("typing")) != 1 {
		t.Fatal("both receiver connections should see typing")
	}
}

func TestRoute_DuplicateSuppressedPerConnection(t *testing.T) {
	o := newTestOrch(t, false)
	connect(t, o, "s1", "S")
	connect(t, o, "s2", "S")
	r := connect(t, o, "r1", "R")

	m := func() protocol.Envelope { return msg("S", "R", "hello", "2025-01-01T00:00:00.000Z") }
	if out := o.Route("s1", m()); out.Delivered != 1 {
		t.Fatalf("first: %+v", out)
	}
	out := o.Route("s1", m())
	if out.Reason != ReasonDuplicate || !out.Attempted() {
		t.Fatalf("second: %+v", out)
	}
	if out := o.Route("s2", m()); out.Delivered != 1 {
		t.Fatalf("other connection: %+v", out)
	}
	if n := len(r.ofType("message")); n != 2 {
		t.Fatalf("receiver got %d messages", n)
	}
}

func TestRoute_TypingNotDeduplicated(t *testing.T) {
	o := newTestOrch(t, false)
	connect(t, o, "s1", "S")
	r := connect(t, o, "r1", "R")

	for range 3 {
		o.Route("s1", &protocol.Typing{Header: protocol.Header{SenderID: "S", ReceiverID: "R", Timestamp: "t"}, IsTyping: true})
	}
	if n := len(r.ofType("typing")); n != 3 {
		t.Fatalf("got %d typing frames", n)
	}
}

func TestRoute_NoReceiverDropped(t *testing.T) {
	o := newTestOrch(t, false)
	connect(t, o, "s1", "S")

	out := o.Route("s1", msg("S", "", "x", ""))
	if out.Reason != ReasonNoReceiver || out.Attempted() {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestRoute_OfflineReceiver(t *testing.T) {
	o := newTestOrch(t, false)
	connect(t, o, "s1", "S")

	out := o.Route("s1", msg("S", "ghost", "x", ""))
	if out.Reason != ReasonOffline || !out.Attempted() {
		t.Fatalf("outcome: %+v", out)
	}
}

func TestRoute_CallRequestToOfflineRepliesBusy(t *testing.T) {
	o := newTestOrch(t, false)
	a1 := connect(t, o, "a1", "A")
	a2 := connect(t, o, "a2", "A")

	o.Route("a1", call("A", "B", protocol.CallRequest))

	for _, c := range []*captureConn{a1, a2} {
		got := c.ofType("voice_call")
		if len(got) != 1 {
			t.Fatalf("want one busy per caller connection, got %+v", c.frames)
		}
		data := got[0]["callData"].(map[string]any)
		if data["type"] != "busy" || got[0]["senderId"] != "B" || got[0]["receiverId"] != "A" {
			t.Fatalf("busy frame: %+v", got[0])
		}
	}
	if st := o.Calls.State("A", "B"); st != calls.Idle {
		t.Fatalf("state %s", st)
	}
}

func TestRoute_AnonymousBusyGoesBackToSource(t *testing.T) {
	o := newTestOrch(t, false)
	anon := connect(t, o, "x1", "")

	o.Route("x1", call("", "B", protocol.CallRequest))
	if len(anon.ofType("voice_call")) != 1 {
		t.Fatalf("frames: %+v", anon.frames)
	}
}

func TestRoute_SenderFilledFromRegistration(t *testing.T) {
	o := newTestOrch(t, false)
	connect(t, o, "s1", "S")
	r := connect(t, o, "r1", "R")

	o.Route("s1", msg("", "R", "x", ""))
	got := r.ofType("message")
	if len(got) != 1 || got[0]["senderId"] != "S" {
		t.Fatalf("frames: %+v", got)
	}
}

func TestRoute_VerifiedIdentity(t *testing.T) {
	o := newTestOrch(t, false)
	s := &captureConn{}
	o.OnConnect("s1", s, nil, "S")
	r := connect(t, o, "r1", "R")

	if out := o.Route("s1", &protocol.UserConnected{Header: protocol.Header{SenderID: "mallory"}}); out.Reason != ReasonSpoofedSender {
		t.Fatalf("register as other user: %+v", out)
	}
	if out := o.Route("s1", msg("mallory", "R", "x", "")); out.Reason != ReasonSpoofedSender || out.Attempted() {
		t.Fatalf("spoofed message: %+v", out)
	}
	if out := o.Route("s1", msg("", "R", "x", "")); out.Delivered != 1 {
		t.Fatalf("verified fill: %+v", out)
	}
	got := r.ofType("message")
	if len(got) != 1 || got[0]["senderId"] != "S" {
		t.Fatalf("frames: %+v", got)
	}
}

func TestRoute_CallFlowTracked(t *testing.T) {
	o := newTestOrch(t, false)
	connect(t, o, "a1", "A")
	b := connect(t, o, "b1", "B")

	o.Route("a1", call("A", "B", protocol.CallRequest))
	if st := o.Calls.State("A", "B"); st != calls.Requested {
		t.Fatalf("after request: %s", st)
	}
	o.Route("b1", call("B", "A", protocol.CallAccepted))
	if st := o.Calls.State("A", "B"); st != calls.Connected {
		t.Fatalf("after accept: %s", st)
	}
	o.Route("a1", &protocol.ICECandidate{Header: protocol.Header{SenderID: "A", ReceiverID: "B"}})
	if len(b.ofType("ice_candidate")) != 1 {
		t.Fatal("candidate not relayed")
	}
}

func TestRoute_StrictDropsIllegalTransition(t *testing.T) {
	o := newTestOrch(t, true)
	connect(t, o, "a1", "A")
	b := connect(t, o, "b1", "B")

	out := o.Route("a1", call("A", "B", protocol.CallAccepted))
	if out.Reason != ReasonIllegalTransition || out.Attempted() {
		t.Fatalf("outcome: %+v", out)
	}
	if len(b.ofType("voice_call")) != 0 {
		t.Fatal("illegal accept forwarded")
	}
}

func TestOnDisconnect_EndsCalls(t *testing.T) {
	o := newTestOrch(t, false)
	a := connect(t, o, "a1", "A")
	connect(t, o, "b1", "B")

	o.Route("a1", call("A", "B", protocol.CallRequest))
	o.Route("b1", call("B", "A", protocol.CallAccepted))
	o.OnDisconnect("b1")

	var ended bool
	for _, f := range a.ofType("voice_call") {
		data := f["callData"].(map[string]any)
		if data["type"] == "ended" && f["senderId"] == "B" {
			ended = true
		}
	}
	if !ended {
		t.Fatalf("A not told the call ended: %+v", a.frames)
	}
	if st := o.Calls.State("A", "B"); st != calls.Idle {
		t.Fatalf("state %s", st)
	}
}

func TestRoute_BackPressureKicksConnection(t *testing.T) {
	ctrl := gomock.NewController(t)
	o := newTestOrch(t, false)

	stuck := mocks.NewMockSignalConnection(ctrl)
	stuck.EXPECT().TrySend(gomock.Any()).Return(errors.New("send buffer full"))

	canceled := false
	o.Registry.Attach("b1", stuck, func() { canceled = true }, "")
	if _, err := o.Registry.Register("B", "b1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	o.Registry.Attach("a1", &captureConn{}, nil, "")

	out := o.Route("a1", msg("A", "B", "x", ""))
	if out.Delivered != 0 || !out.Attempted() {
		t.Fatalf("outcome: %+v", out)
	}
	if !canceled {
		t.Fatal("stuck connection was not canceled")
	}
}

func TestRoute_ServerOnlyKindRejected(t *testing.T) {
	o := newTestOrch(t, false)
	connect(t, o, "a1", "A")

	out := o.Route("a1", protocol.Connected(testNow))
	if out.Reason != ReasonUnsupported {
		t.Fatalf("outcome: %+v", out)
	}
}

type failConn struct{}

func (failConn) TrySend(core.Frame) error { return errors.New("send buffer full") }
func (failConn) Close()                   {}

func attachFailing(t *testing.T, o *Orchestrator, sid domain.ConnectionID, user domain.UserID) {
	t.Helper()
	o.Registry.Attach(sid, failConn{}, nil, "")
	if _, err := o.Registry.Register(user, sid); err != nil {
		t.Fatalf("register %s: %v", sid, err)
	}
}

func TestRoute_MessageFallsBackToNextConnection(t *testing.T) {
	o := newTestOrch(t, false)
	connect(t, o, "a1", "A")
	attachFailing(t, o, "b0", "B")
	b1 := connect(t, o, "b1", "B")
	b2 := connect(t, o, "b2", "B")

	out := o.Route("a1", msg("A", "B", "hi", "t1"))
	if out.Delivered != 1 || out.Reason != ReasonNone {
		t.Fatalf("outcome: %+v", out)
	}
	if len(b1.ofType("message")) != 1 || len(b2.ofType("message")) != 0 {
		t.Fatalf("b1=%d b2=%d", len(b1.ofType("message")), len(b2.ofType("message")))
	}
	if out := o.Route("a1", msg("A", "B", "hi", "t1")); out.Reason != ReasonDuplicate {
		t.Fatalf("retry after delivery: %+v", out)
	}
}

func TestRoute_UndeliveredMessageCanBeRetried(t *testing.T) {
	o := newTestOrch(t, false)
	connect(t, o, "a1", "A")
	attachFailing(t, o, "b0", "B")

	if out := o.Route("a1", msg("A", "B", "hi", "t1")); out.Delivered != 0 {
		t.Fatalf("first: %+v", out)
	}
	b1 := connect(t, o, "b1", "B")
	out := o.Route("a1", msg("A", "B", "hi", "t1"))
	if out.Delivered != 1 || out.Reason != ReasonNone {
		t.Fatalf("retry: %+v", out)
	}
	if len(b1.ofType("message")) != 1 {
		t.Fatalf("b1 frames: %+v", b1.frames)
	}
}

func TestRoute_OfflineMessageRemembered(t *testing.T) {
	o := newTestOrch(t, false)
	connect(t, o, "a1", "A")

	if out := o.Route("a1", msg("A", "ghost", "hi", "t1")); out.Reason != ReasonOffline {
		t.Fatalf("first: %+v", out)
	}
	if out := o.Route("a1", msg("A", "ghost", "hi", "t1")); out.Reason != ReasonDuplicate {
		t.Fatalf("retry: %+v", out)
	}
}

func TestRoute_FanOutSurvivesFailedConnection(t *testing.T) {
	const sdp = "v=0\r\no=- 1 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

	cases := []struct {
		name string
		typ  string
		env  func() protocol.Envelope
	}{
		{"voice_call", "voice_call", func() protocol.Envelope {
			c := call("A", "B", protocol.CallRequest)
			c.Call.Offer = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
			return c
		}},
		{"ice_candidate", "ice_candidate", func() protocol.Envelope {
			return &protocol.ICECandidate{
				Header:    protocol.Header{SenderID: "A", ReceiverID: "B"},
				Candidate: webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"},
			}
		}},
		{"typing", "typing", func() protocol.Envelope {
			return &protocol.Typing{Header: protocol.Header{SenderID: "A", ReceiverID: "B"}, IsTyping: true}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := newTestOrch(t, false)
			connect(t, o, "a1", "A")
			attachFailing(t, o, "b0", "B")
			b1 := connect(t, o, "b1", "B")
			b2 := connect(t, o, "b2", "B")

			out := o.Route("a1", tc.env())
			if out.Delivered != 2 {
				t.Fatalf("outcome: %+v", out)
			}
			for _, c := range []*captureConn{b1, b2} {
				got := c.ofType(tc.typ)
				if len(got) != 1 {
					t.Fatalf("want one %s, got %+v", tc.typ, c.frames)
				}
				if tc.typ != "voice_call" {
					continue
				}
				offer := got[0]["callData"].(map[string]any)["offer"].(map[string]any)
				if offer["sdp"] != sdp || offer["type"] != "offer" {
					t.Fatalf("offer altered: %+v", offer)
				}
			}
		})
	}
}

func TestRoute_CallNegotiationAcrossDevices(t *testing.T) {
	o := newTestOrch(t, false)
	c1 := connect(t, o, "c1", "A")
	b1 := connect(t, o, "b1", "B")
	b2 := connect(t, o, "b2", "B")

	req := call("A", "B", protocol.CallRequest)
	req.Timestamp = "2020-01-01T00:00:00.000Z"
	req.Call.Offer = &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-sdp"}
	if out := o.Route("c1", req); out.Delivered != 2 {
		t.Fatalf("request: %+v", out)
	}
	for _, c := range []*captureConn{b1, b2} {
		got := c.ofType("voice_call")
		if len(got) != 1 {
			t.Fatalf("frames: %+v", c.frames)
		}
		f := got[0]
		data := f["callData"].(map[string]any)
		if f["senderId"] != "A" || f["receiverId"] != "B" || data["type"] != "request" {
			t.Fatalf("request frame: %+v", f)
		}
		if data["offer"].(map[string]any)["sdp"] != "offer-sdp" {
			t.Fatalf("offer: %+v", data["offer"])
		}
		if f["timestamp"] != protocol.Stamp(testNow) {
			t.Fatalf("timestamp %v", f["timestamp"])
		}
	}

	acc := call("B", "A", protocol.CallAccepted)
	acc.Call.Answer = &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-sdp"}
	if out := o.Route("b2", acc); out.Delivered != 1 {
		t.Fatalf("accept: %+v", out)
	}
	got := c1.ofType("voice_call")
	if len(got) != 1 {
		t.Fatalf("c1 frames: %+v", c1.frames)
	}
	data := got[0]["callData"].(map[string]any)
	if data["type"] != "accepted" || data["answer"].(map[string]any)["sdp"] != "answer-sdp" {
		t.Fatalf("accepted frame: %+v", got[0])
	}
	if st := o.Calls.State("A", "B"); st != calls.Connected {
		t.Fatalf("state %s", st)
	}
}

func TestRegister_AnonymousCannotClaimVerifiedIdentity(t *testing.T) {
	o := newTestOrch(t, false)
	o.OnConnect("s1", &captureConn{}, nil, "S")
	if out := o.Route("s1", &protocol.UserConnected{Header: protocol.Header{SenderID: "S"}}); out.Reason != ReasonNone {
		t.Fatalf("verified register: %+v", out)
	}
	x := connect(t, o, "x1", "X")

	out := o.Route("x1", &protocol.UserConnected{Header: protocol.Header{SenderID: "S"}})
	if out.Reason != ReasonSpoofedSender {
		t.Fatalf("anonymous claim: %+v", out)
	}
	if got := o.Registry.ConnectionsFor("S"); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("S connections: %v", got)
	}
	if out := o.Route("x1", msg("S", "X", "hi", "")); out.Reason != ReasonSpoofedSender {
		t.Fatalf("anonymous send as S: %+v", out)
	}
	if len(x.ofType("message")) != 0 {
		t.Fatal("spoofed message delivered")
	}
}

func TestRegister_VerifiedTakesOverAnonymousHolders(t *testing.T) {
	o := newTestOrch(t, false)
	connect(t, o, "x1", "S")

	o.OnConnect("s1", &captureConn{}, nil, "S")
	if out := o.Route("s1", &protocol.UserConnected{Header: protocol.Header{SenderID: "S"}}); out.Reason != ReasonNone {
		t.Fatalf("verified register: %+v", out)
	}
	if got := o.Registry.ConnectionsFor("S"); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("S connections: %v", got)
	}
	if _, ok := o.Registry.UserOf("x1"); ok {
		t.Fatal("anonymous holder still registered")
	}
}

func TestOnDisconnect_ClearsCallsWithoutNotice(t *testing.T) {
	o := newTestOrch(t, true)
	o.EndCallsOnDisconnect = false
	a := connect(t, o, "a1", "A")
	connect(t, o, "b1", "B")
	connect(t, o, "c1", "C")

	o.Route("a1", call("A", "B", protocol.CallRequest))
	o.Route("b1", call("B", "A", protocol.CallAccepted))
	o.OnDisconnect("b1")

	for _, f := range a.ofType("voice_call") {
		if f["callData"].(map[string]any)["type"] == "ended" {
			t.Fatalf("ended sent with notices disabled: %+v", f)
		}
	}
	if st := o.Calls.State("A", "B"); st != calls.Idle {
		t.Fatalf("state %s", st)
	}
	if out := o.Route("c1", call("C", "A", protocol.CallRequest)); out.Delivered != 1 {
		t.Fatalf("A still looks busy: %+v", out)
	}
}
