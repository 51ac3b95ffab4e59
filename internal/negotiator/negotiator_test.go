package negotiator

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
)

type fakePC struct {
	id int

	mu      sync.Mutex
	local   *webrtc.SessionDescription
	remote  *webrtc.SessionDescription
	ops     []string
	onCand  func(*webrtc.ICECandidate)
	onState func(webrtc.PeerConnectionState)
	closed  bool
}

func (f *fakePC) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	sdp := fmt.Sprintf("offer-%d", f.id)
	if opts != nil && opts.ICERestart {
		sdp += "-restart"
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}, nil
}

func (f *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("answer-%d", f.id)}, nil
}

func (f *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = &d
	f.ops = append(f.ops, "local:"+d.SDP)
	return nil
}

func (f *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.Type == webrtc.SDPTypeOffer && f.local != nil && f.local.Type == webrtc.SDPTypeOffer && f.remote == nil {
		return errors.New("offer in have-local-offer")
	}
	f.remote = &d
	f.ops = append(f.ops, "remote:"+d.SDP)
	return nil
}

func (f *fakePC) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "cand:"+c.Candidate)
	return nil
}

func (f *fakePC) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	f.onCand = fn
	f.mu.Unlock()
}

func (f *fakePC) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakePC) ConnectionState() webrtc.PeerConnectionState { return webrtc.PeerConnectionStateNew }

func (f *fakePC) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakePC) fireState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	fn(s)
}

func (f *fakePC) fireCandidate(c *webrtc.ICECandidate) {
	f.mu.Lock()
	fn := f.onCand
	f.mu.Unlock()
	fn(c)
}

func (f *fakePC) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakePC) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type pcSet struct {
	mu  sync.Mutex
	pcs []*fakePC
}

func (s *pcSet) factory() (PeerConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc := &fakePC{id: len(s.pcs)}
	s.pcs = append(s.pcs, pc)
	return pc, nil
}

func (s *pcSet) at(i int) *fakePC {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pcs[i]
}

func (s *pcSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pcs)
}

type sent struct {
	kind string
	to   int64
	body string
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sent
}

func (s *fakeSignaler) add(kind string, to int64, body string) error {
	s.mu.Lock()
	s.sent = append(s.sent, sent{kind, to, body})
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) SendOffer(to int64, d webrtc.SessionDescription) error {
	return s.add("offer", to, d.SDP)
}

func (s *fakeSignaler) SendAnswer(to int64, d webrtc.SessionDescription) error {
	return s.add("answer", to, d.SDP)
}

func (s *fakeSignaler) SendCandidate(to int64, c webrtc.ICECandidateInit) error {
	return s.add("candidate", to, c.Candidate)
}

func (s *fakeSignaler) of(kind string) []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sent
	for _, m := range s.sent {
		if m.kind == kind {
			out = append(out, m)
		}
	}
	return out
}

type eventLog struct {
	mu  sync.Mutex
	got []EventType
}

func (e *eventLog) record(ev LinkEvent) {
	e.mu.Lock()
	e.got = append(e.got, ev.Type)
	e.mu.Unlock()
}

func (e *eventLog) has(t EventType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, g := range e.got {
		if g == t {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func setup(localID int64) (*Negotiator, *pcSet, *fakeSignaler, *clock.Mock, *eventLog) {
	pcs, sig, mock, events := &pcSet{}, &fakeSignaler{}, clock.NewMock(), &eventLog{}
	n := New(localID, pcs.factory, sig, Options{Clock: mock})
	n.Subscribe(events.record)
	return n, pcs, sig, mock, events
}

func candidate(s string) webrtc.ICECandidateInit { return webrtc.ICECandidateInit{Candidate: s} }

func TestEarlyCandidatesAppliedAfterRemoteDescriptionInOrder(t *testing.T) {
	n, pcs, sig, _, _ := setup(2)
	defer n.Close()

	for _, c := range []string{"c1", "c2", "c3"} {
		if err := n.HandleCandidate(1, candidate(c)); err != nil {
			t.Fatal(err)
		}
	}
	pc := pcs.at(0)
	if ops := pc.log(); len(ops) != 0 {
		t.Fatalf("candidates applied before remote description: %v", ops)
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
	if err := n.HandleOffer(1, offer); err != nil {
		t.Fatal(err)
	}
	if err := n.HandleCandidate(1, candidate("c4")); err != nil {
		t.Fatal(err)
	}

	want := []string{"remote:remote-offer", "cand:c1", "cand:c2", "cand:c3", "local:answer-0", "cand:c4"}
	if got := pc.log(); strings.Join(got, " ") != strings.Join(want, " ") {
		t.Fatalf("ops = %v\nwant  %v", got, want)
	}
	if st, _ := n.State(1); st != AnswerSent {
		t.Fatalf("state = %s, want answer-sent", st)
	}
	if a := sig.of("answer"); len(a) != 1 || a[0].to != 1 {
		t.Fatalf("answers = %+v", a)
	}
}

func TestOffererReachesConnected(t *testing.T) {
	n, pcs, sig, mock, events := setup(1)
	defer n.Close()

	if err := n.Connect(2); err != nil {
		t.Fatal(err)
	}
	if err := n.Connect(2); err != nil {
		t.Fatal(err)
	}
	if got := sig.of("offer"); len(got) != 1 || got[0].body != "offer-0" {
		t.Fatalf("offers = %+v", got)
	}
	if err := n.HandleAnswer(2, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}); err != nil {
		t.Fatal(err)
	}
	pcs.at(0).fireState(webrtc.PeerConnectionStateConnected)

	if st, _ := n.State(2); st != Connected {
		t.Fatalf("state = %s", st)
	}
	if !events.has(LinkConnected) {
		t.Fatal("no connected event")
	}

	mock.Add(DefaultConnectTimeout * 2)
	time.Sleep(20 * time.Millisecond)
	if got := sig.of("offer"); len(got) != 1 {
		t.Fatalf("connected link renegotiated: %+v", got)
	}
}

func TestAnswerWithoutOffer(t *testing.T) {
	n, _, _, _, _ := setup(1)
	defer n.Close()

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}
	if err := n.HandleAnswer(9, answer); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("err = %v, want ErrUnknownPeer", err)
	}
	n.HandleCandidate(9, candidate("x"))
	if err := n.HandleAnswer(9, answer); !errors.Is(err, ErrUnexpectedAnswer) {
		t.Fatalf("err = %v, want ErrUnexpectedAnswer", err)
	}
}

func TestGatheringTimeoutSendsEndOfCandidatesOnce(t *testing.T) {
	n, pcs, sig, mock, events := setup(1)
	defer n.Close()

	n.Connect(2)
	pcs.at(0).fireCandidate(&webrtc.ICECandidate{Address: "10.0.0.1", Port: 4000, Protocol: webrtc.ICEProtocolUDP, Typ: webrtc.ICECandidateTypeHost, Component: 1})

	mock.Add(DefaultGatheringTimeout)
	waitFor(t, "end-of-candidates", func() bool {
		for _, c := range sig.of("candidate") {
			if c.body == "" {
				return true
			}
		}
		return false
	})
	pcs.at(0).fireCandidate(nil)

	ends := 0
	for _, c := range sig.of("candidate") {
		if c.body == "" {
			ends++
		}
	}
	if ends != 1 {
		t.Fatalf("end-of-candidates sent %d times", ends)
	}
	if !events.has(GatheringTimedOut) {
		t.Fatal("no gathering-timeout event")
	}
}

func TestConnectTimeoutRestartsICE(t *testing.T) {
	n, _, sig, mock, events := setup(1)
	defer n.Close()

	n.Connect(2)
	mock.Add(DefaultConnectTimeout)
	waitFor(t, "restart offer", func() bool { return len(sig.of("offer")) == 2 })

	if got := sig.of("offer")[1].body; got != "offer-0-restart" {
		t.Fatalf("second offer = %q", got)
	}
	if !events.has(LinkRestarting) {
		t.Fatal("no ice-restart event")
	}
}

func TestFailureEscalation(t *testing.T) {
	n, pcs, sig, _, events := setup(1)
	defer n.Close()

	n.Connect(2)
	first := pcs.at(0)

	first.fireState(webrtc.PeerConnectionStateFailed)
	if got := sig.of("offer"); len(got) != 2 || got[1].body != "offer-0-restart" {
		t.Fatalf("after first failure offers = %+v", got)
	}

	first.fireState(webrtc.PeerConnectionStateFailed)
	if pcs.len() != 2 || !first.isClosed() {
		t.Fatalf("connection not recreated: pcs=%d closed=%v", pcs.len(), first.isClosed())
	}
	if got := sig.of("offer"); len(got) != 3 || got[2].body != "offer-1" {
		t.Fatalf("after second failure offers = %+v", got)
	}
	if !events.has(LinkRecreated) {
		t.Fatal("no recreated event")
	}

	// Late callbacks from the replaced connection are ignored.
	first.fireState(webrtc.PeerConnectionStateConnected)
	if st, _ := n.State(2); st != OfferSent {
		t.Fatalf("stale callback changed state to %s", st)
	}

	second := pcs.at(1)
	second.fireState(webrtc.PeerConnectionStateFailed)
	if _, ok := n.State(2); ok {
		t.Fatal("link should be removed after exhausting recovery")
	}
	if !second.isClosed() {
		t.Fatal("final connection not closed")
	}
	if !events.has(LinkFailed) {
		t.Fatal("no failed event")
	}
}

func TestCollidingOffers(t *testing.T) {
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "theirs"}

	t.Run("lower id yields", func(t *testing.T) {
		n, pcs, sig, _, _ := setup(1)
		defer n.Close()
		n.Connect(2)
		if err := n.HandleOffer(2, offer); err != nil {
			t.Fatal(err)
		}
		if pcs.len() != 2 || !pcs.at(0).isClosed() {
			t.Fatal("yielding side should start over on a fresh connection")
		}
		if st, _ := n.State(2); st != AnswerSent {
			t.Fatalf("state = %s", st)
		}
		if len(sig.of("answer")) != 1 {
			t.Fatal("no answer sent")
		}
	})

	t.Run("higher id keeps its offer", func(t *testing.T) {
		n, _, sig, _, _ := setup(3)
		defer n.Close()
		n.Connect(2)
		if err := n.HandleOffer(2, offer); err != nil {
			t.Fatal(err)
		}
		if st, _ := n.State(2); st != OfferSent {
			t.Fatalf("state = %s", st)
		}
		if len(sig.of("answer")) != 0 {
			t.Fatal("answered a colliding offer")
		}
	})
}

func TestRemoveAndClose(t *testing.T) {
	n, pcs, _, _, events := setup(1)
	n.Connect(2)
	n.Connect(3)

	if !n.Remove(2) || n.Remove(2) {
		t.Fatal("Remove should succeed once")
	}
	if !pcs.at(0).isClosed() || !events.has(LinkRemoved) {
		t.Fatal("removed link not torn down")
	}
	n.Close()
	if !pcs.at(1).isClosed() {
		t.Fatal("Close left a connection open")
	}
	if err := n.Connect(4); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
