// Package negotiator drives the offer/answer exchange for each remote peer
// of a local participant: one PeerConnection per pair, ICE candidates
// queued until a remote description exists, and escalating recovery when
// the transport fails (ICE restart, then a fresh connection, then give up).
package negotiator

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
)

var log = logging.Logger("negotiator")

type State string

const (
	Idle       State = "idle"
	OfferSent  State = "offer-sent"
	AnswerSent State = "answer-sent"
	Connected  State = "connected"
	Failed     State = "failed"
)

// PeerConnection is the subset of *webrtc.PeerConnection the negotiator uses.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

var _ PeerConnection = (*webrtc.PeerConnection)(nil)

// Factory creates a fresh PeerConnection.
type Factory func() (PeerConnection, error)

// Signaler carries negotiation messages to a remote user.
type Signaler interface {
	SendOffer(to int64, sdp webrtc.SessionDescription) error
	SendAnswer(to int64, sdp webrtc.SessionDescription) error
	SendCandidate(to int64, c webrtc.ICECandidateInit) error
}

var (
	ErrUnknownPeer      = errors.New("no link to peer")
	ErrClosed           = errors.New("negotiator closed")
	ErrUnexpectedAnswer = errors.New("answer without outstanding offer")
)

// EndOfCandidates tells the remote side no more candidates will follow.
var EndOfCandidates = webrtc.ICECandidateInit{Candidate: ""}

type EventType string

const (
	LinkOfferSent     EventType = "offer-sent"
	LinkAnswerSent    EventType = "answer-sent"
	LinkConnected     EventType = "connected"
	LinkRestarting    EventType = "ice-restart"
	LinkRecreated     EventType = "recreated"
	LinkFailed        EventType = "failed"
	LinkRemoved       EventType = "removed"
	GatheringTimedOut EventType = "gathering-timeout"
)

type LinkEvent struct {
	RemoteID int64
	Type     EventType
	State    State
}

const (
	DefaultGatheringTimeout = 5 * time.Second
	DefaultConnectTimeout   = 30 * time.Second
)

type Options struct {
	GatheringTimeout time.Duration
	ConnectTimeout   time.Duration
	// MaxRecreates bounds fresh-connection attempts after an ICE restart
	// failed. Zero means one; negative disables recreation.
	MaxRecreates int
	Clock        clock.Clock
}

type link struct {
	remote int64

	mu         sync.Mutex
	pc         PeerConnection
	state      State
	offerer    bool
	queue      []webrtc.ICECandidateInit
	epoch      uint64
	restarted  bool
	recreates  int
	gatherDone bool
	gather     *clock.Timer
	connect    *clock.Timer
	removed    bool
}

func (l *link) stopTimersLocked() {
	if l.gather != nil {
		l.gather.Stop()
		l.gather = nil
	}
	if l.connect != nil {
		l.connect.Stop()
		l.connect = nil
	}
}

// Negotiator owns the links of one local user.
type Negotiator struct {
	localID int64
	factory Factory
	sig     Signaler
	opts    Options
	clk     clock.Clock

	mu     sync.Mutex
	links  map[int64]*link
	closed bool

	subMu sync.RWMutex
	subs  []func(LinkEvent)
}

func New(localID int64, factory Factory, sig Signaler, opts Options) *Negotiator {
	if opts.GatheringTimeout <= 0 {
		opts.GatheringTimeout = DefaultGatheringTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.MaxRecreates == 0 {
		opts.MaxRecreates = 1
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Negotiator{
		localID: localID,
		factory: factory,
		sig:     sig,
		opts:    opts,
		clk:     opts.Clock,
		links:   make(map[int64]*link),
	}
}

func (n *Negotiator) Subscribe(fn func(LinkEvent)) {
	n.subMu.Lock()
	n.subs = append(n.subs, fn)
	n.subMu.Unlock()
}

func (n *Negotiator) emit(ev LinkEvent) {
	n.subMu.RLock()
	handlers := make([]func(LinkEvent), len(n.subs))
	copy(handlers, n.subs)
	n.subMu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// get returns the link to remote, creating it when create is set. The link
// is returned locked.
func (n *Negotiator) get(remote int64, create bool) (*link, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	l, ok := n.links[remote]
	if ok {
		n.mu.Unlock()
		l.mu.Lock()
		if l.removed {
			l.mu.Unlock()
			return nil, ErrUnknownPeer
		}
		return l, nil
	}
	if !create {
		n.mu.Unlock()
		return nil, ErrUnknownPeer
	}
	l = &link{remote: remote, state: Idle}
	l.mu.Lock()
	n.links[remote] = l
	n.mu.Unlock()

	if err := n.attachLocked(l); err != nil {
		l.removed = true
		l.mu.Unlock()
		n.mu.Lock()
		if n.links[remote] == l {
			delete(n.links, remote)
		}
		n.mu.Unlock()
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	log.Debugf("link %d->%d created", n.localID, remote)
	return l, nil
}

// attachLocked gives l a new PeerConnection. Callbacks from a replaced
// connection are ignored.
func (n *Negotiator) attachLocked(l *link) error {
	pc, err := n.factory()
	if err != nil {
		return err
	}
	l.pc = pc
	l.epoch++
	l.gatherDone = false
	pc.OnICECandidate(func(c *webrtc.ICECandidate) { n.onLocalCandidate(l, pc, c) })
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { n.onConnectionState(l, pc, s) })
	return nil
}

func (n *Negotiator) armLocked(l *link) {
	l.stopTimersLocked()
	l.epoch++
	pc, epoch := l.pc, l.epoch
	l.gather = n.clk.AfterFunc(n.opts.GatheringTimeout, func() { n.onGatherTimeout(l, pc, epoch) })
	l.connect = n.clk.AfterFunc(n.opts.ConnectTimeout, func() { n.onConnectTimeout(l, pc, epoch) })
}

func (n *Negotiator) offerLocked(l *link, opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	offer, err := l.pc.CreateOffer(opts)
	if err != nil {
		return offer, fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return offer, fmt.Errorf("set local offer: %w", err)
	}
	l.offerer = true
	l.state = OfferSent
	l.gatherDone = false
	n.armLocked(l)
	return offer, nil
}

func (n *Negotiator) flushLocked(l *link) {
	for _, c := range l.queue {
		if err := l.pc.AddICECandidate(c); err != nil {
			log.Debugf("link %d->%d: queued candidate: %v", n.localID, l.remote, err)
		}
	}
	l.queue = nil
}

// Connect starts negotiation toward remote as the offerer. It is a no-op
// when a negotiation with remote is already under way.
func (n *Negotiator) Connect(remote int64) error {
	l, err := n.get(remote, true)
	if err != nil {
		return err
	}
	if l.state != Idle {
		l.mu.Unlock()
		return nil
	}
	offer, err := n.offerLocked(l, nil)
	if err == nil {
		// candidates wait on l.mu, so none reach the server ahead of the offer
		err = n.sig.SendOffer(remote, offer)
	}
	l.mu.Unlock()
	if err != nil {
		return err
	}
	log.Infof("link %d->%d: offer sent", n.localID, remote)
	n.emit(LinkEvent{RemoteID: remote, Type: LinkOfferSent, State: OfferSent})
	return nil
}

// HandleOffer answers an offer from remote. Candidates that arrived before
// it are applied in arrival order right after the remote description.
func (n *Negotiator) HandleOffer(from int64, sdp webrtc.SessionDescription) error {
	l, err := n.get(from, true)
	if err != nil {
		return err
	}

	// Both sides offered at once: the higher id keeps its own offer.
	if l.state == OfferSent && l.pc.RemoteDescription() == nil && n.localID > from {
		l.mu.Unlock()
		log.Debugf("link %d->%d: ignoring colliding offer", n.localID, from)
		return nil
	}

	var stale PeerConnection
	err = l.pc.SetRemoteDescription(sdp)
	if err != nil && (l.state != Idle || l.pc.RemoteDescription() != nil) {
		// The remote side started over with a new connection.
		stale = l.pc
		l.stopTimersLocked()
		if aerr := n.attachLocked(l); aerr != nil {
			l.mu.Unlock()
			stale.Close()
			n.fail(l)
			return fmt.Errorf("replace peer connection: %w", aerr)
		}
		err = l.pc.SetRemoteDescription(sdp)
	}
	if err != nil {
		l.mu.Unlock()
		if stale != nil {
			stale.Close()
		}
		return fmt.Errorf("set remote offer: %w", err)
	}
	n.flushLocked(l)

	answer, err := l.pc.CreateAnswer(nil)
	if err == nil {
		err = l.pc.SetLocalDescription(answer)
	}
	if err != nil {
		l.mu.Unlock()
		if stale != nil {
			stale.Close()
		}
		return fmt.Errorf("answer: %w", err)
	}
	l.offerer = false
	l.state = AnswerSent
	n.armLocked(l)
	l.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	log.Infof("link %d->%d: answer sent", n.localID, from)
	n.emit(LinkEvent{RemoteID: from, Type: LinkAnswerSent, State: AnswerSent})
	return n.sig.SendAnswer(from, answer)
}

// HandleAnswer applies the answer to an outstanding offer.
func (n *Negotiator) HandleAnswer(from int64, sdp webrtc.SessionDescription) error {
	l, err := n.get(from, false)
	if err != nil {
		return err
	}
	defer l.mu.Unlock()
	if l.state != OfferSent {
		return fmt.Errorf("%w from %d (state %s)", ErrUnexpectedAnswer, from, l.state)
	}
	if err := l.pc.SetRemoteDescription(sdp); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	n.flushLocked(l)
	return nil
}

// HandleCandidate applies a remote candidate, or queues it until the remote
// description is known.
func (n *Negotiator) HandleCandidate(from int64, c webrtc.ICECandidateInit) error {
	l, err := n.get(from, true)
	if err != nil {
		return err
	}
	defer l.mu.Unlock()
	if l.pc.RemoteDescription() == nil {
		l.queue = append(l.queue, c)
		return nil
	}
	if err := l.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (n *Negotiator) onLocalCandidate(l *link, pc PeerConnection, c *webrtc.ICECandidate) {
	l.mu.Lock()
	if l.removed || l.pc != pc {
		l.mu.Unlock()
		return
	}
	if c == nil {
		if l.gatherDone {
			l.mu.Unlock()
			return
		}
		l.gatherDone = true
		if l.gather != nil {
			l.gather.Stop()
			l.gather = nil
		}
		l.mu.Unlock()
		n.sendCandidate(l.remote, EndOfCandidates)
		return
	}
	l.mu.Unlock()
	n.sendCandidate(l.remote, c.ToJSON())
}

func (n *Negotiator) sendCandidate(to int64, c webrtc.ICECandidateInit) {
	if err := n.sig.SendCandidate(to, c); err != nil {
		log.Debugf("link %d->%d: send candidate: %v", n.localID, to, err)
	}
}

func (n *Negotiator) onGatherTimeout(l *link, pc PeerConnection, epoch uint64) {
	l.mu.Lock()
	if l.removed || l.pc != pc || l.epoch != epoch || l.gatherDone {
		l.mu.Unlock()
		return
	}
	l.gatherDone = true
	l.gather = nil
	state := l.state
	l.mu.Unlock()

	log.Warnf("link %d->%d: ICE gathering timed out", n.localID, l.remote)
	n.sendCandidate(l.remote, EndOfCandidates)
	n.emit(LinkEvent{RemoteID: l.remote, Type: GatheringTimedOut, State: state})
}

func (n *Negotiator) onConnectTimeout(l *link, pc PeerConnection, epoch uint64) {
	l.mu.Lock()
	stale := l.removed || l.pc != pc || l.epoch != epoch || l.state == Connected
	l.mu.Unlock()
	if stale {
		return
	}
	n.recover(l, pc, "connect timeout")
}

func (n *Negotiator) onConnectionState(l *link, pc PeerConnection, s webrtc.PeerConnectionState) {
	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.mu.Lock()
		if l.removed || l.pc != pc {
			l.mu.Unlock()
			return
		}
		l.state = Connected
		l.restarted = false
		l.stopTimersLocked()
		l.mu.Unlock()
		log.Infof("link %d->%d: connected", n.localID, l.remote)
		n.emit(LinkEvent{RemoteID: l.remote, Type: LinkConnected, State: Connected})
	case webrtc.PeerConnectionStateFailed:
		n.recover(l, pc, "ice failed")
	}
}

// recover escalates a transport failure. The offerer first restarts ICE on
// the same connection, then replaces the connection up to MaxRecreates
// times. The answerer waits one more connect timeout for the offerer's
// recovery before giving up.
func (n *Negotiator) recover(l *link, pc PeerConnection, why string) {
	l.mu.Lock()
	if l.removed || l.pc != pc {
		l.mu.Unlock()
		return
	}
	remote := l.remote

	if !l.offerer {
		if !l.restarted {
			l.restarted = true
			n.armLocked(l)
			l.mu.Unlock()
			log.Infof("link %d->%d: %s, waiting for offerer to recover", n.localID, remote, why)
			return
		}
		l.mu.Unlock()
		n.fail(l)
		return
	}

	if !l.restarted {
		l.restarted = true
		offer, err := n.offerLocked(l, &webrtc.OfferOptions{ICERestart: true})
		if err == nil {
			l.mu.Unlock()
			log.Infof("link %d->%d: %s, restarting ICE", n.localID, remote, why)
			n.emit(LinkEvent{RemoteID: remote, Type: LinkRestarting, State: OfferSent})
			if err := n.sig.SendOffer(remote, offer); err != nil {
				log.Debugf("link %d->%d: send restart offer: %v", n.localID, remote, err)
			}
			return
		}
		log.Warnf("link %d->%d: ICE restart: %v", n.localID, remote, err)
	}

	if n.opts.MaxRecreates > 0 && l.recreates < n.opts.MaxRecreates {
		l.recreates++
		old := l.pc
		l.stopTimersLocked()
		if err := n.attachLocked(l); err != nil {
			l.mu.Unlock()
			old.Close()
			log.Warnf("link %d->%d: recreate: %v", n.localID, remote, err)
			n.fail(l)
			return
		}
		l.queue = nil
		l.state = Idle
		offer, err := n.offerLocked(l, nil)
		l.mu.Unlock()
		old.Close()
		if err != nil {
			log.Warnf("link %d->%d: recreate offer: %v", n.localID, remote, err)
			n.fail(l)
			return
		}
		log.Infof("link %d->%d: %s, recreated connection", n.localID, remote, why)
		n.emit(LinkEvent{RemoteID: remote, Type: LinkRecreated, State: OfferSent})
		if err := n.sig.SendOffer(remote, offer); err != nil {
			log.Debugf("link %d->%d: send offer: %v", n.localID, remote, err)
		}
		return
	}
	l.mu.Unlock()
	n.fail(l)
}

func (n *Negotiator) fail(l *link) {
	if !n.drop(l, Failed) {
		return
	}
	log.Warnf("link %d->%d: failed", n.localID, l.remote)
	n.emit(LinkEvent{RemoteID: l.remote, Type: LinkFailed, State: Failed})
}

// drop removes l and closes its connection. It reports false if l was
// already gone.
func (n *Negotiator) drop(l *link, final State) bool {
	n.mu.Lock()
	if n.links[l.remote] == l {
		delete(n.links, l.remote)
	}
	n.mu.Unlock()

	l.mu.Lock()
	if l.removed {
		l.mu.Unlock()
		return false
	}
	l.removed = true
	l.state = final
	l.queue = nil
	l.stopTimersLocked()
	pc := l.pc
	l.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Debugf("link %d->%d: close: %v", n.localID, l.remote, err)
		}
	}
	return true
}

// Remove tears down the link to remote, e.g. when the peer left the room.
func (n *Negotiator) Remove(remote int64) bool {
	n.mu.Lock()
	l, ok := n.links[remote]
	n.mu.Unlock()
	if !ok || !n.drop(l, Idle) {
		return false
	}
	n.emit(LinkEvent{RemoteID: remote, Type: LinkRemoved, State: Idle})
	return true
}

// State returns the negotiation state toward remote.
func (n *Negotiator) State(remote int64) (State, bool) {
	n.mu.Lock()
	l, ok := n.links[remote]
	n.mu.Unlock()
	if !ok {
		return "", false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, true
}

// Peers returns the remote ids with a link.
func (n *Negotiator) Peers() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int64, 0, len(n.links))
	for id := range n.links {
		out = append(out, id)
	}
	return out
}

// Close tears down every link. Further calls return ErrClosed.
func (n *Negotiator) Close() {
	n.mu.Lock()
	n.closed = true
	links := make([]*link, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	n.mu.Unlock()
	for _, l := range links {
		n.drop(l, Idle)
	}
}
