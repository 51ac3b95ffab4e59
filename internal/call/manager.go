// Package call is the client side of a voice call: it bridges a signaling
// connection to a negotiator, so offers, answers, candidates and call
// status frames reach the right peer connection.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/voxmatch/internal/negotiator"
	"github.com/petervdpas/voxmatch/internal/proto"
)

var log = logging.Logger("call")

// Manager owns the sessions of one local user.
type Manager struct {
	tr     Transport
	selfID int64
	neg    *negotiator.Negotiator

	mu       sync.Mutex
	sessions map[int64]*Session // by remote user
	room     string
	meta     json.RawMessage
	closed   bool

	subMu    sync.RWMutex
	incoming []func(*IncomingCall)
	updates  []func(proto.CallStatusUpdate)
}

// New attaches a manager to tr and starts routing its frames. Peer
// connections come from factory.
func New(tr Transport, selfID int64, factory negotiator.Factory, opts negotiator.Options) *Manager {
	m := &Manager{
		tr:       tr,
		selfID:   selfID,
		sessions: make(map[int64]*Session),
	}
	m.neg = negotiator.New(selfID, factory, m, opts)
	m.neg.Subscribe(m.onLink)

	tr.On(proto.TypeOffer, m.onOffer)
	tr.On(proto.TypeAnswer, m.onAnswer)
	tr.On(proto.TypeICECandidate, m.onCandidate)
	tr.On(proto.TypeParticipantLeft, m.onParticipantLeft)
	tr.On(proto.TypeCallStatusUpdate, m.onStatusUpdate)
	tr.OnReconnected(m.rejoin)
	return m
}

// OnIncoming registers a handler for new incoming calls. Without handlers
// incoming calls are accepted straight away.
func (m *Manager) OnIncoming(fn func(*IncomingCall)) {
	m.subMu.Lock()
	m.incoming = append(m.incoming, fn)
	m.subMu.Unlock()
}

// OnStatus registers a handler for every call:statusUpdate received.
func (m *Manager) OnStatus(fn func(proto.CallStatusUpdate)) {
	m.subMu.Lock()
	m.updates = append(m.updates, fn)
	m.subMu.Unlock()
}

// Negotiator exposes link state, mostly for diagnostics.
func (m *Manager) Negotiator() *negotiator.Negotiator { return m.neg }

// JoinRoom enters roomID and offers to every participant already there.
func (m *Manager) JoinRoom(ctx context.Context, roomID string, metadata json.RawMessage) ([]int64, error) {
	participants, err := m.tr.JoinRoom(ctx, roomID, metadata)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.room, m.meta = roomID, metadata
	m.mu.Unlock()
	for _, p := range participants {
		m.session(p, true)
		if err := m.neg.Connect(p); err != nil {
			log.Warnf("connect to %d: %v", p, err)
		}
	}
	return participants, nil
}

// LeaveRoom leaves the current room and closes every link.
func (m *Manager) LeaveRoom() error {
	m.mu.Lock()
	m.room, m.meta = "", nil
	remotes := make([]int64, 0, len(m.sessions))
	for id := range m.sessions {
		remotes = append(remotes, id)
	}
	m.mu.Unlock()
	for _, id := range remotes {
		m.drop(id)
	}
	return m.tr.LeaveRoom()
}

// Call starts a call to remote for matchID. The call id arrives with the
// server's first status update.
func (m *Manager) Call(matchID, remote int64) (*Session, error) {
	s, created := m.session(remote, true)
	if !created && s.CallID() != "" {
		return nil, fmt.Errorf("already in call %s with %d", s.CallID(), remote)
	}
	s.mu.Lock()
	s.matchID, s.caller = matchID, true
	s.mu.Unlock()
	if err := m.neg.Connect(remote); err != nil {
		m.drop(remote)
		return nil, err
	}
	log.Infof("calling %d (match %d)", remote, matchID)
	return s, nil
}

// Session returns the session with remote, if any.
func (m *Manager) Session(remote int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[remote]
	return s, ok
}

// Close hangs up every session and closes all peer connections.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[int64]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Hangup()
	}
	m.neg.Close()
}

func (m *Manager) session(remote int64, create bool) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[remote]; ok {
		return s, false
	}
	if !create {
		return nil, false
	}
	s := &Session{remote: remote, m: m}
	m.sessions[remote] = s
	return s, true
}

func (m *Manager) sessionByCall(callID string, matchID int64) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.mu.Lock()
		hit := s.callID == callID || (s.callID == "" && matchID != 0 && s.matchID == matchID)
		if hit && s.callID == "" {
			s.callID = callID
		}
		s.mu.Unlock()
		if hit {
			return s
		}
	}
	return nil
}

func (m *Manager) drop(remote int64) {
	m.mu.Lock()
	delete(m.sessions, remote)
	m.mu.Unlock()
	m.neg.Remove(remote)
}

func (m *Manager) rejoin() {
	m.mu.Lock()
	room, meta := m.room, m.meta
	m.mu.Unlock()
	if room == "" {
		return
	}
	go func() {
		if _, err := m.tr.JoinRoom(context.Background(), room, meta); err != nil {
			log.Warnf("rejoin room %s after reconnect: %v", room, err)
		}
	}()
}

// negotiator.Signaler

func (m *Manager) SendOffer(to int64, sdp webrtc.SessionDescription) error {
	raw, err := json.Marshal(sdp)
	if err != nil {
		return err
	}
	msg := proto.Offer{TargetUserID: to, Offer: raw}
	if s, ok := m.Session(to); ok {
		s.mu.Lock()
		msg.CallID = s.callID
		if s.callID == "" {
			msg.MatchID = s.matchID
		}
		s.mu.Unlock()
	}
	return m.tr.Send(proto.TypeOffer, msg)
}

func (m *Manager) SendAnswer(to int64, sdp webrtc.SessionDescription) error {
	raw, err := json.Marshal(sdp)
	if err != nil {
		return err
	}
	msg := proto.Answer{ToUserID: to, Answer: raw}
	if s, ok := m.Session(to); ok {
		msg.CallID = s.CallID()
	}
	return m.tr.Send(proto.TypeAnswer, msg)
}

func (m *Manager) SendCandidate(to int64, c webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return m.tr.Send(proto.TypeICECandidate, proto.ICECandidate{ToUserID: to, Candidate: raw})
}

func (m *Manager) onOffer(raw json.RawMessage) {
	var msg proto.Relayed
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(raw, &msg); err != nil || json.Unmarshal(msg.Offer, &sdp) != nil {
		log.Warnf("bad offer frame: %s", raw)
		return
	}
	s, _ := m.session(msg.FromUserID, true)
	s.mu.Lock()
	fresh := msg.CallID != "" && s.callID != msg.CallID
	if msg.CallID != "" {
		s.callID = msg.CallID
	}
	if msg.MatchID != 0 {
		s.matchID = msg.MatchID
	}
	s.mu.Unlock()

	if !fresh || !m.hasIncomingHandlers() {
		if err := m.neg.HandleOffer(msg.FromUserID, sdp); err != nil {
			log.Warnf("offer from %d: %v", msg.FromUserID, err)
		}
		return
	}

	s.mu.Lock()
	s.offer = &sdp
	s.mu.Unlock()
	log.Infof("incoming call %s from %d", msg.CallID, msg.FromUserID)
	ic := &IncomingCall{
		CallID:  msg.CallID,
		MatchID: msg.MatchID,
		From:    msg.FromUserID,
		Accept:  s.Accept,
		Reject:  s.Reject,
	}
	m.subMu.RLock()
	handlers := make([]func(*IncomingCall), len(m.incoming))
	copy(handlers, m.incoming)
	m.subMu.RUnlock()
	for _, fn := range handlers {
		fn(ic)
	}
}

func (m *Manager) hasIncomingHandlers() bool {
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	return len(m.incoming) > 0
}

func (m *Manager) onAnswer(raw json.RawMessage) {
	var msg proto.Relayed
	var sdp webrtc.SessionDescription
	if err := json.Unmarshal(raw, &msg); err != nil || json.Unmarshal(msg.Answer, &sdp) != nil {
		log.Warnf("bad answer frame: %s", raw)
		return
	}
	if err := m.neg.HandleAnswer(msg.FromUserID, sdp); err != nil {
		log.Warnf("answer from %d: %v", msg.FromUserID, err)
	}
}

func (m *Manager) onCandidate(raw json.RawMessage) {
	var msg proto.Relayed
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &msg); err != nil || json.Unmarshal(msg.Candidate, &c) != nil {
		log.Warnf("bad ice-candidate frame: %s", raw)
		return
	}
	if err := m.neg.HandleCandidate(msg.FromUserID, c); err != nil {
		log.Debugf("candidate from %d: %v", msg.FromUserID, err)
	}
}

func (m *Manager) onParticipantLeft(raw json.RawMessage) {
	var msg proto.ParticipantLeft
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	m.drop(msg.UserID)
}

func (m *Manager) onStatusUpdate(raw json.RawMessage) {
	var u proto.CallStatusUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		log.Warnf("bad status frame: %s", raw)
		return
	}
	if s := m.sessionByCall(u.CallID, u.MatchID); s != nil {
		s.setStatus(u.Status)
		if isTerminal(u.Status) {
			m.drop(s.remote)
		}
	}

	m.subMu.RLock()
	handlers := make([]func(proto.CallStatusUpdate), len(m.updates))
	copy(handlers, m.updates)
	m.subMu.RUnlock()
	for _, fn := range handlers {
		fn(u)
	}
}

// onLink reports media progress of call sessions back to the server. Only
// the caller reports a call active, once.
func (m *Manager) onLink(ev negotiator.LinkEvent) {
	s, ok := m.Session(ev.RemoteID)
	if !ok {
		return
	}
	s.mu.Lock()
	id, matchID, caller, cur := s.callID, s.matchID, s.caller, s.status
	s.mu.Unlock()
	if id == "" {
		return
	}
	var status string
	switch {
	case ev.Type == negotiator.LinkConnected && caller && cur != "active":
		status = "active"
	case ev.Type == negotiator.LinkFailed:
		status = "failed"
	default:
		return
	}
	if err := m.tr.Send(proto.TypeCallStatus, proto.CallStatus{CallID: id, MatchID: matchID, Status: status}); err != nil {
		log.Warnf("call %s: report %s: %v", id, status, err)
	}
}

func isTerminal(status string) bool {
	switch status {
	case "completed", "missed", "rejected", "failed":
		return true
	}
	return false
}
