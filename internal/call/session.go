package call

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/voxmatch/internal/proto"
)

// Session is the local view of one call with a remote user.
type Session struct {
	remote int64
	m      *Manager

	mu      sync.Mutex
	callID  string
	matchID int64
	status  string
	offer   *webrtc.SessionDescription // held until the user accepts
	caller  bool
	hung    bool
}

func (s *Session) Remote() int64 { return s.remote }

func (s *Session) CallID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callID
}

func (s *Session) MatchID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchID
}

// Status is the last status the server reported for the call.
func (s *Session) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Accept answers a held incoming offer. The server treats the answer as
// the receiver picking up.
func (s *Session) Accept() error {
	s.mu.Lock()
	offer := s.offer
	s.offer = nil
	s.mu.Unlock()
	if offer == nil {
		return nil
	}
	return s.m.neg.HandleOffer(s.remote, *offer)
}

// Reject declines a held incoming offer.
func (s *Session) Reject() error {
	s.mu.Lock()
	s.offer = nil
	id := s.callID
	s.mu.Unlock()
	s.m.drop(s.remote)
	if id == "" {
		return nil
	}
	return s.m.tr.Send(proto.TypeCallStatus, proto.CallStatus{CallID: id, Status: "rejected"})
}

// Hangup ends the call and tears down the peer connection. Idempotent.
func (s *Session) Hangup() {
	s.mu.Lock()
	if s.hung {
		s.mu.Unlock()
		return
	}
	s.hung = true
	id := s.callID
	s.mu.Unlock()

	if id != "" {
		if err := s.m.tr.Send(proto.TypeCallEnd, proto.CallEnd{CallID: id}); err != nil {
			log.Warnf("call %s: hangup: %v", id, err)
		}
	}
	s.m.drop(s.remote)
	log.Infof("call with %d: hung up", s.remote)
}

func (s *Session) setStatus(status string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}
