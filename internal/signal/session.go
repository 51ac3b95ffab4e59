package signal

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/petervdpas/voxmatch/internal/proto"
	"github.com/petervdpas/voxmatch/internal/registry"
)

var (
	errSessionClosed = errors.New("session closed")
	errSendQueueFull = errors.New("send queue full")
)

// session is one upgraded WebSocket. Frames are written only by writePump;
// Send and Close never block on the network.
type session struct {
	id      string
	kind    registry.Kind
	conn    *websocket.Conn
	limiter *rate.Limiter
	out     chan []byte
	done    chan struct{}

	mu          sync.Mutex
	userID      int64
	closed      bool
	closeCode   int
	closeReason string
}

var _ Peer = (*session)(nil)

func newSession(conn *websocket.Conn, kind registry.Kind, opts Options) *session {
	return &session{
		id:      uuid.NewString(),
		kind:    kind,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(opts.MessageRate), opts.MessageBurst),
		out:     make(chan []byte, opts.SendQueue),
		done:    make(chan struct{}),
	}
}

func (s *session) ID() string          { return s.id }
func (s *session) Kind() registry.Kind { return s.kind }
func (s *session) Allow() bool         { return s.limiter.Allow() }

func (s *session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *session) Bind(userID int64) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

// Send queues v for writing. A client that lets its queue fill up is
// disconnected.
func (s *session) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSessionClosed
	}
	select {
	case s.out <- b:
		return nil
	default:
		s.closeLocked(proto.CloseGoingAway, "send queue overflow")
		return errSendQueueFull
	}
}

func (s *session) Close(code int, reason string) error {
	s.mu.Lock()
	s.closeLocked(code, reason)
	s.mu.Unlock()
	return nil
}

func (s *session) closeLocked(code int, reason string) {
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode, s.closeReason = code, reason
	close(s.done)
}

func (s *session) readPump(srv *Server) {
	defer srv.disconnect(s)

	s.conn.SetReadLimit(srv.opts.ReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(srv.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		_ = s.conn.SetReadDeadline(time.Now().Add(srv.opts.PongWait))
		if uid := s.UserID(); uid != 0 {
			srv.reg.Touch(uid, s.kind)
		}
		return nil
	})

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugf("session %s: read: %v", s.id, err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(srv.opts.PongWait))
		if mt != websocket.TextMessage {
			srv.router.fail(s, proto.ErrCodeInvalidFormat, "frames must be text")
			continue
		}
		srv.router.Handle(s, data)
	}
}

func (s *session) writePump(clk clock.Clock, opts Options) {
	ticker := clk.Ticker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case b := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				log.Debugf("session %s: write: %v", s.id, err)
				_ = s.Close(proto.CloseGoingAway, "write failed")
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = s.Close(proto.CloseGoingAway, "ping failed")
				return
			}
		case <-s.done:
			s.flush(opts)
			s.mu.Lock()
			code, reason := s.closeCode, s.closeReason
			s.mu.Unlock()
			msg := websocket.FormatCloseMessage(code, reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(opts.WriteWait))
			return
		}
	}
}

// flush writes whatever was queued before the session closed.
func (s *session) flush(opts Options) {
	for {
		select {
		case b := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(opts.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		default:
			return
		}
	}
}
