// Package signal routes frames between the registry, room and call
// managers and serves the three WebSocket channels over HTTP.
package signal

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/voxmatch/internal/calls"
	"github.com/petervdpas/voxmatch/internal/metrics"
	"github.com/petervdpas/voxmatch/internal/proto"
	"github.com/petervdpas/voxmatch/internal/registry"
	"github.com/petervdpas/voxmatch/internal/room"
)

var log = logging.Logger("signal")

const (
	defaultRequestTimeout = 5 * time.Second
	maxPresenceQuery      = 256
)

var (
	errTargetUnavailable = errors.New("target unavailable")
	errUnauthorized      = errors.New("unauthorized")
	errWrongChannel      = errors.New("not allowed on this channel")
	errInvalid           = errors.New("invalid message")
)

// Peer is the router's view of one client connection.
type Peer interface {
	registry.Handle
	Kind() registry.Kind
	// UserID is 0 until the connection has registered.
	UserID() int64
	Bind(userID int64)
	// Allow reports whether one more inbound frame fits the rate limit.
	Allow() bool
}

type Router struct {
	reg   *registry.Registry
	rooms *room.Manager
	calls *calls.Manager
	clk   clock.Clock

	// RequestTimeout bounds the store lookups done while creating a call.
	RequestTimeout time.Duration

	roomMu      sync.Mutex
	roomStarted map[string]time.Time
}

// NewRouter wires a router to the managers and subscribes it to their
// events. clk may be nil for the wall clock.
func NewRouter(reg *registry.Registry, rooms *room.Manager, cm *calls.Manager, clk clock.Clock) *Router {
	if clk == nil {
		clk = clock.New()
	}
	r := &Router{
		reg:            reg,
		rooms:          rooms,
		calls:          cm,
		clk:            clk,
		RequestTimeout: defaultRequestTimeout,
		roomStarted:    make(map[string]time.Time),
	}
	reg.Subscribe(r.onRegistryEvent)
	rooms.Subscribe(r.onRoomEvent)
	cm.Subscribe(r.onCallEvent)
	cm.OnUnlock(r.onUnlock)
	return r
}

// Handle processes one inbound frame from p. Replies and errors go back to
// p; relayed frames go to the target's signaling channel.
func (r *Router) Handle(p Peer, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("panic handling frame from %s: %v\n%s", p.ID(), rec, debug.Stack())
			r.fail(p, proto.ErrCodeInternal, "internal error")
		}
	}()

	if !p.Allow() {
		r.fail(p, proto.ErrCodeRateLimited, "too many messages")
		return
	}
	msg, err := proto.Decode(raw)
	if err != nil {
		r.fail(p, proto.ErrCodeInvalidFormat, err.Error())
		return
	}

	uid := p.UserID()
	if uid != 0 {
		r.reg.Touch(uid, p.Kind())
	}

	switch m := msg.(type) {
	case proto.Unknown:
		metrics.FrameReceived("unknown")
		log.Debugf("unknown frame type %q from %s", m.Type, p.ID())
		r.reply(p, proto.NewAck(m.Type, false))
		return
	case proto.Register:
		metrics.FrameReceived(m.MessageType())
		r.register(p, m)
		return
	case proto.Ping:
		metrics.FrameReceived(m.MessageType())
		r.reply(p, proto.NewPong(m.Timestamp))
		return
	}
	metrics.FrameReceived(msg.MessageType())

	if uid == 0 {
		r.fail(p, proto.ErrCodeUnauthorized, "register before sending "+msg.MessageType())
		return
	}
	if err := r.dispatch(p, uid, msg); err != nil {
		r.fail(p, errorCode(err), err.Error())
	}
}

func (r *Router) dispatch(p Peer, uid int64, msg proto.Message) error {
	switch m := msg.(type) {
	case proto.PresenceQuery:
		return r.presence(p, m)
	case proto.DiagSnapshot:
		if p.Kind() != registry.KindDiagnostic {
			return fmt.Errorf("%w: %s on %s", errWrongChannel, msg.MessageType(), p.Kind())
		}
		r.reply(p, proto.DiagSnapshotReply{
			Type:        proto.TypeDiagSnapshot,
			Connections: r.reg.Len(),
			Rooms:       r.rooms.Len(),
			Calls:       r.calls.Live(),
		})
		return nil
	}

	if p.Kind() != registry.KindSignaling {
		return fmt.Errorf("%w: %s on %s", errWrongChannel, msg.MessageType(), p.Kind())
	}
	switch m := msg.(type) {
	case proto.JoinRoom:
		res, err := r.rooms.Join(uid, m.RoomID, m.Metadata)
		if err != nil {
			return err
		}
		r.reply(p, proto.NewRoomJoined(res.RoomID, res.Participants))
	case proto.LeaveRoom:
		r.rooms.Leave(uid)
	case proto.Offer:
		return r.offer(uid, m)
	case proto.Answer:
		return r.answer(uid, m)
	case proto.ICECandidate:
		return r.relay(uid, m.Target(), proto.Relayed{
			Type:       proto.TypeICECandidate,
			FromUserID: uid,
			Candidate:  m.Candidate,
		})
	case proto.CallStatus:
		return r.callStatus(p, uid, m)
	case proto.CallEnd:
		return r.callEnd(p, uid, m)
	}
	return nil
}

func (r *Router) register(p Peer, m proto.Register) {
	if cur := p.UserID(); cur != 0 && cur != m.UserID {
		r.fail(p, proto.ErrCodeUnauthorized, fmt.Sprintf("connection already registered as user %d", cur))
		return
	}
	p.Bind(m.UserID)
	r.reg.Register(m.UserID, p.Kind(), p)
	r.reply(p, proto.NewRegistered(m.UserID))

	// a reconnecting party gets its live call state straight away
	if p.Kind() == registry.KindSignaling {
		if a, ok := r.calls.ActiveFor(m.UserID); ok {
			r.reply(p, r.statusUpdate(a, 0))
		}
	}
}

func (r *Router) presence(p Peer, m proto.PresenceQuery) error {
	if len(m.UserIDs) > maxPresenceQuery {
		return fmt.Errorf("%w: at most %d userIds per query", errInvalid, maxPresenceQuery)
	}
	online := make(map[int64]bool, len(m.UserIDs))
	for _, id := range m.UserIDs {
		_, ok := r.reg.Resolve(id, registry.KindSignaling)
		online[id] = ok
	}
	r.reply(p, proto.PresenceState{Type: proto.TypePresenceState, Online: online})
	return nil
}

// offer relays an SDP offer. An offer carrying a matchId but no callId
// starts a new call; the receiver is marked ringing once the offer has
// been handed to its connection.
func (r *Router) offer(uid int64, m proto.Offer) error {
	to := m.Target()
	if to == uid {
		return fmt.Errorf("%w: cannot call yourself", errInvalid)
	}
	h, ok := r.reg.Resolve(to, registry.KindSignaling)
	if !ok {
		return fmt.Errorf("%w: user %d is not connected", errTargetUnavailable, to)
	}

	out := proto.Relayed{
		Type:       proto.TypeOffer,
		FromUserID: uid,
		Offer:      m.Offer,
		MatchID:    m.MatchID,
		CallID:     m.CallID,
	}
	var created string
	switch {
	case m.CallID != "":
		if _, err := r.liveCall(uid, to, m.CallID); err != nil {
			return err
		}
	case m.MatchID != 0:
		ctx, cancel := context.WithTimeout(context.Background(), r.RequestTimeout)
		a, err := r.calls.Request(ctx, m.MatchID, uid, to)
		cancel()
		if err != nil {
			return err
		}
		out.CallID, created = a.ID, a.ID
	default:
		if !r.peered(uid, to) {
			return fmt.Errorf("%w: no room or call shared with user %d", errUnauthorized, to)
		}
	}

	if err := h.Send(out); err != nil {
		if created != "" {
			if _, ferr := r.calls.Fail(created, 0); ferr != nil {
				log.Debugf("fail undelivered call %s: %v", created, ferr)
			}
		}
		return fmt.Errorf("%w: user %d: %v", errTargetUnavailable, to, err)
	}
	if created != "" {
		if _, err := r.calls.Ringing(created); err != nil {
			log.Debugf("call %s: ringing: %v", created, err)
		}
	}
	return nil
}

// answer relays an SDP answer. The first answer for a call that has not
// been picked up yet accepts it; later ones (ICE restarts) are relayed
// without touching the call. An answer without a callId is matched to the
// live call between the two parties, if there is one.
func (r *Router) answer(uid int64, m proto.Answer) error {
	to := m.Target()
	h, ok := r.reg.Resolve(to, registry.KindSignaling)
	if !ok {
		return fmt.Errorf("%w: user %d is not connected", errTargetUnavailable, to)
	}
	var a calls.Attempt
	switch {
	case m.CallID != "":
		var err error
		if a, err = r.liveCall(uid, to, m.CallID); err != nil {
			return err
		}
	default:
		if cur, ok := r.calls.ActiveFor(uid); ok && cur.Counterpart(uid) == to {
			a = cur
		} else if !r.rooms.Shares(uid, to) {
			return fmt.Errorf("%w: no room or call shared with user %d", errUnauthorized, to)
		}
	}
	if a.ID != "" && a.ReceiverID == uid && (a.Status == calls.Pending || a.Status == calls.Ringing) {
		if _, err := r.calls.Accept(a.ID, uid); err != nil {
			return err
		}
	}
	err := h.Send(proto.Relayed{
		Type:       proto.TypeAnswer,
		FromUserID: uid,
		Answer:     m.Answer,
		CallID:     a.ID,
	})
	if err != nil {
		return fmt.Errorf("%w: user %d: %v", errTargetUnavailable, to, err)
	}
	return nil
}

// peered reports whether uid may signal to directly: they share a room or
// a live call.
func (r *Router) peered(uid, to int64) bool {
	if r.rooms.Shares(uid, to) {
		return true
	}
	a, ok := r.calls.ActiveFor(uid)
	return ok && a.Counterpart(uid) == to
}

func (r *Router) relay(uid, to int64, out proto.Relayed) error {
	h, ok := r.reg.Resolve(to, registry.KindSignaling)
	if !ok {
		return fmt.Errorf("%w: user %d is not connected", errTargetUnavailable, to)
	}
	if !r.peered(uid, to) {
		return fmt.Errorf("%w: no room or call shared with user %d", errUnauthorized, to)
	}
	if err := h.Send(out); err != nil {
		return fmt.Errorf("%w: user %d: %v", errTargetUnavailable, to, err)
	}
	return nil
}

// liveCall returns call id if uid and to are its two parties and it has not
// finished.
func (r *Router) liveCall(uid, to int64, id string) (calls.Attempt, error) {
	a, err := r.lookup(uid, id)
	if err != nil {
		return calls.Attempt{}, err
	}
	if a.Counterpart(uid) != to {
		return calls.Attempt{}, fmt.Errorf("%w: user %d is not on call %s", calls.ErrNotParticipant, to, id)
	}
	if a.Status.Terminal() {
		return calls.Attempt{}, fmt.Errorf("%w: call %s is %s", calls.ErrTerminal, id, a.Status)
	}
	return a, nil
}

func (r *Router) lookup(uid int64, id string) (calls.Attempt, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.RequestTimeout)
	defer cancel()
	a, err := r.calls.Get(ctx, id)
	if err != nil {
		return calls.Attempt{}, err
	}
	if !a.Involves(uid) {
		return calls.Attempt{}, fmt.Errorf("%w: call %s", calls.ErrNotParticipant, id)
	}
	return a, nil
}

func (r *Router) callStatus(p Peer, uid int64, m proto.CallStatus) error {
	a, err := r.lookup(uid, m.CallID)
	if err != nil {
		return err
	}
	if m.MatchID != 0 && m.MatchID != a.MatchID {
		return fmt.Errorf("%w: call %s belongs to match %d", errInvalid, a.ID, a.MatchID)
	}
	_, err = r.calls.Report(m.CallID, uid, m.Status)
	return r.settle(p, a, err)
}

func (r *Router) callEnd(p Peer, uid int64, m proto.CallEnd) error {
	a, err := r.lookup(uid, m.CallID)
	if err != nil {
		return err
	}
	_, err = r.calls.End(m.CallID, uid)
	return r.settle(p, a, err)
}

// settle turns a late event for a finished call into a catch-up update for
// the sender instead of an error.
func (r *Router) settle(p Peer, a calls.Attempt, err error) error {
	if !errors.Is(err, calls.ErrTerminal) {
		return err
	}
	if cur, gerr := r.lookup(p.UserID(), a.ID); gerr == nil {
		a = cur
	}
	r.reply(p, r.statusUpdate(a, 0))
	return nil
}

func (r *Router) statusUpdate(a calls.Attempt, by int64) proto.CallStatusUpdate {
	u := proto.CallStatusUpdate{
		Type:            proto.TypeCallStatusUpdate,
		Status:          string(a.Status),
		CallID:          a.ID,
		MatchID:         a.MatchID,
		From:            by,
		CallDay:         a.CallDay,
		BudgetSeconds:   calls.BudgetSeconds(a.CallDay),
		DurationSeconds: a.DurationSeconds,
	}
	if a.Status == calls.Active {
		if rem, ok := r.calls.Remaining(a.ID); ok {
			u.RemainingSeconds = &rem
		}
	}
	return u
}

func (r *Router) onCallEvent(ev calls.Event) {
	a := ev.Attempt
	metrics.CallTransition(string(a.Status))
	metrics.SetLiveCalls(r.calls.Live())
	if a.Status.Terminal() && a.DurationSeconds != nil {
		metrics.CallFinished(strconv.Itoa(a.CallDay), *a.DurationSeconds)
	}

	if ev.From == "" {
		r.sendTo(a.ReceiverID, registry.KindStatus, proto.CallIncoming{
			Type:    proto.TypeCallIncoming,
			CallID:  a.ID,
			MatchID: a.MatchID,
			From:    a.InitiatorID,
			CallDay: a.CallDay,
		})
	}
	u := r.statusUpdate(a, ev.By)
	for _, id := range []int64{a.InitiatorID, a.ReceiverID} {
		if id != ev.By {
			r.sendTo(id, registry.KindSignaling, u)
		}
	}
}

func (r *Router) onUnlock(ev calls.UnlockEvent) {
	if ev.ChatUnlocked {
		metrics.Unlocked("chat")
	}
	if ev.PhotosRevealed {
		metrics.Unlocked("photos")
	}
	msg := proto.MatchUnlocked{
		Type:           proto.TypeMatchUnlocked,
		MatchID:        ev.Match.ID,
		CallCount:      ev.Match.CallCount,
		ChatUnlocked:   ev.Match.IsChatUnlocked,
		PhotosRevealed: ev.Match.ArePhotosRevealed,
	}
	r.sendTo(ev.Match.UserA, registry.KindStatus, msg)
	r.sendTo(ev.Match.UserB, registry.KindStatus, msg)
}

func (r *Router) onRegistryEvent(ev registry.Event) {
	kind := ev.Entry.Kind
	metrics.ConnectionEvent(string(kind), string(ev.Type))
	metrics.SetConnections(string(kind), r.reg.Count(kind))
	if kind != registry.KindSignaling {
		return
	}
	uid := ev.Entry.UserID
	switch ev.Type {
	case registry.Disconnected:
		r.rooms.Leave(uid)
		r.calls.PartyDisconnected(uid)
	case registry.Connected, registry.Replaced:
		r.calls.PartyReconnected(uid)
	}
}

func (r *Router) onRoomEvent(ev room.Event) {
	metrics.SetRooms(r.rooms.Len())
	r.roomMu.Lock()
	defer r.roomMu.Unlock()
	switch ev.Type {
	case room.Joined:
		if _, ok := r.roomStarted[ev.RoomID]; !ok {
			r.roomStarted[ev.RoomID] = r.clk.Now()
		}
	case room.Emptied:
		if started, ok := r.roomStarted[ev.RoomID]; ok {
			metrics.RoomEnded(r.clk.Since(started))
			delete(r.roomStarted, ev.RoomID)
		}
	}
}

func (r *Router) sendTo(userID int64, kind registry.Kind, v any) bool {
	h, ok := r.reg.Resolve(userID, kind)
	if !ok {
		return false
	}
	if err := h.Send(v); err != nil {
		log.Debugf("send to user %d (%s): %v", userID, kind, err)
		return false
	}
	return true
}

func (r *Router) reply(p Peer, v any) {
	if err := p.Send(v); err != nil {
		log.Debugf("reply to %s: %v", p.ID(), err)
	}
}

func (r *Router) fail(p Peer, code, message string) {
	metrics.ErrorSent(code)
	r.reply(p, proto.NewError(code, message))
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, errTargetUnavailable):
		return proto.ErrCodeTargetUnavailable
	case errors.Is(err, errUnauthorized), errors.Is(err, errWrongChannel), errors.Is(err, calls.ErrNotParticipant):
		return proto.ErrCodeUnauthorized
	case errors.Is(err, errInvalid), errors.Is(err, room.ErrInvalidRoom), errors.Is(err, calls.ErrUnknownStatus):
		return proto.ErrCodeInvalidFormat
	case errors.Is(err, room.ErrRoomFull):
		return proto.ErrCodeRoomFull
	case errors.Is(err, calls.ErrBusy):
		return proto.ErrCodeBusy
	case errors.Is(err, calls.ErrNotFound):
		return proto.ErrCodeCallNotFound
	case errors.Is(err, calls.ErrInvalidTransition), errors.Is(err, calls.ErrTerminal):
		return proto.ErrCodeInvalidTransition
	}
	return proto.ErrCodeInternal
}
