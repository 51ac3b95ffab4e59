package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("calls")

const (
	DefaultRingTimeout    = 45 * time.Second
	DefaultConnectTimeout = 60 * time.Second
	DefaultReconnectGrace = 15 * time.Second
	DefaultWriteTimeout   = 10 * time.Second

	// terminal calls stay queryable in memory for this long
	retainFinished = 10 * time.Minute
)

type Options struct {
	RingTimeout    time.Duration
	ConnectTimeout time.Duration
	ReconnectGrace time.Duration
	WriteTimeout   time.Duration
}

func (o *Options) defaults() {
	if o.RingTimeout <= 0 {
		o.RingTimeout = DefaultRingTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ReconnectGrace <= 0 {
		o.ReconnectGrace = DefaultReconnectGrace
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
}

// Event reports a status change. From is empty for a newly requested call.
// By is the user whose action caused the change, 0 for timers.
type Event struct {
	Attempt Attempt
	From    Status
	By      int64
}

// UnlockEvent reports match fields changed by a completed call.
type UnlockEvent struct {
	Match          Match
	ChatUnlocked   bool
	PhotosRevealed bool
}

type call struct {
	a          Attempt
	ring       *clock.Timer
	connect    *clock.Timer
	budget     *clock.Timer
	grace      map[int64]*clock.Timer
	finishedAt time.Time
}

func (c *call) stopTimers() {
	for _, t := range []*clock.Timer{c.ring, c.connect, c.budget} {
		if t != nil {
			t.Stop()
		}
	}
	c.ring, c.connect, c.budget = nil, nil, nil
	for id, t := range c.grace {
		t.Stop()
		delete(c.grace, id)
	}
}

// Manager is the single authority for call attempt state. Persistence runs
// on an ordered background queue; in-memory state is updated first.
type Manager struct {
	store Store
	clk   clock.Clock
	opts  Options

	mu     sync.Mutex
	calls  map[string]*call
	byUser map[int64]string // user -> live call id, "" while a request is in flight
	closed bool

	writes *writeQueue

	subMu      sync.RWMutex
	subs       []func(Event)
	unlockSubs []func(UnlockEvent)
}

func New(store Store, clk clock.Clock, opts Options) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	opts.defaults()
	return &Manager{
		store:  store,
		clk:    clk,
		opts:   opts,
		calls:  make(map[string]*call),
		byUser: make(map[int64]string),
		writes: newWriteQueue(opts.WriteTimeout),
	}
}

func (m *Manager) Subscribe(fn func(Event)) {
	m.subMu.Lock()
	m.subs = append(m.subs, fn)
	m.subMu.Unlock()
}

// OnUnlock registers fn for match unlocks. It runs on the persistence queue.
func (m *Manager) OnUnlock(fn func(UnlockEvent)) {
	m.subMu.Lock()
	m.unlockSubs = append(m.unlockSubs, fn)
	m.subMu.Unlock()
}

func (m *Manager) emit(ev Event) {
	m.subMu.RLock()
	handlers := make([]func(Event), len(m.subs))
	copy(handlers, m.subs)
	m.subMu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// Request creates a pending call from initiator to receiver on matchID.
func (m *Manager) Request(ctx context.Context, matchID, initiatorID, receiverID int64) (Attempt, error) {
	if initiatorID == 0 || receiverID == 0 || initiatorID == receiverID {
		return Attempt{}, ErrNotParticipant
	}
	match, err := m.store.GetMatch(ctx, matchID)
	if err != nil {
		return Attempt{}, fmt.Errorf("load match %d: %w", matchID, err)
	}
	if !match.Involves(initiatorID) || !match.Involves(receiverID) {
		return Attempt{}, ErrNotParticipant
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Attempt{}, errors.New("call manager closed")
	}
	if _, busy := m.byUser[initiatorID]; busy {
		m.mu.Unlock()
		return Attempt{}, ErrBusy
	}
	if _, busy := m.byUser[receiverID]; busy {
		m.mu.Unlock()
		return Attempt{}, ErrBusy
	}
	m.byUser[initiatorID] = ""
	m.byUser[receiverID] = ""
	m.mu.Unlock()

	a, err := m.store.CreateCallRecord(ctx, matchID, initiatorID, receiverID, match.CallCount+1, m.clk.Now())

	m.mu.Lock()
	if err != nil {
		delete(m.byUser, initiatorID)
		delete(m.byUser, receiverID)
		m.mu.Unlock()
		return Attempt{}, fmt.Errorf("create call: %w", err)
	}
	if a.Status == "" {
		a.Status = Pending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.clk.Now()
	}
	c := &call{a: a, grace: make(map[int64]*clock.Timer)}
	id := a.ID
	c.ring = m.clk.AfterFunc(m.opts.RingTimeout, func() { m.onRingTimeout(id) })
	m.calls[id] = c
	m.byUser[initiatorID] = id
	m.byUser[receiverID] = id
	m.pruneLocked()
	m.mu.Unlock()

	log.Infof("call %s requested: match %d, %d -> %d, day %d", id, matchID, initiatorID, receiverID, a.CallDay)
	m.emit(Event{Attempt: a, By: initiatorID})
	return a, nil
}

// Ringing marks the call as delivered to the receiver's device.
func (m *Manager) Ringing(id string) (Attempt, error) {
	return m.transition(id, 0, fixed(Ringing))
}

// Accept moves the call to connecting once the receiver has answered.
func (m *Manager) Accept(id string, by int64) (Attempt, error) {
	return m.transition(id, by, func(a Attempt) (Status, error) {
		if by != 0 && by != a.ReceiverID {
			return "", ErrNotParticipant
		}
		return Connecting, nil
	})
}

// Activate marks media as flowing and starts the talk budget.
func (m *Manager) Activate(id string, by int64) (Attempt, error) {
	return m.transition(id, by, partyOnly(by, Active))
}

// Reject is the receiver declining a pending or ringing call.
func (m *Manager) Reject(id string, by int64) (Attempt, error) {
	return m.transition(id, by, func(a Attempt) (Status, error) {
		if by != a.ReceiverID {
			return "", ErrNotParticipant
		}
		return Rejected, nil
	})
}

// End is a party hanging up. An unanswered call ends as missed when the
// initiator cancels and as rejected when the receiver does. Past that point
// the outcome is completed only if media was flowing.
func (m *Manager) End(id string, by int64) (Attempt, error) {
	return m.transition(id, by, func(a Attempt) (Status, error) {
		if !a.Involves(by) {
			return "", ErrNotParticipant
		}
		return endStatus(a, by), nil
	})
}

// Fail terminates the call as failed. by may be 0.
func (m *Manager) Fail(id string, by int64) (Attempt, error) {
	return m.transition(id, by, func(a Attempt) (Status, error) {
		if by != 0 && !a.Involves(by) {
			return "", ErrNotParticipant
		}
		return Failed, nil
	})
}

// Report applies a client-reported status.
func (m *Manager) Report(id string, by int64, status string) (Attempt, error) {
	switch status {
	case "ringing":
		return m.transition(id, by, func(a Attempt) (Status, error) {
			if by != a.ReceiverID {
				return "", ErrNotParticipant
			}
			return Ringing, nil
		})
	case "accepted", "connecting":
		return m.Accept(id, by)
	case "active", "connected":
		return m.Activate(id, by)
	case "rejected", "declined":
		return m.Reject(id, by)
	case "completed", "ended", "hangup":
		return m.End(id, by)
	case "missed":
		return m.transition(id, by, func(a Attempt) (Status, error) {
			if by != a.InitiatorID {
				return "", ErrNotParticipant
			}
			return Missed, nil
		})
	case "failed":
		return m.Fail(id, by)
	}
	return Attempt{}, fmt.Errorf("%w: %q", ErrUnknownStatus, status)
}

func endStatus(a Attempt, by int64) Status {
	switch a.Status {
	case Pending, Ringing:
		if by == a.InitiatorID {
			return Missed
		}
		return Rejected
	case Connecting:
		return Failed
	default:
		return Completed
	}
}

func fixed(s Status) func(Attempt) (Status, error) {
	return func(Attempt) (Status, error) { return s, nil }
}

func partyOnly(by int64, s Status) func(Attempt) (Status, error) {
	return func(a Attempt) (Status, error) {
		if by != 0 && !a.Involves(by) {
			return "", ErrNotParticipant
		}
		return s, nil
	}
}

// transition is the only place a live call changes status. pick sees the
// current attempt under the lock and names the target status.
func (m *Manager) transition(id string, by int64, pick func(Attempt) (Status, error)) (Attempt, error) {
	m.mu.Lock()
	c, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return Attempt{}, ErrNotFound
	}
	from := c.a.Status
	if from.Terminal() {
		a := c.a
		m.mu.Unlock()
		return a, ErrTerminal
	}
	to, err := pick(c.a)
	if err != nil {
		a := c.a
		m.mu.Unlock()
		return a, err
	}
	if to == from {
		a := c.a
		m.mu.Unlock()
		return a, nil
	}
	if !allowed(from, to) {
		a := c.a
		m.mu.Unlock()
		return a, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	now := m.clk.Now()
	c.a.Status = to
	upd := CallUpdate{Status: &to}

	switch {
	case to == Ringing:
	case to == Connecting:
		if c.ring != nil {
			c.ring.Stop()
			c.ring = nil
		}
		c.connect = m.clk.AfterFunc(m.opts.ConnectTimeout, func() { m.onConnectTimeout(id) })
	case to == Active:
		if c.connect != nil {
			c.connect.Stop()
			c.connect = nil
		}
		start := now
		c.a.StartTime = &start
		upd.StartTime = &start
		budget := time.Duration(BudgetSeconds(c.a.CallDay)) * time.Second
		c.budget = m.clk.AfterFunc(budget, func() { m.onBudgetExhausted(id) })
	case to.Terminal():
		c.stopTimers()
		end := now
		c.a.EndTime = &end
		upd.EndTime = &end
		if c.a.StartTime != nil {
			d := talkSeconds(*c.a.StartTime, end, c.a.CallDay)
			c.a.DurationSeconds = &d
			upd.DurationSeconds = &d
		}
		c.finishedAt = now
		for _, u := range []int64{c.a.InitiatorID, c.a.ReceiverID} {
			if m.byUser[u] == id {
				delete(m.byUser, u)
			}
		}
	}

	snap := c.a
	m.writes.push(func(ctx context.Context) {
		if _, err := m.store.UpdateCallRecord(ctx, id, upd); err != nil {
			log.Warnf("persist call %s -> %s: %v", id, to, err)
		}
	})
	if to == Completed {
		m.writes.push(func(ctx context.Context) { m.applyCompletion(ctx, snap) })
	}
	m.mu.Unlock()

	log.Infof("call %s: %s -> %s (by %d)", id, from, to, by)
	m.emit(Event{Attempt: snap, From: from, By: by})
	return snap, nil
}

func talkSeconds(start, end time.Time, callDay int) int {
	d := int(end.Sub(start) / time.Second)
	if d < 0 {
		d = 0
	}
	if b := BudgetSeconds(callDay); d > b {
		d = b
	}
	return d
}

// applyCompletion advances the match after a completed call. The call count
// is raised to the call's day rather than incremented, so re-applying the
// same completion leaves the match unchanged.
func (m *Manager) applyCompletion(ctx context.Context, a Attempt) {
	match, err := m.store.GetMatch(ctx, a.MatchID)
	if err != nil {
		log.Warnf("completion of call %s: load match %d: %v", a.ID, a.MatchID, err)
		return
	}
	var (
		upd MatchUpdate
		ev  UnlockEvent
	)
	if a.CallDay > match.CallCount {
		n := a.CallDay
		upd.CallCount = &n
	}
	if a.CallDay >= ChatUnlockDay && !match.IsChatUnlocked {
		v := true
		upd.IsChatUnlocked = &v
		ev.ChatUnlocked = true
	}
	if a.CallDay >= PhotoRevealDay && !match.ArePhotosRevealed {
		v := true
		upd.ArePhotosRevealed = &v
		ev.PhotosRevealed = true
	}
	if match.CallScheduled {
		v := false
		upd.CallScheduled = &v
	}
	if upd.Empty() {
		return
	}
	updated, err := m.store.UpdateMatch(ctx, a.MatchID, upd)
	if err != nil {
		log.Warnf("completion of call %s: update match %d: %v", a.ID, a.MatchID, err)
		return
	}
	if !ev.ChatUnlocked && !ev.PhotosRevealed {
		return
	}
	ev.Match = updated
	log.Infof("match %d unlocked: chat=%v photos=%v", updated.ID, updated.IsChatUnlocked, updated.ArePhotosRevealed)

	m.subMu.RLock()
	handlers := make([]func(UnlockEvent), len(m.unlockSubs))
	copy(handlers, m.unlockSubs)
	m.subMu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

func (m *Manager) onRingTimeout(id string) {
	if _, err := m.transition(id, 0, func(a Attempt) (Status, error) {
		if a.Status != Pending && a.Status != Ringing {
			return a.Status, nil
		}
		return Missed, nil
	}); err != nil && !errors.Is(err, ErrTerminal) && !errors.Is(err, ErrNotFound) {
		log.Debugf("ring timeout for %s: %v", id, err)
	}
}

func (m *Manager) onConnectTimeout(id string) {
	m.transition(id, 0, func(a Attempt) (Status, error) {
		if a.Status != Connecting {
			return a.Status, nil
		}
		return Failed, nil
	})
}

func (m *Manager) onBudgetExhausted(id string) {
	m.transition(id, 0, func(a Attempt) (Status, error) {
		if a.Status != Active {
			return a.Status, nil
		}
		return Completed, nil
	})
}

// PartyDisconnected starts the reconnect grace for userID's live call. If the
// user is not back before it expires, an active call completes and any
// other live call fails.
func (m *Manager) PartyDisconnected(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.byUser[userID]
	c, ok := m.calls[id]
	if !ok || c.a.Status.Terminal() {
		return
	}
	if _, armed := c.grace[userID]; armed {
		return
	}
	c.grace[userID] = m.clk.AfterFunc(m.opts.ReconnectGrace, func() { m.onGraceExpired(id, userID) })
	log.Debugf("call %s: user %d disconnected, grace %s", id, userID, m.opts.ReconnectGrace)
}

// PartyReconnected cancels a pending grace timer for userID.
func (m *Manager) PartyReconnected(userID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[m.byUser[userID]]
	if !ok {
		return
	}
	if t, armed := c.grace[userID]; armed {
		t.Stop()
		delete(c.grace, userID)
		log.Debugf("call %s: user %d back within grace", c.a.ID, userID)
	}
}

func (m *Manager) onGraceExpired(id string, userID int64) {
	m.mu.Lock()
	c, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, armed := c.grace[userID]; !armed {
		m.mu.Unlock()
		return
	}
	delete(c.grace, userID)
	m.mu.Unlock()

	m.transition(id, userID, func(a Attempt) (Status, error) {
		if a.Status == Active {
			return Completed, nil
		}
		return Failed, nil
	})
}

// Get returns the attempt with id, falling back to the store for calls no
// longer held in memory.
func (m *Manager) Get(ctx context.Context, id string) (Attempt, error) {
	m.mu.Lock()
	c, ok := m.calls[id]
	var a Attempt
	if ok {
		a = c.a
	}
	m.mu.Unlock()
	if ok {
		return a, nil
	}
	a, err := m.store.GetCall(ctx, id)
	if err != nil {
		return Attempt{}, err
	}
	return a, nil
}

// ActiveFor returns userID's live call, if any.
func (m *Manager) ActiveFor(userID int64) (Attempt, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[m.byUser[userID]]
	if !ok {
		return Attempt{}, false
	}
	return c.a, true
}

// Remaining returns the seconds of talk budget left on an active call.
func (m *Manager) Remaining(id string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok || c.a.Status != Active || c.a.StartTime == nil {
		return 0, false
	}
	used := talkSeconds(*c.a.StartTime, m.clk.Now(), c.a.CallDay)
	return BudgetSeconds(c.a.CallDay) - used, true
}

// Live returns the number of non-terminal calls.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if !c.a.Status.Terminal() {
			n++
		}
	}
	return n
}

// Snapshot returns every call held in memory.
func (m *Manager) Snapshot() []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Attempt, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.a)
	}
	return out
}

func (m *Manager) pruneLocked() {
	now := m.clk.Now()
	for id, c := range m.calls {
		if c.a.Status.Terminal() && now.Sub(c.finishedAt) > retainFinished {
			delete(m.calls, id)
		}
	}
}

// Sync waits until every persistence write queued so far has been applied.
func (m *Manager) Sync() {
	m.writes.sync()
}

// Close stops all timers and drains the persistence queue. Live calls are
// left as they are in the store.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, c := range m.calls {
		c.stopTimers()
	}
	m.mu.Unlock()
	m.writes.close()
}
