// Package room groups signaling participants negotiating one call. A user
// is a member of at most one room at a time.
package room

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/voxmatch/internal/proto"
)

var log = logging.Logger("room")

var (
	ErrRoomFull    = errors.New("room is full")
	ErrInvalidRoom = errors.New("invalid room id")
)

// Notifier delivers participant events to a user. Delivery is best-effort.
type Notifier interface {
	Notify(userID int64, v any)
}

type Room struct {
	ID           string
	Participants []int64 // join order
	Metadata     map[int64]json.RawMessage
	CreatedAt    time.Time
}

func (r *Room) others(userID int64) []int64 {
	out := make([]int64, 0, len(r.Participants))
	for _, id := range r.Participants {
		if id != userID {
			out = append(out, id)
		}
	}
	return out
}

func (r *Room) remove(userID int64) {
	kept := r.Participants[:0]
	for _, id := range r.Participants {
		if id != userID {
			kept = append(kept, id)
		}
	}
	r.Participants = kept
	delete(r.Metadata, userID)
}

// JoinResult tells the joiner who was already present, in join order. The
// joiner is the offerer toward each of them.
type JoinResult struct {
	RoomID       string
	Participants []int64
	PreviousRoom string // non-empty when the join implicitly left another room
}

type EventType string

const (
	Joined  EventType = "joined"
	Left    EventType = "left"
	Emptied EventType = "emptied"
)

type Event struct {
	Type   EventType
	RoomID string
	UserID int64
}

type Manager struct {
	notify          Notifier
	clk             clock.Clock
	maxParticipants int

	mu      sync.RWMutex
	rooms   map[string]*Room
	members map[int64]string // userID -> roomID

	subMu sync.RWMutex
	subs  []func(Event)
}

// New creates a room manager. maxParticipants <= 0 means two.
func New(notify Notifier, clk clock.Clock, maxParticipants int) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if maxParticipants <= 0 {
		maxParticipants = 2
	}
	return &Manager{
		notify:          notify,
		clk:             clk,
		maxParticipants: maxParticipants,
		rooms:           make(map[string]*Room),
		members:         make(map[int64]string),
	}
}

func (m *Manager) Subscribe(fn func(Event)) {
	m.subMu.Lock()
	m.subs = append(m.subs, fn)
	m.subMu.Unlock()
}

type notice struct {
	to  int64
	msg any
}

// Join puts userID into roomID, leaving any other room first.
func (m *Manager) Join(userID int64, roomID string, meta json.RawMessage) (JoinResult, error) {
	if roomID == "" {
		return JoinResult{}, ErrInvalidRoom
	}

	var (
		notices []notice
		events  []Event
		res     = JoinResult{RoomID: roomID}
	)

	m.mu.Lock()
	if cur, ok := m.members[userID]; ok && cur == roomID {
		res.Participants = m.rooms[cur].others(userID)
		m.mu.Unlock()
		return res, nil
	}

	if target, ok := m.rooms[roomID]; ok && len(target.Participants) >= m.maxParticipants {
		m.mu.Unlock()
		return JoinResult{}, ErrRoomFull
	}

	if prev, ok := m.members[userID]; ok {
		n, ev := m.leaveLocked(userID, prev)
		notices = append(notices, n...)
		events = append(events, ev...)
		res.PreviousRoom = prev
	}

	r, ok := m.rooms[roomID]
	if !ok {
		r = &Room{
			ID:        roomID,
			Metadata:  make(map[int64]json.RawMessage),
			CreatedAt: m.clk.Now(),
		}
		m.rooms[roomID] = r
	}
	res.Participants = r.others(userID)
	for _, id := range res.Participants {
		notices = append(notices, notice{to: id, msg: proto.NewParticipantJoined(roomID, userID, meta)})
	}
	r.Participants = append(r.Participants, userID)
	if len(meta) > 0 {
		r.Metadata[userID] = meta
	}
	m.members[userID] = roomID
	events = append(events, Event{Type: Joined, RoomID: roomID, UserID: userID})
	m.mu.Unlock()

	log.Infof("user %d joined room %s (%d already present)", userID, roomID, len(res.Participants))
	m.deliver(notices, events)
	return res, nil
}

// Leave removes userID from its current room. ok is false when the user was
// not in a room.
func (m *Manager) Leave(userID int64) (roomID string, ok bool) {
	m.mu.Lock()
	roomID, ok = m.members[userID]
	if !ok {
		m.mu.Unlock()
		return "", false
	}
	notices, events := m.leaveLocked(userID, roomID)
	m.mu.Unlock()

	log.Infof("user %d left room %s", userID, roomID)
	m.deliver(notices, events)
	return roomID, true
}

func (m *Manager) leaveLocked(userID int64, roomID string) ([]notice, []Event) {
	delete(m.members, userID)
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, nil
	}
	r.remove(userID)
	events := []Event{{Type: Left, RoomID: roomID, UserID: userID}}
	if len(r.Participants) == 0 {
		delete(m.rooms, roomID)
		events = append(events, Event{Type: Emptied, RoomID: roomID})
		return nil, events
	}
	notices := make([]notice, 0, len(r.Participants))
	for _, id := range r.Participants {
		notices = append(notices, notice{to: id, msg: proto.NewParticipantLeft(roomID, userID)})
	}
	return notices, events
}

func (m *Manager) deliver(notices []notice, events []Event) {
	if m.notify != nil {
		for _, n := range notices {
			m.notify.Notify(n.to, n.msg)
		}
	}
	if len(events) == 0 {
		return
	}
	m.subMu.RLock()
	handlers := make([]func(Event), len(m.subs))
	copy(handlers, m.subs)
	m.subMu.RUnlock()
	for _, ev := range events {
		for _, fn := range handlers {
			fn(ev)
		}
	}
}

// RoomOf returns the room userID is currently in.
func (m *Manager) RoomOf(userID int64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.members[userID]
	return id, ok
}

// Participants returns the members of roomID in join order.
func (m *Manager) Participants(roomID string) []int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]int64, len(r.Participants))
	copy(out, r.Participants)
	return out
}

// Shares reports whether a and b are in the same room.
func (m *Manager) Shares(a, b int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ra, ok := m.members[a]
	if !ok {
		return false
	}
	rb, ok := m.members[b]
	return ok && ra == rb
}

// Len returns the number of non-empty rooms.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}
