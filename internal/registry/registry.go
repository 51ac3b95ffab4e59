// Package registry maps a user id to its live transport handle, one entry
// per (user, channel kind).
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/voxmatch/internal/proto"
)

var log = logging.Logger("registry")

// Kind is the logical channel a connection was opened on.
type Kind string

const (
	KindStatus     Kind = "status"
	KindSignaling  Kind = "signaling"
	KindDiagnostic Kind = "diagnostic"
)

func (k Kind) Valid() bool {
	switch k {
	case KindStatus, KindSignaling, KindDiagnostic:
		return true
	}
	return false
}

// Handle is a live transport. Close must not call back into the Registry
// synchronously; the transport's own close event arrives later and is
// expected to go through Release.
type Handle interface {
	ID() string
	Send(v any) error
	Close(code int, reason string) error
}

type Key struct {
	UserID int64
	Kind   Kind
}

// Entry is one registered connection.
type Entry struct {
	UserID          int64
	Kind            Kind
	Handle          Handle
	RegisteredAt    time.Time
	LastHeartbeatAt time.Time
}

type EventType string

const (
	Connected    EventType = "connected"
	Replaced     EventType = "replaced"
	Disconnected EventType = "disconnected"
)

// Event is delivered to subscribers after the registry has been updated.
type Event struct {
	Type  EventType
	Entry Entry
}

type Registry struct {
	clk clock.Clock

	mu      sync.RWMutex
	entries map[Key]*Entry

	subMu sync.RWMutex
	subs  []func(Event)
}

// New creates an empty registry. clk may be nil for the wall clock.
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clk:     clk,
		entries: make(map[Key]*Entry),
	}
}

// Subscribe registers fn for connect/replace/disconnect events.
func (r *Registry) Subscribe(fn func(Event)) {
	r.subMu.Lock()
	r.subs = append(r.subs, fn)
	r.subMu.Unlock()
}

// Register stores h for (userID, kind). A different handle already stored
// under the same key is closed before h replaces it.
func (r *Registry) Register(userID int64, kind Kind, h Handle) {
	key := Key{UserID: userID, Kind: kind}
	now := r.clk.Now()

	r.mu.Lock()
	old, had := r.entries[key]
	if had && old.Handle.ID() == h.ID() {
		old.LastHeartbeatAt = now
		r.mu.Unlock()
		return
	}
	if had {
		if err := old.Handle.Close(proto.CloseReplaced, "replaced by new connection"); err != nil {
			log.Debugf("close replaced handle %s: %v", old.Handle.ID(), err)
		}
	}
	e := &Entry{
		UserID:          userID,
		Kind:            kind,
		Handle:          h,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}
	r.entries[key] = e
	snapshot := *e
	r.mu.Unlock()

	if had {
		log.Infof("user %d (%s): replaced connection %s with %s", userID, kind, old.Handle.ID(), h.ID())
		r.emit(Event{Type: Replaced, Entry: snapshot})
		return
	}
	log.Infof("user %d (%s): registered %s", userID, kind, h.ID())
	r.emit(Event{Type: Connected, Entry: snapshot})
}

// Resolve returns the live handle for (userID, kind).
func (r *Registry) Resolve(userID int64, kind Kind) (Handle, bool) {
	r.mu.RLock()
	e, ok := r.entries[Key{UserID: userID, Kind: kind}]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.Handle, true
}

// Unregister removes (userID, kind) whatever handle it holds. Idempotent.
func (r *Registry) Unregister(userID int64, kind Kind) {
	key := Key{UserID: userID, Kind: kind}
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		delete(r.entries, key)
	}
	r.mu.Unlock()
	if ok {
		log.Infof("user %d (%s): unregistered %s", userID, kind, e.Handle.ID())
		r.emit(Event{Type: Disconnected, Entry: *e})
	}
}

// Release is the close-event form of Unregister: it removes the entry only
// while it still points at h. A handle that was already replaced releases
// nothing, so its late close event cannot evict the fresh registration.
func (r *Registry) Release(userID int64, kind Kind, h Handle) bool {
	key := Key{UserID: userID, Kind: kind}
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.Handle.ID() != h.ID() {
		r.mu.Unlock()
		if ok {
			log.Debugf("user %d (%s): stale close from %s ignored, current %s", userID, kind, h.ID(), e.Handle.ID())
		}
		return false
	}
	delete(r.entries, key)
	r.mu.Unlock()

	log.Infof("user %d (%s): released %s", userID, kind, h.ID())
	r.emit(Event{Type: Disconnected, Entry: *e})
	return true
}

// Touch records a heartbeat for (userID, kind).
func (r *Registry) Touch(userID int64, kind Kind) {
	now := r.clk.Now()
	r.mu.Lock()
	if e, ok := r.entries[Key{UserID: userID, Kind: kind}]; ok {
		e.LastHeartbeatAt = now
	}
	r.mu.Unlock()
}

// Sweep evicts entries whose last heartbeat is older than maxIdle, closing
// their handles with CloseStale. It returns the evicted entries.
func (r *Registry) Sweep(maxIdle time.Duration) []Entry {
	cutoff := r.clk.Now().Add(-maxIdle)

	r.mu.Lock()
	var stale []Entry
	for key, e := range r.entries {
		if e.LastHeartbeatAt.Before(cutoff) {
			stale = append(stale, *e)
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	for _, e := range stale {
		log.Warnf("user %d (%s): evicting stale connection %s (last heartbeat %s)",
			e.UserID, e.Kind, e.Handle.ID(), e.LastHeartbeatAt.Format(time.RFC3339))
		if err := e.Handle.Close(proto.CloseStale, "heartbeat stale"); err != nil {
			log.Debugf("close stale handle %s: %v", e.Handle.ID(), err)
		}
		r.emit(Event{Type: Disconnected, Entry: e})
	}
	return stale
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Count returns the number of live entries of one kind.
func (r *Registry) Count(kind Kind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for k := range r.entries {
		if k.Kind == kind {
			n++
		}
	}
	return n
}

// Snapshot returns all entries ordered by user id then kind.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// CloseAll closes and removes every entry. Used on shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.mu.Lock()
	entries := r.entries
	r.entries = make(map[Key]*Entry)
	r.mu.Unlock()

	for _, e := range entries {
		_ = e.Handle.Close(code, reason)
	}
}

func (r *Registry) emit(ev Event) {
	r.subMu.RLock()
	handlers := make([]func(Event), len(r.subs))
	copy(handlers, r.subs)
	r.subMu.RUnlock()
	for _, fn := range handlers {
		fn(ev)
	}
}
