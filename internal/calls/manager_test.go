package calls

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

type memStore struct {
	mu      sync.Mutex
	seq     int
	calls   map[string]Attempt
	matches map[int64]Match
	written []Status
	matchUp int
}

func newMemStore(matches ...Match) *memStore {
	s := &memStore{calls: make(map[string]Attempt), matches: make(map[int64]Match)}
	for _, m := range matches {
		s.matches[m.ID] = m
	}
	return s
}

func (s *memStore) CreateCallRecord(_ context.Context, matchID, initiatorID, receiverID int64, callDay int, createdAt time.Time) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	a := Attempt{
		ID:          fmt.Sprintf("call-%d", s.seq),
		MatchID:     matchID,
		InitiatorID: initiatorID,
		ReceiverID:  receiverID,
		CallDay:     callDay,
		Status:      Pending,
		CreatedAt:   createdAt,
	}
	s.calls[a.ID] = a
	return a, nil
}

func (s *memStore) UpdateCallRecord(_ context.Context, id string, upd CallUpdate) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.calls[id]
	if !ok {
		return Attempt{}, ErrNotFound
	}
	if upd.Status != nil {
		a.Status = *upd.Status
		s.written = append(s.written, *upd.Status)
	}
	if upd.StartTime != nil {
		a.StartTime = upd.StartTime
	}
	if upd.EndTime != nil {
		a.EndTime = upd.EndTime
	}
	if upd.DurationSeconds != nil {
		a.DurationSeconds = upd.DurationSeconds
	}
	s.calls[id] = a
	return a, nil
}

func (s *memStore) GetCall(_ context.Context, id string) (Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.calls[id]
	if !ok {
		return Attempt{}, ErrNotFound
	}
	return a, nil
}

func (s *memStore) GetMatch(_ context.Context, id int64) (Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return Match{}, ErrNotFound
	}
	return m, nil
}

func (s *memStore) UpdateMatch(_ context.Context, id int64, upd MatchUpdate) (Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.matches[id]
	if !ok {
		return Match{}, ErrNotFound
	}
	if upd.CallCount != nil {
		m.CallCount = *upd.CallCount
	}
	if upd.IsChatUnlocked != nil {
		m.IsChatUnlocked = *upd.IsChatUnlocked
	}
	if upd.ArePhotosRevealed != nil {
		m.ArePhotosRevealed = *upd.ArePhotosRevealed
	}
	if upd.CallScheduled != nil {
		m.CallScheduled = *upd.CallScheduled
	}
	s.matches[id] = m
	s.matchUp++
	return m, nil
}

func (s *memStore) match(id int64) Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matches[id]
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

func statusOf(m *Manager, id string) Status {
	a, err := m.Get(context.Background(), id)
	if err != nil {
		return ""
	}
	return a.Status
}

func setup(t *testing.T, callCount int) (*Manager, *memStore, *clock.Mock) {
	t.Helper()
	store := newMemStore(Match{ID: 10, UserA: 1, UserB: 2, CallCount: callCount, CallScheduled: true})
	mock := clock.NewMock()
	m := New(store, mock, Options{})
	t.Cleanup(m.Close)
	return m, store, mock
}

// toActive requests a call from 1 to 2 and drives it to active.
func toActive(t *testing.T, m *Manager) Attempt {
	t.Helper()
	a, err := m.Request(context.Background(), 10, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Ringing(a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Accept(a.ID, 2); err != nil {
		t.Fatal(err)
	}
	a, err = m.Activate(a.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestBudgetSeconds(t *testing.T) {
	cases := map[int]int{1: 300, 2: 600, 3: 1200, 4: 1800, 9: 1800}
	for day, want := range cases {
		if got := BudgetSeconds(day); got != want {
			t.Errorf("BudgetSeconds(%d) = %d, want %d", day, got, want)
		}
	}
}

func TestRequestUsesNextCallDay(t *testing.T) {
	m, _, mock := setup(t, 2)
	mock.Add(time.Hour)
	a, err := m.Request(context.Background(), 10, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if a.CallDay != 3 || a.Status != Pending {
		t.Fatalf("attempt = %+v, want day 3 pending", a)
	}
	if !a.CreatedAt.Equal(mock.Now()) {
		t.Fatalf("createdAt = %v, want clock time %v", a.CreatedAt, mock.Now())
	}
}

func TestFirstCallRunsOutItsBudget(t *testing.T) {
	m, store, mock := setup(t, 0)
	a := toActive(t, m)

	if rem, ok := m.Remaining(a.ID); !ok || rem != 300 {
		t.Fatalf("Remaining = %d %v, want 300", rem, ok)
	}
	mock.Add(300 * time.Second)
	waitFor(t, "budget completion", func() bool { return statusOf(m, a.ID) == Completed })
	m.Sync()

	got, _ := m.Get(context.Background(), a.ID)
	if got.DurationSeconds == nil || *got.DurationSeconds != 300 {
		t.Fatalf("durationSeconds = %v, want 300", got.DurationSeconds)
	}
	match := store.match(10)
	if match.CallCount != 1 {
		t.Fatalf("callCount = %d, want 1", match.CallCount)
	}
	if match.IsChatUnlocked || match.ArePhotosRevealed {
		t.Fatal("day one must not unlock anything")
	}
	if match.CallScheduled {
		t.Fatal("completion should clear callScheduled")
	}
}

func TestThirdDayUnlocksExactlyOnce(t *testing.T) {
	m, store, mock := setup(t, 2)
	var unlocks []UnlockEvent
	var mu sync.Mutex
	m.OnUnlock(func(ev UnlockEvent) {
		mu.Lock()
		unlocks = append(unlocks, ev)
		mu.Unlock()
	})

	a := toActive(t, m)
	mock.Add(90 * time.Second)
	if _, err := m.End(a.ID, 2); err != nil {
		t.Fatal(err)
	}
	if _, err := m.End(a.ID, 1); !errors.Is(err, ErrTerminal) {
		t.Fatalf("second end err = %v, want ErrTerminal", err)
	}
	m.Sync()

	match := store.match(10)
	if match.CallCount != 3 || !match.IsChatUnlocked || !match.ArePhotosRevealed {
		t.Fatalf("match = %+v", match)
	}
	if store.matchUp != 1 {
		t.Fatalf("match written %d times, want 1", store.matchUp)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(unlocks) != 1 || !unlocks[0].ChatUnlocked || !unlocks[0].PhotosRevealed {
		t.Fatalf("unlocks = %+v", unlocks)
	}
}

func TestSecondDayUnlocksChatOnly(t *testing.T) {
	m, store, mock := setup(t, 1)
	a := toActive(t, m)
	mock.Add(30 * time.Second)
	got, err := m.End(a.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != Completed || *got.DurationSeconds != 30 {
		t.Fatalf("attempt = %+v", got)
	}
	m.Sync()
	match := store.match(10)
	if !match.IsChatUnlocked || match.ArePhotosRevealed || match.CallCount != 2 {
		t.Fatalf("match = %+v", match)
	}
}

func TestTerminalStatusIsFinal(t *testing.T) {
	m, _, _ := setup(t, 0)
	a, _ := m.Request(context.Background(), 10, 1, 2)
	if _, err := m.Reject(a.ID, 2); err != nil {
		t.Fatal(err)
	}
	var events int
	m.Subscribe(func(Event) { events++ })

	for name, op := range map[string]func() (Attempt, error){
		"activate": func() (Attempt, error) { return m.Activate(a.ID, 1) },
		"accept":   func() (Attempt, error) { return m.Accept(a.ID, 2) },
		"end":      func() (Attempt, error) { return m.End(a.ID, 1) },
		"fail":     func() (Attempt, error) { return m.Fail(a.ID, 0) },
		"report":   func() (Attempt, error) { return m.Report(a.ID, 1, "completed") },
	} {
		got, err := op()
		if !errors.Is(err, ErrTerminal) {
			t.Errorf("%s: err = %v, want ErrTerminal", name, err)
		}
		if got.Status != Rejected {
			t.Errorf("%s: status = %s, want rejected", name, got.Status)
		}
	}
	if events != 0 {
		t.Fatalf("terminal call emitted %d events", events)
	}
}

func TestEndOutcomes(t *testing.T) {
	cases := []struct {
		name  string
		drive func(m *Manager, id string)
		by    int64
		want  Status
	}{
		{"initiator cancels pending", func(*Manager, string) {}, 1, Missed},
		{"receiver declines ringing", func(m *Manager, id string) { m.Ringing(id) }, 2, Rejected},
		{"hang up while connecting", func(m *Manager, id string) { m.Accept(id, 2) }, 1, Failed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, _, _ := setup(t, 0)
			a, err := m.Request(context.Background(), 10, 1, 2)
			if err != nil {
				t.Fatal(err)
			}
			tc.drive(m, a.ID)
			got, err := m.End(a.ID, tc.by)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != tc.want {
				t.Fatalf("status = %s, want %s", got.Status, tc.want)
			}
			if got.DurationSeconds != nil {
				t.Fatal("a call that never went active has no duration")
			}
		})
	}
}

func TestBusyAndParticipantChecks(t *testing.T) {
	store := newMemStore(
		Match{ID: 10, UserA: 1, UserB: 2},
		Match{ID: 11, UserA: 1, UserB: 3},
	)
	m := New(store, clock.NewMock(), Options{})
	defer m.Close()

	a, err := m.Request(context.Background(), 10, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Request(context.Background(), 11, 3, 1); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if _, err := m.Request(context.Background(), 10, 1, 3); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("err = %v, want ErrNotParticipant", err)
	}
	if _, err := m.End(a.ID, 3); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("outsider end err = %v", err)
	}
	if _, err := m.Accept(a.ID, 1); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("initiator accept err = %v", err)
	}
	if _, err := m.Activate(a.ID, 1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> active err = %v", err)
	}
	if _, err := m.Report(a.ID, 1, "teleported"); !errors.Is(err, ErrUnknownStatus) {
		t.Fatalf("err = %v, want ErrUnknownStatus", err)
	}
	if _, ok := m.ActiveFor(2); !ok {
		t.Fatal("receiver should have a live call")
	}
}

func TestRingTimeoutFreesBothParties(t *testing.T) {
	m, _, mock := setup(t, 0)
	a, _ := m.Request(context.Background(), 10, 1, 2)
	m.Ringing(a.ID)

	mock.Add(DefaultRingTimeout)
	waitFor(t, "missed", func() bool { return statusOf(m, a.ID) == Missed })

	if _, ok := m.ActiveFor(1); ok {
		t.Fatal("initiator still marked busy")
	}
	if _, err := m.Request(context.Background(), 10, 2, 1); err != nil {
		t.Fatalf("new request after timeout: %v", err)
	}
}

func TestConnectTimeoutFails(t *testing.T) {
	m, _, mock := setup(t, 0)
	a, _ := m.Request(context.Background(), 10, 1, 2)
	m.Accept(a.ID, 2)
	mock.Add(DefaultConnectTimeout)
	waitFor(t, "failed", func() bool { return statusOf(m, a.ID) == Failed })
}

func TestReconnectGrace(t *testing.T) {
	m, _, mock := setup(t, 0)
	a := toActive(t, m)

	m.PartyDisconnected(2)
	mock.Add(10 * time.Second)
	m.PartyReconnected(2)
	mock.Add(10 * time.Second)
	if s := statusOf(m, a.ID); s != Active {
		t.Fatalf("status = %s after reconnect, want active", s)
	}

	m.PartyDisconnected(1)
	mock.Add(DefaultReconnectGrace)
	waitFor(t, "grace completion", func() bool { return statusOf(m, a.ID) == Completed })
	got, _ := m.Get(context.Background(), a.ID)
	if *got.DurationSeconds != 35 {
		t.Fatalf("duration = %d, want 35", *got.DurationSeconds)
	}
}

func TestPersistenceFollowsTransitionOrder(t *testing.T) {
	m, store, _ := setup(t, 0)
	a := toActive(t, m)
	m.End(a.ID, 1)
	m.Sync()

	want := []Status{Ringing, Connecting, Active, Completed}
	store.mu.Lock()
	defer store.mu.Unlock()
	if fmt.Sprint(store.written) != fmt.Sprint(want) {
		t.Fatalf("written = %v, want %v", store.written, want)
	}
	if got := store.calls[a.ID]; got.Status != Completed || got.EndTime == nil {
		t.Fatalf("stored = %+v", got)
	}
}
