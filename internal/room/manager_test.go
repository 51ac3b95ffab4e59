package room

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"

	"github.com/petervdpas/voxmatch/internal/proto"
)

type recorder struct {
	mu  sync.Mutex
	got map[int64][]any
}

func newRecorder() *recorder { return &recorder{got: make(map[int64][]any)} }

func (r *recorder) Notify(userID int64, v any) {
	r.mu.Lock()
	r.got[userID] = append(r.got[userID], v)
	r.mu.Unlock()
}

func (r *recorder) notices(userID int64) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.got[userID]...)
}

func TestJoinReturnsExistingParticipantsInOrder(t *testing.T) {
	rec := newRecorder()
	m := New(rec, clock.NewMock(), 3)

	res, err := m.Join(1, "r", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Participants) != 0 {
		t.Fatalf("first joiner sees %v, want none", res.Participants)
	}
	if _, err := m.Join(2, "r", nil); err != nil {
		t.Fatal(err)
	}
	res, err = m.Join(3, "r", json.RawMessage(`{"nick":"c"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Participants) != 2 || res.Participants[0] != 1 || res.Participants[1] != 2 {
		t.Fatalf("participants = %v, want [1 2]", res.Participants)
	}

	got := rec.notices(1)
	last, ok := got[len(got)-1].(proto.ParticipantJoined)
	if !ok || last.UserID != 3 || string(last.Metadata) != `{"nick":"c"}` {
		t.Fatalf("user 1 last notice = %#v", got[len(got)-1])
	}
	if len(rec.notices(3)) != 0 {
		t.Fatal("joiner must not be notified about itself")
	}
}

func TestAtMostOneRoom(t *testing.T) {
	rec := newRecorder()
	m := New(rec, clock.NewMock(), 2)

	m.Join(1, "A", nil)
	m.Join(2, "A", nil)

	res, err := m.Join(1, "B", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.PreviousRoom != "A" {
		t.Fatalf("PreviousRoom = %q, want A", res.PreviousRoom)
	}
	if cur, _ := m.RoomOf(1); cur != "B" {
		t.Fatalf("user 1 in %q, want B", cur)
	}
	for _, id := range m.Participants("A") {
		if id == 1 {
			t.Fatal("user 1 still listed in A")
		}
	}

	seen := rec.notices(2)
	left, ok := seen[len(seen)-1].(proto.ParticipantLeft)
	if !ok || left.RoomID != "A" || left.UserID != 1 {
		t.Fatalf("user 2 last notice = %#v, want participant-left A/1", seen[len(seen)-1])
	}
}

func TestAtMostOneRoomAcrossManyJoins(t *testing.T) {
	m := New(nil, clock.NewMock(), 4)
	seq := []string{"a", "b", "a", "c", "c", "b"}
	for _, r := range seq {
		if _, err := m.Join(9, r, nil); err != nil {
			t.Fatal(err)
		}
		count := 0
		for _, room := range []string{"a", "b", "c"} {
			for _, id := range m.Participants(room) {
				if id == 9 {
					count++
				}
			}
		}
		if count != 1 {
			t.Fatalf("after join %q user is in %d rooms", r, count)
		}
	}
	if m.Len() != 1 {
		t.Fatalf("empty rooms not collected: Len = %d", m.Len())
	}
}

func TestRejoinSameRoomIsNoop(t *testing.T) {
	rec := newRecorder()
	m := New(rec, clock.NewMock(), 2)

	m.Join(1, "solo", nil)
	res, err := m.Join(1, "solo", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Participants == nil || len(res.Participants) != 0 {
		t.Fatalf("participants = %#v, want empty set", res.Participants)
	}
	if res.PreviousRoom != "" {
		t.Fatal("re-join must not report a previous room")
	}
	if got := m.Participants("solo"); len(got) != 1 {
		t.Fatalf("room has %v", got)
	}
}

func TestLeaveDeletesEmptyRoomAndNotifiesOthers(t *testing.T) {
	rec := newRecorder()
	m := New(rec, clock.NewMock(), 2)
	var events []Event
	m.Subscribe(func(e Event) { events = append(events, e) })

	m.Join(1, "r", nil)
	m.Join(2, "r", nil)

	if _, ok := m.Leave(1); !ok {
		t.Fatal("leave should succeed")
	}
	if _, ok := m.Leave(1); ok {
		t.Fatal("second leave should report not-in-room")
	}
	got := rec.notices(2)
	if len(got) != 1 {
		t.Fatalf("user 2 notices = %#v, want one participant-left", got)
	}
	if left, ok := got[0].(proto.ParticipantLeft); !ok || left.UserID != 1 {
		t.Fatalf("user 2 notice = %#v", got[0])
	}

	m.Leave(2)
	if m.Len() != 0 {
		t.Fatalf("Len = %d, want 0", m.Len())
	}
	if last := events[len(events)-1]; last.Type != Emptied || last.RoomID != "r" {
		t.Fatalf("last event = %+v, want emptied r", last)
	}
}

func TestRoomFull(t *testing.T) {
	m := New(nil, clock.NewMock(), 2)
	m.Join(1, "r", nil)
	m.Join(2, "r", nil)
	if _, err := m.Join(3, "r", nil); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("err = %v, want ErrRoomFull", err)
	}
	if _, ok := m.RoomOf(3); ok {
		t.Fatal("rejected joiner must not be a member")
	}
}

func TestShares(t *testing.T) {
	m := New(nil, clock.NewMock(), 2)
	m.Join(1, "r", nil)
	m.Join(2, "r", nil)
	m.Join(3, "s", nil)
	if !m.Shares(1, 2) || m.Shares(1, 3) || m.Shares(1, 4) {
		t.Fatal("Shares mismatch")
	}
}
