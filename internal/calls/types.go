// Package calls owns the authoritative lifecycle of a call attempt between
// two matched users: status transitions, the per-day talk budget, and the
// match-side unlocks that follow a completed call.
package calls

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	Pending    Status = "pending"
	Ringing    Status = "ringing"
	Connecting Status = "connecting"
	Active     Status = "active"
	Completed  Status = "completed"
	Missed     Status = "missed"
	Rejected   Status = "rejected"
	Failed     Status = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case Completed, Missed, Rejected, Failed:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case Pending, Ringing, Connecting, Active, Completed, Missed, Rejected, Failed:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	Pending:    {Ringing, Connecting, Rejected, Missed, Failed},
	Ringing:    {Connecting, Rejected, Missed, Failed},
	Connecting: {Active, Failed},
	Active:     {Completed, Failed},
}

func allowed(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BudgetSeconds is the talk time allowed for the n-th call of a match.
func BudgetSeconds(callDay int) int {
	switch callDay {
	case 1:
		return 300
	case 2:
		return 600
	case 3:
		return 1200
	default:
		return 1800
	}
}

// Unlock thresholds on the call day of a completed call.
const (
	ChatUnlockDay  = 2
	PhotoRevealDay = 3
)

// Attempt is one call between the two users of a match.
type Attempt struct {
	ID              string     `json:"id"`
	MatchID         int64      `json:"matchId"`
	InitiatorID     int64      `json:"initiatorId"`
	ReceiverID      int64      `json:"receiverId"`
	CallDay         int        `json:"callDay"`
	Status          Status     `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartTime       *time.Time `json:"startTime,omitempty"`
	EndTime         *time.Time `json:"endTime,omitempty"`
	DurationSeconds *int       `json:"durationSeconds,omitempty"`
}

func (a Attempt) Involves(userID int64) bool {
	return userID != 0 && (a.InitiatorID == userID || a.ReceiverID == userID)
}

// Counterpart returns the other party of the call, or 0 if userID is not a party.
func (a Attempt) Counterpart(userID int64) int64 {
	switch userID {
	case a.InitiatorID:
		return a.ReceiverID
	case a.ReceiverID:
		return a.InitiatorID
	}
	return 0
}

// Match is the subset of a match record the call core reads and updates.
type Match struct {
	ID                int64 `json:"id"`
	UserA             int64 `json:"userA"`
	UserB             int64 `json:"userB"`
	CallCount         int   `json:"callCount"`
	IsChatUnlocked    bool  `json:"isChatUnlocked"`
	ArePhotosRevealed bool  `json:"arePhotosRevealed"`
	CallScheduled     bool  `json:"callScheduled"`
}

func (m Match) Involves(userID int64) bool {
	return userID != 0 && (m.UserA == userID || m.UserB == userID)
}

// CallUpdate is a partial CallAttempt; nil fields are left untouched.
type CallUpdate struct {
	Status          *Status
	StartTime       *time.Time
	EndTime         *time.Time
	DurationSeconds *int
}

// MatchUpdate is a partial Match; nil fields are left untouched.
type MatchUpdate struct {
	CallCount         *int
	IsChatUnlocked    *bool
	ArePhotosRevealed *bool
	CallScheduled     *bool
}

func (u MatchUpdate) Empty() bool {
	return u.CallCount == nil && u.IsChatUnlocked == nil && u.ArePhotosRevealed == nil && u.CallScheduled == nil
}

// Store is the persistence collaborator.
type Store interface {
	CreateCallRecord(ctx context.Context, matchID, initiatorID, receiverID int64, callDay int, createdAt time.Time) (Attempt, error)
	UpdateCallRecord(ctx context.Context, id string, upd CallUpdate) (Attempt, error)
	GetCall(ctx context.Context, id string) (Attempt, error)
	GetMatch(ctx context.Context, matchID int64) (Match, error)
	UpdateMatch(ctx context.Context, matchID int64, upd MatchUpdate) (Match, error)
}

var (
	ErrNotFound          = errors.New("not found")
	ErrNotParticipant    = errors.New("user is not a party to this call")
	ErrBusy              = errors.New("user already has a live call")
	ErrTerminal          = errors.New("call already ended")
	ErrInvalidTransition = errors.New("invalid call transition")
	ErrUnknownStatus     = errors.New("unknown call status")
)
