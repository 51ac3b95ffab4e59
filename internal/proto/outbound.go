package proto

import "encoding/json"

type Registered struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId"`
}

type Pong struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	Original  int64  `json:"original"`
}

type RoomJoined struct {
	Type         string  `json:"type"`
	RoomID       string  `json:"roomId"`
	Participants []int64 `json:"participants"`
}

type ParticipantJoined struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"roomId"`
	UserID   int64           `json:"userId"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type ParticipantLeft struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
	UserID int64  `json:"userId"`
}

// Relayed is an offer, answer or ice-candidate forwarded to its target with
// the sender stamped in FromUserID. Exactly one payload field is set.
type Relayed struct {
	Type       string          `json:"type"`
	FromUserID int64           `json:"fromUserId"`
	Offer      json.RawMessage `json:"offer,omitempty"`
	Answer     json.RawMessage `json:"answer,omitempty"`
	Candidate  json.RawMessage `json:"candidate,omitempty"`
	MatchID    int64           `json:"matchId,omitempty"`
	CallID     string          `json:"callId,omitempty"`
}

type CallStatusUpdate struct {
	Type             string `json:"type"`
	Status           string `json:"status"`
	CallID           string `json:"callId"`
	MatchID          int64  `json:"matchId"`
	From             int64  `json:"from"`
	CallDay          int    `json:"callDay"`
	BudgetSeconds    int    `json:"budgetSeconds"`
	RemainingSeconds *int   `json:"remainingSeconds,omitempty"`
	DurationSeconds  *int   `json:"durationSeconds,omitempty"`
}

type CallIncoming struct {
	Type    string `json:"type"`
	CallID  string `json:"callId"`
	MatchID int64  `json:"matchId"`
	From    int64  `json:"from"`
	CallDay int    `json:"callDay"`
}

// MatchUnlocked is pushed on the status channel when a completed call
// unlocks chat or reveals photos for a match.
type MatchUnlocked struct {
	Type           string `json:"type"`
	MatchID        int64  `json:"matchId"`
	CallCount      int    `json:"callCount"`
	ChatUnlocked   bool   `json:"chatUnlocked"`
	PhotosRevealed bool   `json:"photosRevealed"`
}

type PresenceState struct {
	Type   string         `json:"type"`
	Online map[int64]bool `json:"online"`
}

type DiagSnapshotReply struct {
	Type        string `json:"type"`
	Connections int    `json:"connections"`
	Rooms       int    `json:"rooms"`
	Calls       int    `json:"calls"`
}

type Error struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

type Ack struct {
	Type    string `json:"type"`
	Of      string `json:"of"`
	Handled bool   `json:"handled"`
}

func NewRegistered(userID int64) Registered {
	return Registered{Type: TypeRegistered, UserID: userID}
}

func NewPong(original int64) Pong {
	return Pong{Type: TypePong, Timestamp: NowMillis(), Original: original}
}

func NewRoomJoined(roomID string, participants []int64) RoomJoined {
	if participants == nil {
		participants = []int64{}
	}
	return RoomJoined{Type: TypeRoomJoined, RoomID: roomID, Participants: participants}
}

func NewParticipantJoined(roomID string, userID int64, meta json.RawMessage) ParticipantJoined {
	return ParticipantJoined{Type: TypeParticipantJoined, RoomID: roomID, UserID: userID, Metadata: meta}
}

func NewParticipantLeft(roomID string, userID int64) ParticipantLeft {
	return ParticipantLeft{Type: TypeParticipantLeft, RoomID: roomID, UserID: userID}
}

func NewError(code, message string) Error {
	return Error{Type: TypeError, Error: code, Message: message}
}

func NewAck(of string, handled bool) Ack {
	return Ack{Type: TypeAck, Of: of, Handled: handled}
}
