package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed is returned for frames that are not a JSON object.
	ErrMalformed = errors.New("malformed frame")
	// ErrMissingType is returned for objects without a "type" string.
	ErrMissingType = errors.New("missing type")
	// ErrMissingField is returned when a required field of a known type is absent.
	ErrMissingField = errors.New("missing required field")
)

// Message is one decoded inbound frame.
type Message interface {
	MessageType() string
}

// Targeted is implemented by frames addressed to another user.
type Targeted interface {
	Message
	Target() int64
}

// Register binds the connection to a user id.
type Register struct {
	UserID int64 `json:"userId"`
}

// Ping is an application-level heartbeat.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// JoinRoom asks to enter a room; metadata is forwarded verbatim to the
// participants already present.
type JoinRoom struct {
	RoomID   string          `json:"roomId"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// LeaveRoom leaves the sender's current room, if any.
type LeaveRoom struct{}

// Offer carries an SDP offer. A non-zero MatchID without CallID requests a
// new call for that match.
type Offer struct {
	TargetUserID int64           `json:"targetUserId,omitempty"`
	ToUserID     int64           `json:"toUserId,omitempty"`
	Offer        json.RawMessage `json:"offer"`
	MatchID      int64           `json:"matchId,omitempty"`
	CallID       string          `json:"callId,omitempty"`
}

// Answer carries an SDP answer back to the offerer.
type Answer struct {
	TargetUserID int64           `json:"targetUserId,omitempty"`
	ToUserID     int64           `json:"toUserId,omitempty"`
	Answer       json.RawMessage `json:"answer"`
	CallID       string          `json:"callId,omitempty"`
}

// ICECandidate carries one trickled candidate.
type ICECandidate struct {
	TargetUserID int64           `json:"targetUserId,omitempty"`
	ToUserID     int64           `json:"toUserId,omitempty"`
	Candidate    json.RawMessage `json:"candidate"`
}

// CallStatus reports a client-observed call status change.
type CallStatus struct {
	MatchID int64  `json:"matchId"`
	CallID  string `json:"callId"`
	Status  string `json:"status"`
}

// CallEnd hangs up a call.
type CallEnd struct {
	CallID string `json:"callId"`
}

// PresenceQuery asks which of the given users have a live signaling channel.
type PresenceQuery struct {
	UserIDs []int64 `json:"userIds"`
}

// DiagSnapshot asks for registry/room/call counters.
type DiagSnapshot struct{}

// Unknown is returned by Decode for a well-formed frame of an unrecognised type.
type Unknown struct {
	Type string
}

func (Register) MessageType() string      { return TypeRegister }
func (Ping) MessageType() string          { return TypePing }
func (JoinRoom) MessageType() string      { return TypeJoinRoom }
func (LeaveRoom) MessageType() string     { return TypeLeaveRoom }
func (Offer) MessageType() string         { return TypeOffer }
func (Answer) MessageType() string        { return TypeAnswer }
func (ICECandidate) MessageType() string  { return TypeICECandidate }
func (CallStatus) MessageType() string    { return TypeCallStatus }
func (CallEnd) MessageType() string       { return TypeCallEnd }
func (PresenceQuery) MessageType() string { return TypePresenceQuery }
func (DiagSnapshot) MessageType() string  { return TypeDiagSnapshot }
func (u Unknown) MessageType() string     { return u.Type }

func (o Offer) Target() int64        { return pickTarget(o.TargetUserID, o.ToUserID) }
func (a Answer) Target() int64       { return pickTarget(a.TargetUserID, a.ToUserID) }
func (c ICECandidate) Target() int64 { return pickTarget(c.TargetUserID, c.ToUserID) }

func pickTarget(target, to int64) int64 {
	if target != 0 {
		return target
	}
	return to
}

type envelope struct {
	Type string `json:"type"`
}

// PeekType returns the "type" of a raw frame without decoding the rest.
func PeekType(raw []byte) (string, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return "", ErrMissingType
	}
	return env.Type, nil
}

// Decode parses a raw inbound frame into its typed variant and checks the
// variant's required fields.
func Decode(raw []byte) (Message, error) {
	t, err := PeekType(raw)
	if err != nil {
		return nil, err
	}

	var msg Message
	switch t {
	case TypeRegister:
		var m Register
		if err := unmarshal(raw, &m); err != nil {
			return nil, err
		}
		if m.UserID <= 0 {
			return nil, missing("userId")
		}
		msg = m
	case TypePing:
		var m Ping
		if err := unmarshal(raw, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeJoinRoom:
		var m JoinRoom
		if err := unmarshal(raw, &m); err != nil {
			return nil, err
		}
		if strings.TrimSpace(m.RoomID) == "" {
			return nil, missing("roomId")
		}
		msg = m
	case TypeLeaveRoom:
		msg = LeaveRoom{}
	case TypeOffer:
		var m Offer
		if err := unmarshal(raw, &m); err != nil {
			return nil, err
		}
		if m.Target() <= 0 {
			return nil, missing("targetUserId")
		}
		if isEmpty(m.Offer) {
			return nil, missing("offer")
		}
		msg = m
	case TypeAnswer:
		var m Answer
		if err := unmarshal(raw, &m); err != nil {
			return nil, err
		}
		if m.Target() <= 0 {
			return nil, missing("toUserId")
		}
		if isEmpty(m.Answer) {
			return nil, missing("answer")
		}
		msg = m
	case TypeICECandidate:
		var m ICECandidate
		if err := unmarshal(raw, &m); err != nil {
			return nil, err
		}
		if m.Target() <= 0 {
			return nil, missing("toUserId")
		}
		if len(m.Candidate) == 0 {
			return nil, missing("candidate")
		}
		msg = m
	case TypeCallStatus:
		var m CallStatus
		if err := unmarshal(raw, &m); err != nil {
			return nil, err
		}
		if m.CallID == "" {
			return nil, missing("callId")
		}
		if m.Status == "" {
			return nil, missing("status")
		}
		msg = m
	case TypeCallEnd:
		var m CallEnd
		if err := unmarshal(raw, &m); err != nil {
			return nil, err
		}
		if m.CallID == "" {
			return nil, missing("callId")
		}
		msg = m
	case TypePresenceQuery:
		var m PresenceQuery
		if err := unmarshal(raw, &m); err != nil {
			return nil, err
		}
		msg = m
	case TypeDiagSnapshot:
		msg = DiagSnapshot{}
	default:
		msg = Unknown{Type: t}
	}
	return msg, nil
}

func unmarshal(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

func isEmpty(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null" || s == "{}"
}
