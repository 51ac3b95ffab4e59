// Package proto defines the signaling wire format: every frame is a UTF-8
// JSON object discriminated by its "type" field.
package proto

import "time"

// Inbound frame types (client → server).
const (
	TypeRegister      = "register"
	TypePing          = "ping"
	TypeJoinRoom      = "join-room"
	TypeLeaveRoom     = "leave-room"
	TypeOffer         = "offer"
	TypeAnswer        = "answer"
	TypeICECandidate  = "ice-candidate"
	TypeCallStatus    = "call:status"
	TypeCallEnd       = "call:end"
	TypePresenceQuery = "presence:query"
	TypeDiagSnapshot  = "diag:snapshot"
)

// Outbound frame types (server → client). Offer, answer and ice-candidate
// are mirrored back out under their inbound names with fromUserId added.
const (
	TypeRegistered        = "registered"
	TypePong              = "pong"
	TypeRoomJoined        = "room-joined"
	TypeParticipantJoined = "participant-joined"
	TypeParticipantLeft   = "participant-left"
	TypeCallStatusUpdate  = "call:statusUpdate"
	TypeCallIncoming      = "call:incoming"
	TypeMatchUnlocked     = "match:unlocked"
	TypePresenceState     = "presence:state"
	TypeError             = "error"
	TypeAck               = "ack"
)

// Error codes carried in error{error, message}.
const (
	ErrCodeUnauthorized      = "unauthorized"
	ErrCodeTargetUnavailable = "target_unavailable"
	ErrCodeInvalidFormat     = "invalid_message_format"
	ErrCodeRateLimited       = "rate_limited"
	ErrCodeRoomFull          = "room_full"
	ErrCodeBusy              = "busy"
	ErrCodeCallNotFound      = "call_not_found"
	ErrCodeInvalidTransition = "invalid_transition"
	ErrCodeInternal          = "internal_error"
)

// WebSocket close codes. The 4xxx range is application-defined.
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseReplaced         = 4000 // same (user, channel) registered again
	CloseHeartbeatTimeout = 4001 // no pong within the heartbeat window
	CloseStale            = 4002 // evicted by the registry sweeper
)

// Channel paths served by the signaling server, one per channel kind.
const (
	PathStatus     = "/ws/status"
	PathSignaling  = "/ws/signaling"
	PathDiagnostic = "/ws/diagnostic"
)

func NowMillis() int64 { return time.Now().UnixMilli() }
