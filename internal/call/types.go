package call

import (
	"context"
	"encoding/json"

	"github.com/petervdpas/voxmatch/internal/wsclient"
)

// Transport is the only surface the call package needs from the signaling
// connection. *wsclient.Conn satisfies it.
type Transport interface {
	Send(msgType string, payload any) error
	On(msgType string, fn func(json.RawMessage))
	OnReconnected(fn func())
	JoinRoom(ctx context.Context, roomID string, metadata json.RawMessage) ([]int64, error)
	LeaveRoom() error
}

var _ Transport = (*wsclient.Conn)(nil)

// IncomingCall is handed to OnIncoming handlers when a remote user offers
// a new call. Exactly one of Accept or Reject should be called.
type IncomingCall struct {
	CallID  string
	MatchID int64
	From    int64
	Accept  func() error
	Reject  func() error
}
