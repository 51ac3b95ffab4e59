package signal

import (
	"github.com/petervdpas/voxmatch/internal/registry"
	"github.com/petervdpas/voxmatch/internal/room"
)

// RoomNotifier delivers room membership frames to each user's signaling
// channel. Users without one are skipped.
type RoomNotifier struct {
	Registry *registry.Registry
}

var _ room.Notifier = RoomNotifier{}

func (n RoomNotifier) Notify(userID int64, v any) {
	h, ok := n.Registry.Resolve(userID, registry.KindSignaling)
	if !ok {
		return
	}
	if err := h.Send(v); err != nil {
		log.Debugf("room notice to user %d: %v", userID, err)
	}
}
