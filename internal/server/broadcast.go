package server

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/Tyrowin/overlay-chat-server/internal/protocol"
)

// broadcast encodes event once and queues it for every member of the room
// except exclude. Recipients that are closed or backed up are skipped. It
// returns the number of members the event was queued for.
func (h *Hub) broadcast(code string, event any, exclude *Client) int {
	payload, err := json.Marshal(event)
	if err != nil {
		h.log.Error("encode broadcast", zap.String("room", code), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, m := range h.rooms.Members(code) {
		if exclude != nil && m.ID() == exclude.ID() {
			continue
		}
		if err := m.Send(payload); err != nil {
			h.log.Debug("skipping recipient",
				zap.String("room", code),
				zap.String("client", m.ID()),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// broadcastUserList sends the room's presence list to all of its members.
func (h *Hub) broadcastUserList(code string) {
	h.broadcast(code, protocol.NewUserList(code, h.rooms.ListMembers(code)), nil)
}

// reply sends event to c alone.
func (h *Hub) reply(c *Client, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		c.log.Error("encode reply", zap.Error(err))
		return
	}
	if err := c.Send(payload); err != nil {
		c.log.Debug("dropping reply", zap.Error(err))
	}
}
