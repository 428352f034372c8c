package server

import (
	"errors"

	"go.uber.org/zap"

	"github.com/Tyrowin/overlay-chat-server/internal/protocol"
	"github.com/Tyrowin/overlay-chat-server/internal/room"
	"github.com/Tyrowin/overlay-chat-server/internal/roomcode"
)

// ErrNotInRoom is the rejection for room-scoped commands from an unjoined client.
var ErrNotInRoom = errors.New("not in a room")

// chatLogExcerpt is how much of a chat line is written to the log.
const chatLogExcerpt = 50

// dispatch decodes one frame from c and applies it. Bad frames are logged
// and dropped; they never close the connection.
func (h *Hub) dispatch(c *Client, data []byte) {
	if c.closed {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("recovered from panic while handling frame", zap.Any("panic", r))
		}
	}()

	cmd, err := protocol.Decode(data)
	if err != nil {
		h.metrics.MalformedFrames.Inc()
		c.log.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch cmd.Type {
	case protocol.TypeCreateRoom:
		h.createRoom(c)
	case protocol.TypeJoinRoom:
		h.joinRoom(c, *cmd.RoomCode)
	case protocol.TypeSetName:
		h.setName(c, *cmd.Name)
	case protocol.TypeSetColor:
		h.setColor(c, *cmd.Color)
	case protocol.TypeChat:
		h.chat(c, *cmd.Text)
	case protocol.TypeLeaveRoom:
		h.leaveRoom(c)
	default:
		h.metrics.Commands.WithLabelValues("unknown").Inc()
		c.log.Info("ignoring unknown message type", zap.String("type", cmd.Type))
		return
	}
	h.metrics.Commands.WithLabelValues(cmd.Type).Inc()
}

func (h *Hub) createRoom(c *Client) {
	h.departRoom(c, protocol.LeftNotice)

	code := h.codes.Unique(h.rooms.Exists)
	h.rooms.GetOrCreate(code)
	if err := h.rooms.Add(c, code); err != nil {
		h.reject(c, err)
		return
	}
	c.state = inRoom{code: code}

	h.reply(c, protocol.NewRoomCreated(code))
	h.broadcastUserList(code)

	h.metrics.RoomsCreated.Inc()
	h.updateGauges()
	c.log.Info("client created room", zap.String("room", code))
}

func (h *Hub) joinRoom(c *Client, raw string) {
	code, err := roomcode.Validate(raw)
	if err != nil {
		h.reject(c, err)
		return
	}

	if current, ok := c.currentRoom(); ok && current == code {
		h.reply(c, protocol.NewRoomJoined(code))
		h.reply(c, protocol.NewUserList(code, h.rooms.ListMembers(code)))
		return
	}

	rm, err := h.rooms.Admit(code)
	if err != nil {
		h.reject(c, err)
		return
	}

	h.departRoom(c, protocol.LeftNotice)

	if err := h.rooms.Add(c, code); err != nil {
		h.reject(c, err)
		return
	}
	c.state = inRoom{code: code}

	h.reply(c, protocol.NewRoomJoined(code))
	h.broadcast(code, protocol.NewSystem(protocol.JoinedNotice(c.name)), c)
	h.broadcastUserList(code)

	h.updateGauges()
	c.log.Info("client joined room",
		zap.String("room", code),
		zap.Int("members", rm.Len()),
		zap.Int("capacity", room.MaxMembers))
}

func (h *Hub) setName(c *Client, raw string) {
	oldName := c.name
	c.name = protocol.CleanName(raw)

	if code, ok := c.currentRoom(); ok {
		h.broadcast(code, protocol.NewSystem(protocol.RenameNotice(oldName, c.name)), nil)
		h.broadcastUserList(code)
	}

	c.log.Info("name change", zap.String("from", oldName), zap.String("to", c.name))
}

// setColor stores the color exactly as sent; clients own its format.
func (h *Hub) setColor(c *Client, color string) {
	c.color = color

	if code, ok := c.currentRoom(); ok {
		h.broadcastUserList(code)
	}
}

func (h *Hub) chat(c *Client, raw string) {
	code, ok := c.currentRoom()
	if !ok {
		h.reject(c, ErrNotInRoom)
		return
	}

	text, ok := protocol.CleanChat(raw)
	if !ok {
		return
	}

	h.broadcast(code, protocol.NewChat(c.Profile(), text, h.now().UnixMilli()), nil)

	h.metrics.ChatMessages.Inc()
	c.log.Info("chat",
		zap.String("room", code),
		zap.String("name", c.name),
		zap.String("text", protocol.Excerpt(text, chatLogExcerpt)))
}

func (h *Hub) leaveRoom(c *Client) {
	code, ok := h.departRoom(c, protocol.LeftNotice)
	if !ok {
		return
	}

	h.reply(c, protocol.NewRoomLeft())
	c.log.Info("client left room", zap.String("room", code))
}

// departRoom takes c out of its room, if any, and tells the remaining
// members with notice and a fresh presence list. An emptied room is
// deleted. It returns the room left.
func (h *Hub) departRoom(c *Client, notice func(name string) string) (string, bool) {
	code, ok := c.currentRoom()
	if !ok {
		return "", false
	}

	h.rooms.Remove(c, code)
	c.state = unjoined{}

	h.broadcast(code, protocol.NewSystem(notice(c.name)), nil)
	h.broadcastUserList(code)
	h.rooms.CleanupIfEmpty(code)

	h.updateGauges()
	return code, true
}

// reject answers c with the client-facing text for err.
func (h *Hub) reject(c *Client, err error) {
	var msg, reason string
	switch {
	case errors.Is(err, roomcode.ErrInvalidFormat):
		msg, reason = protocol.MsgInvalidRoomCode, "invalid_code"
	case errors.Is(err, room.ErrRoomNotFound):
		msg, reason = protocol.MsgRoomNotFound, "room_not_found"
	case errors.Is(err, room.ErrRoomFull):
		msg, reason = protocol.MsgRoomFull, "room_full"
	case errors.Is(err, ErrNotInRoom):
		msg, reason = protocol.MsgNotInRoom, "not_in_room"
	default:
		c.log.Error("unexpected command error", zap.Error(err))
		return
	}

	h.metrics.Rejections.WithLabelValues(reason).Inc()
	c.log.Debug("command rejected", zap.String("reason", reason))
	h.reply(c, protocol.NewError(msg))
}
