// Package protocol defines the JSON messages exchanged between the relay and
// its clients, and the input clean-up rules applied to user supplied text.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/Tyrowin/overlay-chat-server/internal/room"
)

// Client to server command types.
const (
	TypeCreateRoom = "createRoom"
	TypeJoinRoom   = "joinRoom"
	TypeSetName    = "setName"
	TypeSetColor   = "setColor"
	TypeChat       = "chat"
	TypeLeaveRoom  = "leaveRoom"
)

// Server to client event types. TypeChat is shared by both directions.
const (
	TypeRoomCreated = "roomCreated"
	TypeRoomJoined  = "roomJoined"
	TypeRoomLeft    = "roomLeft"
	TypeSystem      = "system"
	TypeUserList    = "userList"
	TypeError       = "error"
)

const (
	// DefaultName is shown for members that have not set a name.
	DefaultName = "Anonymous"
	// DefaultColor is the color a new connection starts with.
	DefaultColor = "#00ff88"
	// MaxNameLength caps display names, counted in characters.
	MaxNameLength = 20
	// MaxChatLength caps chat text, counted in characters.
	MaxChatLength = 500
)

// ErrMalformed is returned by Decode for frames that are not a command
// object or lack a field their type requires.
var ErrMalformed = errors.New("protocol: malformed frame")

// Command is a decoded client frame. Optional fields are pointers so that a
// missing field can be told apart from an empty one.
type Command struct {
	Type     string  `json:"type"`
	RoomCode *string `json:"roomCode,omitempty"`
	Name     *string `json:"name,omitempty"`
	Color    *string `json:"color,omitempty"`
	Text     *string `json:"text,omitempty"`
}

// Decode parses a client frame and checks that the fields its type needs are
// present. Unknown types decode without error; the caller decides what to
// do with them.
func Decode(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	var missing string
	switch cmd.Type {
	case TypeJoinRoom:
		if cmd.RoomCode == nil {
			missing = "roomCode"
		}
	case TypeSetName:
		if cmd.Name == nil {
			missing = "name"
		}
	case TypeSetColor:
		if cmd.Color == nil {
			missing = "color"
		}
	case TypeChat:
		if cmd.Text == nil {
			missing = "text"
		}
	}
	if missing != "" {
		return Command{}, fmt.Errorf("%w: %s requires %q", ErrMalformed, cmd.Type, missing)
	}
	return cmd, nil
}

// RoomCreated confirms a new room to its creator.
type RoomCreated struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode"`
	Message  string `json:"message"`
}

// RoomJoined confirms a successful join.
type RoomJoined struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode"`
	Message  string `json:"message"`
}

// RoomLeft confirms a voluntary leave.
type RoomLeft struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Chat is a relayed chat line. Timestamp is in epoch milliseconds, assigned
// by the server when the line is received.
type Chat struct {
	Type      string `json:"type"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// System is an informational notice generated by the server.
type System struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// UserList is the presence list of a room.
type UserList struct {
	Type     string         `json:"type"`
	Users    []room.Profile `json:"users"`
	RoomCode string         `json:"roomCode"`
}

// Error reports a rejected command to the connection that sent it.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewRoomCreated confirms a new room to its creator.
func NewRoomCreated(code string) RoomCreated {
	return RoomCreated{
		Type:     TypeRoomCreated,
		RoomCode: code,
		Message:  fmt.Sprintf("Room %s created! Share this code with friends.", code),
	}
}

// NewRoomJoined confirms a successful join to the joiner.
func NewRoomJoined(code string) RoomJoined {
	return RoomJoined{
		Type:     TypeRoomJoined,
		RoomCode: code,
		Message:  fmt.Sprintf("Joined room %s!", code),
	}
}

// NewRoomLeft confirms an explicit leave.
func NewRoomLeft() RoomLeft {
	return RoomLeft{Type: TypeRoomLeft, Message: "You left the room."}
}

// NewChat builds a chat line stamped with the sender's profile and a
// millisecond Unix timestamp.
func NewChat(p room.Profile, text string, timestamp int64) Chat {
	return Chat{
		Type:      TypeChat,
		Name:      p.Name,
		Color:     p.Color,
		Text:      text,
		Timestamp: timestamp,
	}
}

// NewSystem builds a room notice.
func NewSystem(message string) System {
	return System{Type: TypeSystem, Message: message}
}

// NewUserList builds a presence list. A nil users slice is encoded as an
// empty array.
func NewUserList(code string, users []room.Profile) UserList {
	if users == nil {
		users = []room.Profile{}
	}
	return UserList{Type: TypeUserList, Users: users, RoomCode: code}
}

// NewError builds an error reply for the requesting client.
func NewError(message string) Error {
	return Error{Type: TypeError, Message: message}
}

// Client facing texts.
const (
	MsgInvalidRoomCode = "Invalid room code format. Must be 6 characters."
	MsgRoomNotFound    = "Room not found. Check the code or create a new room."
	MsgNotInRoom       = "You must join a room first!"
	MsgServerShutdown  = "Server is shutting down!"
)

// MsgRoomFull is sent when a join hits the member cap.
var MsgRoomFull = fmt.Sprintf("Room is full! Maximum %d users per room.", room.MaxMembers)

// JoinedNotice announces a member joining the room.
func JoinedNotice(name string) string { return name + " joined the room!" }

// LeftNotice announces a member leaving the room.
func LeftNotice(name string) string { return name + " left the room." }

// DisconnectedNotice announces a member whose connection closed.
func DisconnectedNotice(name string) string { return name + " disconnected." }

// RenameNotice announces a name change. A member leaving the default name
// is greeted instead of being reported as renamed.
func RenameNotice(oldName, newName string) string {
	if oldName == DefaultName {
		return newName + " joined the chat!"
	}
	return oldName + " is now known as " + newName
}

// CleanName truncates raw to MaxNameLength characters, then trims it.
// An empty result falls back to DefaultName.
func CleanName(raw string) string {
	name := strings.TrimSpace(truncate(raw, MaxNameLength))
	if name == "" {
		return DefaultName
	}
	return name
}

// CleanChat truncates raw to MaxChatLength characters, then trims it. It
// reports false when nothing is left to send.
func CleanChat(raw string) (string, bool) {
	text := strings.TrimSpace(truncate(raw, MaxChatLength))
	return text, text != ""
}

// Excerpt shortens s to n characters for log lines, marking the cut.
func Excerpt(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return truncate(s, n) + "..."
}

// truncate keeps the first n characters of s. Characters are counted as
// runes, so a multi-byte character at the boundary is kept whole or
// dropped whole, never split.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
