package server

import "strings"

// roomState is a connection's room membership: either unjoined or inRoom.
// It must always agree with the registry.
type roomState interface {
	isRoomState()
}

type unjoined struct{}

type inRoom struct {
	code string
}

func (unjoined) isRoomState() {}
func (inRoom) isRoomState()   {}

// inboundFrame is a raw frame read from a client, queued for the hub.
type inboundFrame struct {
	client *Client
	data   []byte
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Rooms       int `json:"rooms"`
	Users       int `json:"users"`
	Connections int `json:"connections"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
