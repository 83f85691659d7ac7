package signal

import (
	"encoding/json"

	"github.com/dkeye/roommesh/internal/domain"
)

// Frame types spoken between a participant and the WebSocket relay server.
const (
	FrameJoin   = "join"
	FrameLeave  = "leave"
	FramePing   = "ping"
	FrameSignal = "signal"

	FramePong         = "pong"
	FrameRoomState    = "room_state"
	FrameMemberJoined = "member_joined"
	FrameMemberLeft   = "member_left"
	FrameLeft         = "left"
	FrameError        = "error"
)

// Frame is the relay server's outer message. Signal frames carry an encoded
// Envelope that the server forwards without interpreting it.
type Frame struct {
	Type        string               `json:"type"`
	Room        domain.RoomID        `json:"room,omitempty"`
	Participant *domain.Participant  `json:"participant,omitempty"`
	Members     []domain.Participant `json:"members,omitempty"`
	Envelope    json.RawMessage      `json:"envelope,omitempty"`
	Error       string               `json:"error,omitempty"`
}
