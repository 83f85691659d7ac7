// Package presence describes the roster feed a room session consumes:
// who is currently in the room, as join and leave events.
package presence

import "github.com/dkeye/roommesh/internal/domain"

type EventType int

const (
	Joined EventType = iota
	Left
)

func (t EventType) String() string {
	switch t {
	case Joined:
		return "joined"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

type Event struct {
	Type        EventType
	Participant domain.Participant
}

// Feed emits roster changes for one room. The channel is closed when the
// feed ends.
type Feed interface {
	Events() <-chan Event
}
