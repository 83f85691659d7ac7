package relay

import (
	"sync"

	"github.com/dkeye/roommesh/internal/domain"
	"github.com/dkeye/roommesh/internal/presence"
	"github.com/dkeye/roommesh/internal/signal"
	"github.com/rs/zerolog/log"
)

const memoryBuffer = 256

// MemoryHub is an in-process relay: every joined handle of a room receives
// what the others send. Envelopes go through the JSON codec so receivers
// never share memory with the sender. Full receivers drop, like the network.
type MemoryHub struct {
	mu    sync.Mutex
	rooms map[domain.RoomID]map[domain.ParticipantID]*MemoryRelay
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{rooms: make(map[domain.RoomID]map[domain.ParticipantID]*MemoryRelay)}
}

// MemoryRelay is one participant's handle on a MemoryHub room. It is both a
// Relay and a presence.Feed.
type MemoryRelay struct {
	hub  *MemoryHub
	room domain.RoomID
	self domain.Participant

	envs   chan *signal.Envelope
	events chan presence.Event
	done   chan struct{}
	closed bool
}

// Join subscribes self to room. The returned handle already holds Joined
// events for everyone present.
func (h *MemoryHub) Join(room domain.RoomID, self domain.Participant) *MemoryRelay {
	r := &MemoryRelay{
		hub:    h,
		room:   room,
		self:   self,
		envs:   make(chan *signal.Envelope, memoryBuffer),
		events: make(chan presence.Event, memoryBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.rooms[room][self.ID]; ok {
		old.shutdownLocked()
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[domain.ParticipantID]*MemoryRelay)
		h.rooms[room] = members
	}
	for _, m := range members {
		r.push(presence.Event{Type: presence.Joined, Participant: m.self})
		m.push(presence.Event{Type: presence.Joined, Participant: self})
	}
	members[self.ID] = r
	log.Debug().Str("module", "relay.memory").Str("room", string(room)).Str("participant", string(self.ID)).Int("members", len(members)).Msg("joined")
	return r
}

// Members returns the participants currently joined to room.
func (h *MemoryHub) Members(room domain.RoomID) []domain.Participant {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.Participant, 0, len(h.rooms[room]))
	for _, m := range h.rooms[room] {
		out = append(out, m.self)
	}
	return out
}

func (r *MemoryRelay) Send(env *signal.Envelope) error {
	b, err := signal.JSON.Marshal(env)
	if err != nil {
		return err
	}

	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	for id, m := range r.hub.rooms[r.room] {
		if id == r.self.ID {
			continue
		}
		out, err := signal.JSON.Unmarshal(b)
		if err != nil {
			return err
		}
		select {
		case m.envs <- out:
		default:
			log.Warn().Str("module", "relay.memory").Str("to", string(id)).Str("type", string(env.Type)).Msg("receiver full, dropped")
		}
	}
	return nil
}

func (r *MemoryRelay) Envelopes() <-chan *signal.Envelope { return r.envs }
func (r *MemoryRelay) Events() <-chan presence.Event      { return r.events }
func (r *MemoryRelay) Done() <-chan struct{}              { return r.done }

// Close leaves the room. Remaining members see a Left event.
func (r *MemoryRelay) Close() error {
	r.hub.mu.Lock()
	defer r.hub.mu.Unlock()
	r.shutdownLocked()
	return nil
}

// Drop simulates the transport going away under the participant.
func (r *MemoryRelay) Drop() { _ = r.Close() }

func (r *MemoryRelay) shutdownLocked() {
	if r.closed {
		return
	}
	r.closed = true
	members := r.hub.rooms[r.room]
	if members[r.self.ID] == r {
		delete(members, r.self.ID)
	}
	for _, m := range members {
		m.push(presence.Event{Type: presence.Left, Participant: r.self})
	}
	if len(members) == 0 {
		delete(r.hub.rooms, r.room)
	}
	close(r.done)
	close(r.envs)
	close(r.events)
}

// push must be called with the hub lock held.
func (r *MemoryRelay) push(ev presence.Event) {
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		log.Warn().Str("module", "relay.memory").Str("participant", string(r.self.ID)).Msg("presence buffer full, dropped")
	}
}
