package orch

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/roommesh/internal/app"
	"github.com/dkeye/roommesh/internal/core"
	"github.com/dkeye/roommesh/internal/domain"
	wire "github.com/dkeye/roommesh/internal/signal"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownSession = errors.New("unknown session")
	ErrNotInRoom      = errors.New("not in a room")
)

type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomFactory
	Policy   app.Policy
}

// Join puts sid into room as p. A previous room of sid is left first, and an
// older session of the same participant in the target room is evicted.
func (o *Orchestrator) Join(sid core.SessionID, roomID domain.RoomID, p *domain.Participant) (core.RoomService, error) {
	if prev, _, ok := o.Registry.RoomOf(sid); ok {
		o.Leave(sid)
		log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("from_room", string(prev)).Msg("left previous room")
	}
	session, ok := o.Registry.ReplaceMember(sid, domain.NewMember(p))
	if !ok {
		return nil, ErrUnknownSession
	}

	room := o.Rooms.GetOrCreate(roomID)
	if old, ok := room.SessionOf(p.ID); ok && old != sid {
		log.Warn().Str("module", "app.orch").Str("sid", string(old)).Str("participant", string(p.ID)).Msg("evicting stale session of participant")
		o.KickBySID(old)
		room = o.Rooms.GetOrCreate(roomID)
	}

	room.AddMember(sid, session)
	o.Registry.UpdateRoom(sid, roomID)
	o.broadcast(room, sid, wire.Frame{Type: wire.FrameMemberJoined, Room: roomID, Participant: p})
	log.Info().Str("module", "app.orch").Str("sid", string(sid)).Str("room", string(roomID)).Msg("added to room")
	return room, nil
}

// Leave removes sid from its room and tells the remaining members. The
// signaling connection stays open.
func (o *Orchestrator) Leave(sid core.SessionID) bool {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return false
	}
	o.Registry.RemoveRoom(sid)
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return true
	}
	ms, ok := room.RemoveMember(sid)
	if ok {
		o.broadcast(room, sid, wire.Frame{Type: wire.FrameMemberLeft, Room: roomID, Participant: ms.Meta().Participant})
	}
	if room.MemberCount() == 0 {
		o.Rooms.StopRoom(roomID)
		log.Info().Str("module", "app.orch").Str("room", string(roomID)).Msg("room emptied")
	}
	return true
}

// Publish forwards a signal frame from sid to the rest of its room.
func (o *Orchestrator) Publish(sid core.SessionID, data core.Frame) error {
	roomID, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return ErrNotInRoom
	}
	room, ok := o.Rooms.Get(roomID)
	if !ok {
		return ErrNotInRoom
	}

	res := room.Broadcast(sid, data)
	o.applyPolicy(room, res)
	return nil
}

func (o *Orchestrator) applyPolicy(room core.RoomService, res core.PublishResult) {
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		session, ok := o.Registry.GetSession(slow)
		if !ok {
			continue
		}
		switch o.Policy.OnBackPressure(room, session) {
		case app.KickMember:
			log.Warn().Str("module", "app.orch").Str("sid", string(slow)).Msg("kicking slow member")
			o.KickBySID(slow)
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}

// KickBySID removes sid from its room and cancels its connection.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	o.Leave(sid)
	o.Registry.Cancel(sid)
}

// EvictRoom disconnects every member of id and drops the room.
func (o *Orchestrator) EvictRoom(id domain.RoomID) {
	for _, snap := range o.Registry.MembersOfRoom(id) {
		o.KickBySID(snap.SID)
	}
	o.Rooms.StopRoom(id)
}

// Shutdown evicts every room so clients see their relay close before the
// listener goes away.
func (o *Orchestrator) Shutdown() {
	for _, info := range o.Rooms.List() {
		o.EvictRoom(info.ID)
	}
	log.Info().Str("module", "app.orch").Msg("all rooms evicted")
}

func (o *Orchestrator) broadcast(room core.RoomService, from core.SessionID, f wire.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		log.Error().Err(err).Str("module", "app.orch").Msg("marshal presence frame")
		return
	}
	o.applyPolicy(room, room.Broadcast(from, b))
}
