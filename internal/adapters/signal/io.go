package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/roommesh/internal/core"
	"github.com/dkeye/roommesh/internal/domain"
	wire "github.com/dkeye/roommesh/internal/signal"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker((ctl.opts.PongWait * 9) / 10)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, sid core.SessionID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")
		if sess, ok := ctl.Orch.Registry.GetSession(sid); ok && sess.Meta().Participant != nil {
			ctl.Limiter.Forget(sess.Meta().Participant.ID)
		}
		ctl.Orch.Leave(sid)
		ctl.Orch.Registry.Unbind(sid)
		cancel()
		c.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
	})

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(ctl.opts.PongWait))
			ctl.handleFrame(sid, c, data)
		}
	}
}

func (ctl *SignalWSController) handleFrame(sid core.SessionID, c *WsSignalConn, data []byte) {
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json")
		ctl.sendError(c, "bad_payload")
		return
	}

	switch f.Type {
	case wire.FrameJoin:
		ctl.handleJoin(sid, c, f)
	case wire.FrameLeave:
		ctl.handleLeave(sid, c)
	case wire.FramePing:
		ctl.sendJSON(c, wire.Frame{Type: wire.FramePong})
	case wire.FrameSignal:
		ctl.handleSignal(sid, c, f, data)
	default:
		log.Warn().Str("module", "signal").Str("type", f.Type).Msg("unknown frame")
	}
}

func (ctl *SignalWSController) handleJoin(sid core.SessionID, c *WsSignalConn, f wire.Frame) {
	if f.Room == "" || f.Participant == nil {
		ctl.sendError(c, "bad_payload")
		return
	}
	p := *f.Participant
	if p.ID == "" {
		ctl.sendError(c, domain.ErrParticipantIDEmpty.Error())
		return
	}
	if len(p.ID) > domain.MaxParticipantIDLen {
		ctl.sendError(c, "participant id too long")
		return
	}
	if err := domain.ValidateDisplayName(p.DisplayName); err != nil {
		ctl.sendError(c, err.Error())
		return
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now().UTC()
	}

	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", string(f.Room)).Str("participant", string(p.ID)).Msg("join")
	room, err := ctl.Orch.Join(sid, f.Room, &p)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join failed")
		ctl.sendError(c, err.Error())
		return
	}
	ctl.sendJSON(c, wire.Frame{
		Type:    wire.FrameRoomState,
		Room:    room.Room().ID,
		Members: room.MembersSnapshot(),
	})
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID, c *WsSignalConn) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.Orch.Leave(sid)
	ctl.sendJSON(c, wire.Frame{Type: wire.FrameLeft})
}

func (ctl *SignalWSController) handleSignal(sid core.SessionID, c *WsSignalConn, f wire.Frame, data []byte) {
	_, sess, ok := ctl.Orch.Registry.RoomOf(sid)
	if !ok {
		ctl.sendError(c, "not_in_room")
		return
	}
	self := sess.Meta().Participant.ID
	if !ctl.Limiter.Allow(self) {
		log.Warn().Str("module", "signal").Str("participant", string(self)).Msg("rate limited")
		return
	}
	env, err := wire.JSON.Unmarshal(f.Envelope)
	if err == nil {
		err = env.Validate()
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("dropping invalid envelope")
		return
	}
	if env.From != self {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("from", string(env.From)).Msg("envelope sender mismatch")
		return
	}
	if err := ctl.Orch.Publish(sid, data); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("publish")
	}
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, msg string) {
	ctl.sendJSON(c, wire.Frame{Type: wire.FrameError, Error: msg})
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.TrySend(b)
}
