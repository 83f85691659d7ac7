package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/roommesh/internal/domain"
	"github.com/dkeye/roommesh/internal/presence"
	"github.com/dkeye/roommesh/internal/signal"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultWriteWait = 10 * time.Second
	defaultPongWait  = 60 * time.Second
	defaultReadLimit = 64 * 1024
)

var ErrJoinRejected = errors.New("relay rejected join")

type WSOptions struct {
	URL    string
	Room   domain.RoomID
	Self   domain.Participant
	Header http.Header

	WriteWait time.Duration
	PongWait  time.Duration
	ReadLimit int64
}

func (o *WSOptions) withDefaults() {
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
}

// WSRelay is a participant's connection to the relay server. It is both a
// Relay and the room's presence.Feed.
type WSRelay struct {
	opts   WSOptions
	conn   *websocket.Conn
	logger zerolog.Logger

	envs     chan *signal.Envelope
	events   chan presence.Event
	outgoing chan []byte
	done     chan struct{}
	once     sync.Once
	status   atomic.Int32
}

// DialWebSocket connects to the relay server and joins opts.Room. It returns
// once the server confirmed the subscription with the room roster.
func DialWebSocket(ctx context.Context, opts WSOptions) (*WSRelay, error) {
	opts.withDefaults()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(opts.ReadLimit)

	r := &WSRelay{
		opts: opts,
		conn: conn,
		logger: log.With().
			Str("module", "relay.ws").
			Str("room", string(opts.Room)).
			Str("participant", string(opts.Self.ID)).
			Logger(),
		envs:     make(chan *signal.Envelope, 64),
		outgoing: make(chan []byte, 64),
		done:     make(chan struct{}),
	}
	r.status.Store(int32(StatusConnecting))

	members, err := r.join(ctx)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	r.events = make(chan presence.Event, len(members)+64)
	for _, m := range members {
		if m.ID == opts.Self.ID {
			continue
		}
		r.events <- presence.Event{Type: presence.Joined, Participant: m}
	}

	r.status.Store(int32(StatusConnected))
	r.logger.Info().Int("members", len(members)).Msg("joined relay room")

	go r.writePump()
	go r.readPump()
	return r, nil
}

func (r *WSRelay) join(ctx context.Context) ([]domain.Participant, error) {
	self := r.opts.Self
	deadline := time.Now().Add(r.opts.PongWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = r.conn.SetWriteDeadline(deadline)
	if err := r.conn.WriteJSON(signal.Frame{Type: signal.FrameJoin, Room: r.opts.Room, Participant: &self}); err != nil {
		return nil, fmt.Errorf("send join: %w", err)
	}
	_ = r.conn.SetReadDeadline(deadline)
	for {
		var f signal.Frame
		if err := r.conn.ReadJSON(&f); err != nil {
			return nil, fmt.Errorf("await room state: %w", err)
		}
		switch f.Type {
		case signal.FrameRoomState:
			return f.Members, nil
		case signal.FrameError:
			return nil, fmt.Errorf("%w: %s", ErrJoinRejected, f.Error)
		default:
			r.logger.Debug().Str("type", f.Type).Msg("ignoring frame before room state")
		}
	}
}

func (r *WSRelay) Send(env *signal.Envelope) error {
	raw, err := signal.JSON.Marshal(env)
	if err != nil {
		return err
	}
	b, err := json.Marshal(signal.Frame{Type: signal.FrameSignal, Envelope: raw})
	if err != nil {
		return err
	}
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	select {
	case r.outgoing <- b:
		return nil
	case <-r.done:
		return ErrClosed
	default:
		return ErrBackpressure
	}
}

func (r *WSRelay) Envelopes() <-chan *signal.Envelope { return r.envs }
func (r *WSRelay) Events() <-chan presence.Event      { return r.events }
func (r *WSRelay) Done() <-chan struct{}              { return r.done }
func (r *WSRelay) Status() Status                     { return Status(r.status.Load()) }

func (r *WSRelay) Close() error {
	r.shutdown(StatusClosed)
	return nil
}

func (r *WSRelay) shutdown(s Status) {
	r.once.Do(func() {
		r.status.Store(int32(s))
		close(r.done)
		deadline := time.Now().Add(r.opts.WriteWait)
		_ = r.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = r.conn.Close()
		r.logger.Info().Str("status", s.String()).Msg("relay connection closed")
	})
}

func (r *WSRelay) writePump() {
	ticker := time.NewTicker((r.opts.PongWait * 9) / 10)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case b := <-r.outgoing:
			_ = r.conn.SetWriteDeadline(time.Now().Add(r.opts.WriteWait))
			if err := r.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				r.logger.Error().Err(err).Msg("writePump write error")
				r.shutdown(StatusDisconnected)
				return
			}
		case <-ticker.C:
			_ = r.conn.SetWriteDeadline(time.Now().Add(r.opts.WriteWait))
			if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				r.logger.Error().Err(err).Msg("writePump ping error")
				r.shutdown(StatusDisconnected)
				return
			}
		}
	}
}

func (r *WSRelay) readPump() {
	defer func() {
		r.shutdown(StatusDisconnected)
		close(r.envs)
		close(r.events)
	}()

	_ = r.conn.SetReadDeadline(time.Now().Add(r.opts.PongWait))
	r.conn.SetPongHandler(func(string) error {
		return r.conn.SetReadDeadline(time.Now().Add(r.opts.PongWait))
	})

	for {
		var f signal.Frame
		if err := r.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn().Err(err).Msg("readPump read error")
			}
			return
		}
		_ = r.conn.SetReadDeadline(time.Now().Add(r.opts.PongWait))
		if !r.dispatch(f) {
			return
		}
	}
}

// dispatch routes one server frame; it reports false once the relay is done.
func (r *WSRelay) dispatch(f signal.Frame) bool {
	switch f.Type {
	case signal.FrameSignal:
		env, err := signal.JSON.Unmarshal(f.Envelope)
		if err != nil {
			r.logger.Warn().Err(err).Msg("dropping undecodable envelope")
			return true
		}
		select {
		case r.envs <- env:
		case <-r.done:
			return false
		}
	case signal.FrameMemberJoined, signal.FrameMemberLeft:
		if f.Participant == nil || f.Participant.ID == r.opts.Self.ID {
			return true
		}
		ev := presence.Event{Type: presence.Joined, Participant: *f.Participant}
		if f.Type == signal.FrameMemberLeft {
			ev.Type = presence.Left
		}
		select {
		case r.events <- ev:
		case <-r.done:
			return false
		}
	case signal.FramePong, signal.FrameRoomState:
	case signal.FrameLeft:
		return false
	case signal.FrameError:
		r.logger.Warn().Str("error", f.Error).Msg("relay reported error")
	default:
		r.logger.Warn().Str("type", f.Type).Msg("unknown frame")
	}
	return true
}
