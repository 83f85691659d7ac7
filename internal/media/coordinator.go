package media

import (
	"github.com/dkeye/roommesh/internal/domain"
	"github.com/dkeye/roommesh/internal/signal"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the local view of what the room is playing.
type State struct {
	URL          string
	Kind         string
	AttributedTo string
	SyncEnabled  bool
}

// Coordinator owns the local State. Like the peer manager it runs on the
// room loop and is not safe for concurrent use.
type Coordinator struct {
	self   domain.ParticipantID
	name   string
	send   func(*signal.Envelope)
	state  State
	logger zerolog.Logger
}

func NewCoordinator(self domain.ParticipantID, displayName string, syncOnJoin bool, send func(*signal.Envelope)) *Coordinator {
	return &Coordinator{
		self:   self,
		name:   displayName,
		send:   send,
		state:  State{SyncEnabled: syncOnJoin},
		logger: log.With().Str("module", "media").Str("self", string(self)).Logger(),
	}
}

func (c *Coordinator) State() State { return c.state }

// Select validates raw and makes it the local media, broadcasting it when
// sync is on. On error the state is unchanged.
func (c *Coordinator) Select(raw string) (Source, error) {
	src, err := ParseSource(raw)
	if err != nil {
		return Source{}, err
	}
	c.state.URL = src.URL
	c.state.Kind = src.Kind
	c.state.AttributedTo = c.name
	if c.state.SyncEnabled {
		c.send(signal.MediaUpdate(c.self, c.media()))
	}
	c.logger.Info().Str("url", src.URL).Bool("sync", c.state.SyncEnabled).Msg("media selected")
	return src, nil
}

// HandleUpdate applies a remote MediaUpdate; the newest one wins.
func (c *Coordinator) HandleUpdate(env *signal.Envelope) bool {
	return c.apply(env, "update")
}

// HandleSyncReply applies the current media a room member replied with.
func (c *Coordinator) HandleSyncReply(env *signal.Envelope) bool {
	return c.apply(env, "sync-reply")
}

func (c *Coordinator) apply(env *signal.Envelope, what string) bool {
	if !c.state.SyncEnabled || env.Media == nil {
		c.logger.Debug().Str("from", string(env.From)).Str("kind", what).Msg("ignoring media, sync off")
		return false
	}
	src, err := ParseSource(env.Media.URL)
	if err != nil || env.Media.Kind != KindEmbeddableVideo {
		c.logger.Debug().Err(err).Str("from", string(env.From)).Str("kind", what).Msg("dropping unplayable media")
		return false
	}
	c.state.URL = src.URL
	c.state.Kind = src.Kind
	c.state.AttributedTo = env.Media.By
	c.logger.Info().Str("from", string(env.From)).Str("url", env.Media.URL).Str("kind", what).Msg("media synced")
	return true
}

// HandleJoin replies to a newcomer with the current media so it converges
// without any stored room state.
func (c *Coordinator) HandleJoin(from domain.ParticipantID) bool {
	if !c.state.SyncEnabled || c.state.URL == "" {
		return false
	}
	reply := signal.MediaSyncReply(c.self, c.media())
	reply.To = from
	c.send(reply)
	return true
}

// ToggleSync flips sync and returns the new value. The media shown stays.
func (c *Coordinator) ToggleSync() bool {
	c.state.SyncEnabled = !c.state.SyncEnabled
	c.logger.Info().Bool("sync", c.state.SyncEnabled).Msg("sync toggled")
	return c.state.SyncEnabled
}

func (c *Coordinator) media() signal.Media {
	return signal.Media{URL: c.state.URL, Kind: c.state.Kind, By: c.state.AttributedTo}
}
