// Package room runs one participant's presence in a study room: the mesh of
// peer links, the microphone, speaking detection and the room radio.
//
// Every piece of session state is owned by a single loop goroutine. Relay
// envelopes, presence events, peer callbacks and user actions are all
// serialized through it.
package room

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/roommesh/internal/audio"
	"github.com/dkeye/roommesh/internal/domain"
	"github.com/dkeye/roommesh/internal/media"
	"github.com/dkeye/roommesh/internal/mic"
	"github.com/dkeye/roommesh/internal/peer"
	"github.com/dkeye/roommesh/internal/presence"
	"github.com/dkeye/roommesh/internal/relay"
	"github.com/dkeye/roommesh/internal/signal"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrLeft    = errors.New("session left")
	ErrMicBusy = errors.New("microphone toggle in progress")
)

type Connectivity int32

const (
	Connected Connectivity = iota
	// Disconnected means the relay dropped. Established links keep running
	// but no new signaling gets through.
	Disconnected
	Left
)

func (c Connectivity) String() string {
	switch c {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Left:
		return "left"
	default:
		return "unknown"
	}
}

const actionBuffer = 64

type Options struct {
	Self  domain.Participant
	Relay relay.Relay
	// Presence is the roster feed. When nil and Relay implements
	// presence.Feed, the relay is used.
	Presence presence.Feed
	Factory  peer.Factory
	Capturer mic.Capturer

	Detector      audio.DetectorOptions
	SyncOnJoin    bool
	CandidateHold time.Duration
	// Levels, when set, receives the local meter so outgoing RTP can be
	// stamped with audio levels.
	Levels *audio.LevelSource

	// OnSpeaking is called from detector goroutines. It must not block.
	OnSpeaking func(id domain.ParticipantID, speaking bool)
	// OnMedia is called on the session loop when a remote participant
	// changes the room radio. It must not call back into the session.
	OnMedia func(media.State)
}

type Session struct {
	self   domain.Participant
	opts   Options
	relay  relay.Relay
	feed   presence.Feed
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	actions chan func()
	done    chan struct{}
	conn    atomic.Int32

	// loop-owned
	peers   *peer.Manager
	media   *media.Coordinator
	monitor *audio.Monitor
	roster  map[domain.ParticipantID]domain.Participant
	pumps   map[domain.ParticipantID]context.CancelFunc
	capture mic.Capture
	opening bool
	left    bool
	// settled is set once the initial roster is drained; later joins are
	// newcomers owed the current media.
	settled bool

	spillMu  sync.Mutex
	spill    []func()
	draining bool

	leaveOnce sync.Once
}

// Join enters the room: it announces the local participant over the relay,
// offers to everyone already on the roster and starts the session loop.
func Join(ctx context.Context, opts Options) (*Session, error) {
	if opts.Self.ID == "" {
		return nil, domain.ErrParticipantIDEmpty
	}
	if opts.Relay == nil {
		return nil, errors.New("room: relay required")
	}
	if opts.Factory == nil {
		return nil, errors.New("room: peer factory required")
	}
	feed := opts.Presence
	if feed == nil {
		feed, _ = opts.Relay.(presence.Feed)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		self:    opts.Self,
		opts:    opts,
		relay:   opts.Relay,
		feed:    feed,
		logger:  log.With().Str("module", "room").Str("self", string(opts.Self.ID)).Logger(),
		ctx:     sctx,
		cancel:  cancel,
		actions: make(chan func(), actionBuffer),
		done:    make(chan struct{}),
		roster:  map[domain.ParticipantID]domain.Participant{opts.Self.ID: opts.Self},
		pumps:   make(map[domain.ParticipantID]context.CancelFunc),
	}
	s.peers = peer.NewManager(peer.Options{
		Self:          opts.Self.ID,
		Factory:       opts.Factory,
		Send:          s.send,
		Post:          s.post,
		OnRemoteAudio: s.remoteAudio,
		OnLinkClosed:  s.linkClosed,
		CandidateHold: opts.CandidateHold,
	})
	s.media = media.NewCoordinator(opts.Self.ID, opts.Self.DisplayName, opts.SyncOnJoin, s.send)
	s.monitor = audio.NewMonitor(sctx, opts.Detector, opts.OnSpeaking)

	s.send(signal.JoinAnnounce(opts.Self))
	s.drainRoster()
	s.settled = true
	s.logger.Info().Int("roster", len(s.roster)).Msg("joined room")

	go s.loop()
	return s, nil
}

// drainRoster takes the presence events that are already queued, which is
// the roster as of the relay subscription, and offers to each of them.
func (s *Session) drainRoster() {
	if s.feed == nil {
		return
	}
	for {
		select {
		case ev, ok := <-s.feed.Events():
			if !ok {
				return
			}
			s.handlePresence(ev)
		default:
			return
		}
	}
}

func (s *Session) loop() {
	defer close(s.done)

	envs := s.relay.Envelopes()
	relayDone := s.relay.Done()
	var events <-chan presence.Event
	if s.feed != nil {
		events = s.feed.Events()
	}

	for {
		select {
		case fn := <-s.actions:
			fn()
			if s.left {
				return
			}
		case env, ok := <-envs:
			if !ok {
				envs = nil
				s.disconnected()
				continue
			}
			s.handleEnvelope(env)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handlePresence(ev)
		case <-relayDone:
			relayDone = nil
			s.disconnected()
		}
	}
}

// post queues fn for the loop without blocking the caller. When the action
// queue is full, fn goes to an unbounded spill list that a single drainer
// feeds back in order; while it drains, later posts queue behind it.
func (s *Session) post(fn func()) {
	select {
	case <-s.done:
		return
	default:
	}
	s.spillMu.Lock()
	defer s.spillMu.Unlock()
	if !s.draining {
		select {
		case s.actions <- fn:
			return
		default:
		}
		s.draining = true
		go s.drainSpill()
	}
	s.spill = append(s.spill, fn)
}

func (s *Session) drainSpill() {
	for {
		s.spillMu.Lock()
		if len(s.spill) == 0 {
			s.draining = false
			s.spillMu.Unlock()
			return
		}
		fn := s.spill[0]
		s.spill = s.spill[1:]
		s.spillMu.Unlock()

		select {
		case s.actions <- fn:
		case <-s.done:
			s.spillMu.Lock()
			s.spill = nil
			s.draining = false
			s.spillMu.Unlock()
			return
		}
	}
}

// do runs fn on the loop and waits for it. Once the loop has exited the
// state is frozen and fn runs on the caller.
func (s *Session) do(fn func()) {
	ran := make(chan struct{})
	select {
	case s.actions <- func() { fn(); close(ran) }:
	case <-s.done:
		fn()
		return
	}
	select {
	case <-ran:
	case <-s.done:
		select {
		case <-ran:
		default:
			fn()
		}
	}
}

func (s *Session) send(env *signal.Envelope) {
	if err := s.relay.Send(env); err != nil {
		s.logger.Warn().Err(err).Str("type", string(env.Type)).Msg("relay send failed")
	}
}

func (s *Session) disconnected() {
	if s.left {
		return
	}
	if s.conn.CompareAndSwap(int32(Connected), int32(Disconnected)) {
		s.logger.Warn().Msg("relay disconnected")
	}
}

func (s *Session) handleEnvelope(env *signal.Envelope) {
	if env == nil || !env.For(s.self.ID) {
		return
	}
	if err := env.Validate(); err != nil {
		s.logger.Debug().Err(err).Msg("invalid envelope dropped")
		return
	}
	switch env.Type {
	case signal.TypeJoinAnnounce:
		p := domain.Participant{ID: env.From, DisplayName: env.Name}
		if env.JoinedAt != nil {
			p.JoinedAt = *env.JoinedAt
		}
		s.admit(p)
	case signal.TypeOffer:
		s.peers.HandleOffer(env)
	case signal.TypeAnswer:
		s.peers.HandleAnswer(env)
	case signal.TypeICECandidate:
		s.peers.HandleCandidate(env)
	case signal.TypeMediaUpdate:
		if s.media.HandleUpdate(env) {
			s.mediaChanged()
		}
	case signal.TypeMediaSyncReply:
		if s.media.HandleSyncReply(env) {
			s.mediaChanged()
		}
	}
}

func (s *Session) handlePresence(ev presence.Event) {
	p := ev.Participant
	if p.ID == "" || p.ID == s.self.ID {
		return
	}
	switch ev.Type {
	case presence.Joined:
		s.admit(p)
	case presence.Left:
		delete(s.roster, p.ID)
		s.peers.Remove(p.ID)
		s.stopRemote(p.ID)
		s.logger.Info().Str("participant", string(p.ID)).Msg("participant left")
	}
}

// admit records p on the roster and makes sure a link to it exists. A join
// may be seen twice, once from presence and once from its announce; only the
// first after the initial roster gets the current media.
func (s *Session) admit(p domain.Participant) {
	prev, known := s.roster[p.ID]
	if known {
		if p.JoinedAt.IsZero() {
			p.JoinedAt = prev.JoinedAt
		}
		if p.Subject == "" {
			p.Subject = prev.Subject
		}
	}
	s.roster[p.ID] = p
	s.peers.Ensure(p.ID)
	if known || !s.settled {
		return
	}
	if s.media.HandleJoin(p.ID) {
		s.logger.Debug().Str("to", string(p.ID)).Msg("sent media sync")
	}
}

func (s *Session) mediaChanged() {
	if s.opts.OnMedia != nil {
		s.opts.OnMedia(s.media.State())
	}
}

func (s *Session) remoteAudio(remote domain.ParticipantID, t peer.RemoteTrack) {
	s.stopRemote(remote)
	meter := audio.NewLevelMeter(t.AudioLevelExt)
	s.monitor.Track(remote, meter)
	if t.Reader == nil {
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.pumps[remote] = cancel
	logger := s.logger.With().Str("remote", string(remote)).Logger()
	go audio.Pump(ctx, t.Reader, meter, &logger)
}

func (s *Session) linkClosed(remote domain.ParticipantID) {
	s.stopRemote(remote)
}

func (s *Session) stopRemote(remote domain.ParticipantID) {
	if cancel, ok := s.pumps[remote]; ok {
		cancel()
		delete(s.pumps, remote)
	}
	s.monitor.Untrack(remote)
}

// ToggleMicrophone turns the microphone on when it is off and off when it
// is on. It reports the resulting state. Opening the device happens off the
// loop; a capture that completes after Leave is released at once.
func (s *Session) ToggleMicrophone(ctx context.Context) (bool, error) {
	var (
		turnOn bool
		err    error
	)
	s.do(func() {
		switch {
		case s.left:
			err = ErrLeft
		case s.opening:
			err = ErrMicBusy
		case s.capture != nil:
			s.micOff()
		case s.opts.Capturer == nil:
			err = mic.ErrUnsupported
		default:
			s.opening = true
			turnOn = true
		}
	})
	if err != nil || !turnOn {
		return false, err
	}

	c, openErr := s.opts.Capturer.Open(ctx)
	s.do(func() {
		s.opening = false
		if openErr != nil {
			err = openErr
			s.logger.Warn().Err(openErr).Msg("microphone unavailable")
			return
		}
		if s.left {
			_ = c.Close()
			err = ErrLeft
			return
		}
		s.micOn(c)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Session) micOn(c mic.Capture) {
	s.capture = c
	s.peers.SetLocalAudio(c.Track())
	s.monitor.Track(s.self.ID, c.Meter())
	if s.opts.Levels != nil {
		s.opts.Levels.Set(c.Meter())
	}
	s.logger.Info().Msg("microphone on")
}

func (s *Session) micOff() {
	if s.capture == nil {
		return
	}
	s.peers.SetLocalAudio(nil)
	s.monitor.Untrack(s.self.ID)
	if s.opts.Levels != nil {
		s.opts.Levels.Set(nil)
	}
	if err := s.capture.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("close microphone")
	}
	s.capture = nil
	s.logger.Info().Msg("microphone off")
}

// SelectMedia sets the room radio source. With sync enabled it is broadcast
// to the room.
func (s *Session) SelectMedia(raw string) (media.Source, error) {
	var (
		src media.Source
		err error
	)
	s.do(func() {
		if s.left {
			err = ErrLeft
			return
		}
		src, err = s.media.Select(raw)
	})
	return src, err
}

// ToggleSync flips whether the room radio follows the room. It returns the
// new setting.
func (s *Session) ToggleSync() bool {
	var on bool
	s.do(func() { on = s.media.ToggleSync() })
	return on
}

func (s *Session) Media() media.State {
	var st media.State
	s.do(func() { st = s.media.State() })
	return st
}

func (s *Session) MicrophoneOn() bool {
	var on bool
	s.do(func() { on = s.capture != nil })
	return on
}

func (s *Session) Links() []peer.Health {
	var h []peer.Health
	s.do(func() { h = s.peers.Health() })
	return h
}

func (s *Session) Link(remote domain.ParticipantID) (peer.Health, bool) {
	var (
		h  peer.Health
		ok bool
	)
	s.do(func() { h, ok = s.peers.Link(remote) })
	return h, ok
}

// Roster lists the participants known to be in the room, self included,
// ordered by join time.
func (s *Session) Roster() []domain.Participant {
	var out []domain.Participant
	s.do(func() { out = s.rosterSorted() })
	return out
}

func (s *Session) rosterSorted() []domain.Participant {
	out := make([]domain.Participant, 0, len(s.roster))
	for _, p := range s.roster {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Session) Speaking() []domain.ParticipantID { return s.monitor.Speaking() }

func (s *Session) IsSpeaking(id domain.ParticipantID) bool { return s.monitor.IsSpeaking(id) }

func (s *Session) Connectivity() Connectivity { return Connectivity(s.conn.Load()) }

func (s *Session) Self() domain.Participant { return s.self }

// Done is closed once the session has left the room.
func (s *Session) Done() <-chan struct{} { return s.done }

// Leave tears down every peer link, releases the microphone and closes the
// relay. It is safe to call more than once.
func (s *Session) Leave() {
	s.leaveOnce.Do(func() {
		s.do(s.shutdown)
		<-s.done
	})
}

func (s *Session) shutdown() {
	if s.left {
		return
	}
	s.left = true
	s.conn.Store(int32(Left))
	s.micOff()
	s.peers.CloseAll()
	for id, cancel := range s.pumps {
		cancel()
		delete(s.pumps, id)
	}
	s.monitor.StopAll()
	if err := s.relay.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("close relay")
	}
	s.cancel()
	s.logger.Info().Msg("left room")
}
