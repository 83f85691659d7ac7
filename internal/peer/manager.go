package peer

import (
	"sort"
	"time"

	"github.com/dkeye/roommesh/internal/domain"
	"github.com/dkeye/roommesh/internal/signal"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultCandidateHold = 10 * time.Second
	maxHeldPerRemote     = 64
)

type Options struct {
	Self    domain.ParticipantID
	Factory Factory
	// Send hands an envelope to the relay. It must not block.
	Send func(*signal.Envelope)
	// Post schedules fn on the goroutine that owns the manager.
	Post func(fn func())

	OnRemoteAudio func(remote domain.ParticipantID, t RemoteTrack)
	OnLinkClosed  func(remote domain.ParticipantID)

	CandidateHold time.Duration
	Now           func() time.Time
	NewLinkID     func() string
}

type heldCandidate struct {
	link string
	c    webrtc.ICECandidateInit
	at   time.Time
}

// Manager keeps at most one Link per remote participant. It is not safe for
// concurrent use: every method runs on the owner's loop, and Conn callbacks
// are brought back there through Options.Post.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	links map[domain.ParticipantID]*Link
	held  map[domain.ParticipantID][]heldCandidate
	track webrtc.TrackLocal
}

func NewManager(opts Options) *Manager {
	if opts.CandidateHold <= 0 {
		opts.CandidateHold = defaultCandidateHold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewLinkID == nil {
		opts.NewLinkID = uuid.NewString
	}
	if opts.Post == nil {
		opts.Post = func(fn func()) { fn() }
	}
	return &Manager{
		opts:   opts,
		logger: log.With().Str("module", "peer").Str("self", string(opts.Self)).Logger(),
		links:  make(map[domain.ParticipantID]*Link),
		held:   make(map[domain.ParticipantID][]heldCandidate),
	}
}

// Connect opens a fresh link to remote and sends it an offer. An existing
// link to remote is closed and replaced first.
func (m *Manager) Connect(remote domain.ParticipantID) {
	if remote == m.opts.Self || remote == "" {
		return
	}
	l, err := m.replace(remote, m.opts.NewLinkID())
	if err != nil {
		m.logger.Error().Err(err).Str("remote", string(remote)).Msg("open link")
		return
	}
	m.offer(l)
}

// Ensure connects to remote unless a link to it is already open or being
// negotiated.
func (m *Manager) Ensure(remote domain.ParticipantID) {
	if l, ok := m.links[remote]; ok && l.State != Closed {
		return
	}
	m.Connect(remote)
}

// HandleOffer answers an offer from env.From, resolving glare by id order:
// the smaller id yields.
func (m *Manager) HandleOffer(env *signal.Envelope) {
	remote := env.From
	l := m.links[remote]

	if l != nil && l.ID == env.Link && l.State != Closed {
		if l.State == Offering || l.State == AwaitingAnswer {
			if !m.yields(remote) {
				m.logger.Debug().Str("remote", string(remote)).Msg("glare on renegotiation, keeping our offer")
				return
			}
			if err := l.conn.Rollback(); err != nil {
				m.fail(l, "rollback", err)
				return
			}
			l.renegotiate = true
		}
		m.answer(l, *env.SDP)
		return
	}

	if l != nil && (l.State == Offering || l.State == AwaitingAnswer) && !m.yields(remote) {
		m.logger.Debug().Str("remote", string(remote)).Str("link", env.Link).Msg("glare, ignoring inbound offer")
		return
	}

	l, err := m.replace(remote, env.Link)
	if err != nil {
		m.logger.Error().Err(err).Str("remote", string(remote)).Msg("open link for offer")
		return
	}
	m.answer(l, *env.SDP)
}

// HandleAnswer applies an answer to the link awaiting it; anything else is
// stale and dropped.
func (m *Manager) HandleAnswer(env *signal.Envelope) {
	l := m.links[env.From]
	if l == nil || l.ID != env.Link || l.State != AwaitingAnswer {
		m.logger.Debug().Str("remote", string(env.From)).Str("link", env.Link).Msg("dropping unmatched answer")
		return
	}
	if err := l.conn.ApplyAnswer(*env.SDP); err != nil {
		m.fail(l, "apply answer", err)
		return
	}
	l.remoteSet = true
	l.State = Connected
	m.flushPending(l)
	m.afterNegotiation(l)
}

// HandleCandidate applies a remote candidate to its link. Candidates that
// arrive early are queued; repeats are ignored.
func (m *Manager) HandleCandidate(env *signal.Envelope) {
	c := *env.Candidate
	l := m.links[env.From]
	if l == nil || l.ID != env.Link {
		m.hold(env.From, env.Link, c)
		return
	}
	m.addCandidate(l, c)
}

func (m *Manager) addCandidate(l *Link, c webrtc.ICECandidateInit) {
	if l.State == Closed {
		return
	}
	key := candidateKey(c)
	if _, dup := l.seen[key]; dup {
		return
	}
	l.seen[key] = struct{}{}
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		return
	}
	if err := l.conn.AddICECandidate(c); err != nil {
		m.logger.Debug().Err(err).Str("remote", string(l.Remote)).Msg("add candidate")
	}
}

func (m *Manager) hold(remote domain.ParticipantID, link string, c webrtc.ICECandidateInit) {
	now := m.opts.Now()
	held := m.held[remote][:0]
	for _, h := range m.held[remote] {
		if now.Sub(h.at) < m.opts.CandidateHold {
			held = append(held, h)
		}
	}
	key := candidateKey(c)
	for _, h := range held {
		if h.link == link && candidateKey(h.c) == key {
			m.held[remote] = held
			return
		}
	}
	if len(held) >= maxHeldPerRemote {
		held = held[1:]
	}
	m.held[remote] = append(held, heldCandidate{link: link, c: c, at: now})
}

// claimHeld moves early candidates of l into it.
func (m *Manager) claimHeld(l *Link) {
	now := m.opts.Now()
	var rest []heldCandidate
	for _, h := range m.held[l.Remote] {
		switch {
		case now.Sub(h.at) >= m.opts.CandidateHold:
		case h.link == l.ID:
			m.addCandidate(l, h.c)
		default:
			rest = append(rest, h)
		}
	}
	if len(rest) == 0 {
		delete(m.held, l.Remote)
		return
	}
	m.held[l.Remote] = rest
}

func (m *Manager) flushPending(l *Link) {
	pending := l.pending
	l.pending = nil
	for _, c := range pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			m.logger.Debug().Err(err).Str("remote", string(l.Remote)).Msg("add queued candidate")
		}
	}
}

// SetLocalAudio attaches track to every link, or detaches the current one
// when track is nil. Attaching renegotiates; links mid-negotiation do so
// once they settle.
func (m *Manager) SetLocalAudio(track webrtc.TrackLocal) {
	m.track = track
	for _, l := range m.sortedLinks() {
		if l.State == Closed {
			continue
		}
		if err := l.conn.SetLocalAudio(track); err != nil {
			m.fail(l, "set local audio", err)
			continue
		}
		l.sendingAudio = track != nil
		if track == nil {
			continue
		}
		if l.State == Connected {
			m.offer(l)
		} else {
			l.renegotiate = true
		}
	}
}

// Remove closes and forgets the link to remote.
func (m *Manager) Remove(remote domain.ParticipantID) {
	delete(m.held, remote)
	l, ok := m.links[remote]
	if !ok {
		return
	}
	delete(m.links, remote)
	m.close(l)
}

// CloseAll tears every link down.
func (m *Manager) CloseAll() {
	for _, l := range m.sortedLinks() {
		m.Remove(l.Remote)
	}
	m.held = make(map[domain.ParticipantID][]heldCandidate)
	m.track = nil
}

func (m *Manager) Link(remote domain.ParticipantID) (Health, bool) {
	l, ok := m.links[remote]
	if !ok {
		return Health{}, false
	}
	return l.health(), true
}

// Health lists every link ordered by remote id.
func (m *Manager) Health() []Health {
	out := make([]Health, 0, len(m.links))
	for _, l := range m.sortedLinks() {
		out = append(out, l.health())
	}
	return out
}

func (m *Manager) Len() int { return len(m.links) }

func (m *Manager) sortedLinks() []*Link {
	out := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote < out[j].Remote })
	return out
}

// yields reports whether we give way to remote in a glare.
func (m *Manager) yields(remote domain.ParticipantID) bool {
	return m.opts.Self < remote
}

func (m *Manager) replace(remote domain.ParticipantID, id string) (*Link, error) {
	if old, ok := m.links[remote]; ok {
		delete(m.links, remote)
		m.close(old)
	}
	conn, err := m.opts.Factory.New(remote)
	if err != nil {
		return nil, err
	}
	l := newLink(remote, id, conn, m.opts.Now())
	m.links[remote] = l
	m.bind(l)
	if m.track != nil {
		if err := conn.SetLocalAudio(m.track); err != nil {
			m.logger.Warn().Err(err).Str("remote", string(remote)).Msg("attach local audio")
		} else {
			l.sendingAudio = true
		}
	}
	m.logger.Info().Str("remote", string(remote)).Str("link", id).Msg("link opened")
	return l, nil
}

// bind routes Conn callbacks onto the owner loop. Callbacks of a link that
// has since been replaced or closed are dropped there.
func (m *Manager) bind(l *Link) {
	l.conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.opts.Post(func() {
			if !m.current(l) {
				return
			}
			m.opts.Send(signal.ICECandidate(m.opts.Self, l.Remote, l.ID, c))
		})
	})
	l.conn.OnTrack(func(t RemoteTrack) {
		m.opts.Post(func() {
			if !m.current(l) {
				return
			}
			l.receivingAudio = true
			m.logger.Info().Str("remote", string(l.Remote)).Str("track", t.ID).Msg("remote audio")
			if m.opts.OnRemoteAudio != nil {
				m.opts.OnRemoteAudio(l.Remote, t)
			}
		})
	})
	l.conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.opts.Post(func() {
			if !m.current(l) {
				return
			}
			l.transport = s
			m.logger.Info().Str("remote", string(l.Remote)).Str("state", s.String()).Msg("transport state")
			switch s {
			case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
				m.close(l)
			}
		})
	})
}

func (m *Manager) current(l *Link) bool {
	return m.links[l.Remote] == l && l.State != Closed
}

func (m *Manager) offer(l *Link) {
	l.State = Offering
	l.renegotiate = false
	sdp, err := l.conn.CreateOffer()
	if err != nil {
		m.fail(l, "create offer", err)
		return
	}
	l.State = AwaitingAnswer
	m.opts.Send(signal.Offer(m.opts.Self, l.Remote, l.ID, sdp))
}

func (m *Manager) answer(l *Link, offer webrtc.SessionDescription) {
	l.State = Answering
	sdp, err := l.conn.ApplyOffer(offer)
	if err != nil {
		m.fail(l, "apply offer", err)
		return
	}
	l.remoteSet = true
	m.opts.Send(signal.Answer(m.opts.Self, l.Remote, l.ID, sdp))
	l.State = Connected
	m.claimHeld(l)
	m.flushPending(l)
	m.afterNegotiation(l)
}

func (m *Manager) afterNegotiation(l *Link) {
	if l.renegotiate && l.State == Connected {
		m.offer(l)
	}
}

// fail closes l after a negotiation error. The link is kept as Closed so
// health shows it; it is not retried.
func (m *Manager) fail(l *Link, op string, err error) {
	m.logger.Error().Err(err).Str("remote", string(l.Remote)).Str("link", l.ID).Str("op", op).Msg("negotiation failed")
	m.close(l)
}

func (m *Manager) close(l *Link) {
	if l.State == Closed {
		return
	}
	l.State = Closed
	l.pending = nil
	if err := l.conn.Close(); err != nil {
		m.logger.Warn().Err(err).Str("remote", string(l.Remote)).Msg("close link")
	}
	m.logger.Info().Str("remote", string(l.Remote)).Str("link", l.ID).Msg("link closed")
	if m.opts.OnLinkClosed != nil {
		m.opts.OnLinkClosed(l.Remote)
	}
}
