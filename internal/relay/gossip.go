package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/roommesh/internal/domain"
	"github.com/dkeye/roommesh/internal/presence"
	"github.com/dkeye/roommesh/internal/signal"
	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	gossipTopicPrefix = "/roommesh/room/"
	gossipMdnsTag     = "roommesh-mdns"
	connectTimeout    = 10 * time.Second
)

func init() {
	_ = logging.SetLogLevel("swarm2", "error")
	_ = logging.SetLogLevel("pubsub", "warn")
	_ = logging.SetLogLevel("mdns", "warn")
}

type GossipOptions struct {
	Room        domain.RoomID
	Self        domain.Participant
	ListenAddrs []string
	Bootstrap   []string
	MDNS        bool
}

// gossipFrame is what travels on the topic: either a presence beacon or an
// msgpack-encoded envelope.
type gossipFrame struct {
	Presence *domain.Participant `msgpack:"p,omitempty"`
	Envelope []byte              `msgpack:"e,omitempty"`
}

// GossipRelay carries a room over a libp2p GossipSub topic. Presence comes
// from topic peer events, resolved to participants through beacons that
// each member publishes when it subscribes and whenever a new peer shows up.
// Anything published before the first topic peer appears reaches nobody, so
// a join announce is usually lost; sessions open links on presence instead.
type GossipRelay struct {
	opts   GossipOptions
	host   host.Host
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	peerEv *pubsub.TopicEventHandler
	mdns   mdns.Service
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	known  map[peer.ID]domain.Participant
	envs   chan *signal.Envelope
	events chan presence.Event
	once   sync.Once
	wg     sync.WaitGroup
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// JoinGossip starts a libp2p host, joins the room topic and announces self.
func JoinGossip(ctx context.Context, opts GossipOptions) (*GossipRelay, error) {
	var hostOpts []libp2p.Option
	if len(opts.ListenAddrs) > 0 {
		hostOpts = append(hostOpts, libp2p.ListenAddrStrings(opts.ListenAddrs...))
	}
	h, err := libp2p.New(hostOpts...)
	if err != nil {
		return nil, fmt.Errorf("libp2p host: %w", err)
	}

	rctx, cancel := context.WithCancel(context.Background())
	r := &GossipRelay{
		opts: opts,
		host: h,
		logger: log.With().
			Str("module", "relay.gossip").
			Str("room", string(opts.Room)).
			Str("peer", h.ID().String()).
			Logger(),
		ctx:    rctx,
		cancel: cancel,
		known:  make(map[peer.ID]domain.Participant),
		envs:   make(chan *signal.Envelope, 64),
		events: make(chan presence.Event, 64),
	}
	if err := r.start(ctx); err != nil {
		cancel()
		if r.mdns != nil {
			_ = r.mdns.Close()
		}
		_ = h.Close()
		return nil, err
	}
	return r, nil
}

func (r *GossipRelay) start(ctx context.Context) error {
	if r.opts.MDNS {
		r.mdns = mdns.NewMdnsService(r.host, gossipMdnsTag, &mdnsNotifee{h: r.host})
		if err := r.mdns.Start(); err != nil {
			return fmt.Errorf("mdns: %w", err)
		}
	}
	for _, s := range r.opts.Bootstrap {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			return fmt.Errorf("bootstrap %q: %w", s, err)
		}
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return fmt.Errorf("bootstrap %q: %w", s, err)
		}
		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		if err := r.host.Connect(cctx, *pi); err != nil {
			r.logger.Warn().Err(err).Str("bootstrap", s).Msg("bootstrap connect failed")
		}
		cancel()
	}

	ps, err := pubsub.NewGossipSub(r.ctx, r.host)
	if err != nil {
		return fmt.Errorf("gossipsub: %w", err)
	}
	r.topic, err = ps.Join(gossipTopicPrefix + string(r.opts.Room))
	if err != nil {
		return fmt.Errorf("join topic: %w", err)
	}
	r.peerEv, err = r.topic.EventHandler()
	if err != nil {
		return fmt.Errorf("topic events: %w", err)
	}
	r.sub, err = r.topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe topic: %w", err)
	}

	r.wg.Add(2)
	go r.readLoop()
	go r.peerLoop()
	r.beacon()
	r.logger.Info().Msg("joined gossip room")
	return nil
}

// Addrs returns the host's full p2p addresses, usable as bootstrap peers.
func (r *GossipRelay) Addrs() []string {
	out := make([]string, 0, len(r.host.Addrs()))
	for _, a := range r.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, r.host.ID()))
	}
	return out
}

func (r *GossipRelay) Send(env *signal.Envelope) error {
	b, err := signal.Msgpack.Marshal(env)
	if err != nil {
		return err
	}
	return r.publish(gossipFrame{Envelope: b})
}

func (r *GossipRelay) publish(f gossipFrame) error {
	select {
	case <-r.ctx.Done():
		return ErrClosed
	default:
	}
	b, err := msgpack.Marshal(&f)
	if err != nil {
		return err
	}
	if err := r.topic.Publish(r.ctx, b); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

func (r *GossipRelay) beacon() {
	self := r.opts.Self
	if err := r.publish(gossipFrame{Presence: &self}); err != nil {
		r.logger.Warn().Err(err).Msg("presence beacon failed")
	}
}

func (r *GossipRelay) Envelopes() <-chan *signal.Envelope { return r.envs }
func (r *GossipRelay) Events() <-chan presence.Event      { return r.events }
func (r *GossipRelay) Done() <-chan struct{}              { return r.ctx.Done() }

func (r *GossipRelay) Close() error {
	var err error
	r.once.Do(func() {
		r.cancel()
		r.peerEv.Cancel()
		r.sub.Cancel()
		r.wg.Wait()
		close(r.envs)
		close(r.events)
		if r.topic != nil {
			_ = r.topic.Close()
		}
		if r.mdns != nil {
			_ = r.mdns.Close()
		}
		err = r.host.Close()
		r.logger.Info().Msg("left gossip room")
	})
	return err
}

func (r *GossipRelay) readLoop() {
	defer r.wg.Done()
	for {
		msg, err := r.sub.Next(r.ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == r.host.ID() {
			continue
		}
		var f gossipFrame
		if err := msgpack.Unmarshal(msg.Data, &f); err != nil {
			r.logger.Warn().Err(err).Msg("dropping undecodable frame")
			continue
		}
		switch {
		case f.Presence != nil:
			r.learn(msg.GetFrom(), *f.Presence)
		case len(f.Envelope) > 0:
			env, err := signal.Msgpack.Unmarshal(f.Envelope)
			if err != nil {
				r.logger.Warn().Err(err).Msg("dropping undecodable envelope")
				continue
			}
			select {
			case r.envs <- env:
			case <-r.ctx.Done():
				return
			}
		}
	}
}

func (r *GossipRelay) peerLoop() {
	defer r.wg.Done()
	for {
		ev, err := r.peerEv.NextPeerEvent(r.ctx)
		if err != nil {
			return
		}
		switch ev.Type {
		case pubsub.PeerJoin:
			r.logger.Debug().Str("remote", ev.Peer.String()).Msg("peer joined topic")
			r.beacon()
		case pubsub.PeerLeave:
			r.forget(ev.Peer)
		}
	}
}

func (r *GossipRelay) learn(from peer.ID, p domain.Participant) {
	r.mu.Lock()
	_, seen := r.known[from]
	r.known[from] = p
	r.mu.Unlock()
	if seen {
		return
	}
	r.emit(presence.Event{Type: presence.Joined, Participant: p})
}

func (r *GossipRelay) forget(from peer.ID) {
	r.mu.Lock()
	p, ok := r.known[from]
	delete(r.known, from)
	r.mu.Unlock()
	if ok {
		r.emit(presence.Event{Type: presence.Left, Participant: p})
	}
}

func (r *GossipRelay) emit(ev presence.Event) {
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}
