// Package peertest provides an in-memory peer.Conn that follows the WebRTC
// signaling state rules closely enough to exercise the link manager.
package peertest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/roommesh/internal/domain"
	"github.com/dkeye/roommesh/internal/peer"
	"github.com/pion/webrtc/v4"
)

var (
	ErrInvalidState = errors.New("invalid signaling state")
	ErrNoRemote     = errors.New("remote description not set")
	ErrClosed       = errors.New("connection closed")
)

// Conn is a fake peer.Conn. Tests drive its callbacks with Emit*.
type Conn struct {
	Remote domain.ParticipantID

	mu         sync.Mutex
	state      webrtc.SignalingState
	remoteSet  bool
	closed     bool
	offers     int
	candidates []webrtc.ICECandidateInit
	track      webrtc.TrackLocal
	trackSets  int
	lastRemote webrtc.SessionDescription

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(peer.RemoteTrack)
	onState func(webrtc.PeerConnectionState)

	// FailNext makes the next negotiation call return this error.
	FailNext error
}

func NewConn(remote domain.ParticipantID) *Conn {
	return &Conn{Remote: remote, state: webrtc.SignalingStateStable}
}

func (c *Conn) fail() error {
	if c.closed {
		return ErrClosed
	}
	if err := c.FailNext; err != nil {
		c.FailNext = nil
		return err
	}
	return nil
}

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if c.state != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer in %s: %w", c.state, ErrInvalidState)
	}
	c.offers++
	c.state = webrtc.SignalingStateHaveLocalOffer
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d", c.Remote, c.offers)}, nil
}

func (c *Conn) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if c.state != webrtc.SignalingStateStable || offer.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("apply offer in %s: %w", c.state, ErrInvalidState)
	}
	c.lastRemote = offer
	c.remoteSet = true
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-to-" + offer.SDP}, nil
}

func (c *Conn) ApplyAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return err
	}
	if c.state != webrtc.SignalingStateHaveLocalOffer || answer.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("apply answer in %s: %w", c.state, ErrInvalidState)
	}
	c.lastRemote = answer
	c.remoteSet = true
	c.state = webrtc.SignalingStateStable
	return nil
}

func (c *Conn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail(); err != nil {
		return err
	}
	if c.state != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("rollback in %s: %w", c.state, ErrInvalidState)
	}
	c.state = webrtc.SignalingStateStable
	return nil
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.remoteSet {
		return ErrNoRemote
	}
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *Conn) SetLocalAudio(track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.track = track
	c.trackSets++
	return nil
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(peer.RemoteTrack)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.state = webrtc.SignalingStateClosed
	return nil
}

func (c *Conn) EmitCandidate(ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

func (c *Conn) EmitTrack(t peer.RemoteTrack) {
	c.mu.Lock()
	fn := c.onTrack
	c.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (c *Conn) EmitState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

func (c *Conn) Track() webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.track
}

func (c *Conn) TrackSets() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trackSets
}

func (c *Conn) Offers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Factory records every Conn it opens, per remote, oldest first.
type Factory struct {
	mu    sync.Mutex
	conns map[domain.ParticipantID][]*Conn
	Err   error
}

func NewFactory() *Factory {
	return &Factory{conns: make(map[domain.ParticipantID][]*Conn)}
}

func (f *Factory) New(remote domain.ParticipantID) (peer.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := NewConn(remote)
	f.conns[remote] = append(f.conns[remote], c)
	return c, nil
}

// Last returns the newest Conn opened towards remote.
func (f *Factory) Last(remote domain.ParticipantID) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.conns[remote]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (f *Factory) All(remote domain.ParticipantID) []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns[remote]...)
}

// Open counts conns that are not closed, across all remotes.
func (f *Factory) Open() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, cs := range f.conns {
		for _, c := range cs {
			if !c.Closed() {
				n++
			}
		}
	}
	return n
}
