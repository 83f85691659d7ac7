package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/roommesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const DefaultSTUN = "stun:stun.l.google.com:19302"

// PionFactory opens pion PeerConnections that share one API: default codecs,
// default interceptors and the audio-level header extension.
type PionFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewPionFactory builds the WebRTC API. stun lists the STUN urls; TURN is
// not used. extra interceptors run after the defaults.
func NewPionFactory(stun []string, extra ...interceptor.Factory) (*PionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	for _, f := range extra {
		interceptorRegistry.Add(f)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	cfg := webrtc.Configuration{}
	if len(stun) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: stun}}
	}
	return &PionFactory{api: api, config: cfg}, nil
}

func (f *PionFactory) New(remote domain.ParticipantID) (Conn, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	audio, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio transceiver: %w", err)
	}
	c := &pionConn{pc: pc, audio: audio, remote: remote}
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		if fn := c.handlers().onICE; fn != nil {
			fn(cand.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "peer.webrtc").Str("remote", string(remote)).Str("peer_connection_state", s.String()).Msg("Peer state")
		if fn := c.handlers().onState; fn != nil {
			fn(s)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "peer.webrtc").
			Str("remote", string(remote)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("OnTrack received")
		if track.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		rt := RemoteTrack{ID: track.ID(), Reader: track}
		for _, ext := range receiver.GetParameters().HeaderExtensions {
			if ext.URI == sdp.AudioLevelURI {
				rt.AudioLevelExt = uint8(ext.ID)
			}
		}
		if fn := c.handlers().onTrack; fn != nil {
			fn(rt)
		}
	})
	return c, nil
}

type pionHandlers struct {
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

type pionConn struct {
	pc     *webrtc.PeerConnection
	audio  *webrtc.RTPTransceiver
	remote domain.ParticipantID

	mu sync.Mutex
	h  pionHandlers
}

func (c *pionConn) handlers() pionHandlers {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h
}

func (c *pionConn) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *pionConn) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *pionConn) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(answer)
}

func (c *pionConn) Rollback() error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (c *pionConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *pionConn) SetLocalAudio(track webrtc.TrackLocal) error {
	return c.audio.Sender().ReplaceTrack(track)
}

func (c *pionConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.h.onICE = fn
	c.mu.Unlock()
}

func (c *pionConn) OnTrack(fn func(RemoteTrack)) {
	c.mu.Lock()
	c.h.onTrack = fn
	c.mu.Unlock()
}

func (c *pionConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.h.onState = fn
	c.mu.Unlock()
}

func (c *pionConn) Close() error {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "peer.webrtc").Str("remote", string(c.remote)).Msg("close error")
		return err
	}
	log.Info().Str("module", "peer.webrtc").Str("remote", string(c.remote)).Msg("closed")
	return nil
}

// SignalingState is exposed for tests and diagnostics.
func (c *pionConn) SignalingState() webrtc.SignalingState {
	return c.pc.SignalingState()
}
