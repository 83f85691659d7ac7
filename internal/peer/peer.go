// Package peer owns the full mesh of WebRTC links of one participant: one
// link per remote participant, negotiated over the room's signaling relay.
package peer

import (
	"github.com/dkeye/roommesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Conn is one peer connection as the manager drives it. Implementations call
// their handlers from their own goroutines.
type Conn interface {
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer sets the remote offer and returns the local answer, already
	// set as the local description.
	ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	// Rollback discards an outstanding local offer.
	Rollback() error
	AddICECandidate(c webrtc.ICECandidateInit) error
	// SetLocalAudio puts track on the single audio sender; nil sends silence.
	SetLocalAudio(track webrtc.TrackLocal) error

	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// Factory opens a Conn towards remote.
type Factory interface {
	New(remote domain.ParticipantID) (Conn, error)
}

// RTPReader is the read side of a remote track.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// RemoteTrack is an inbound audio stream. AudioLevelExt is the negotiated
// header extension id carrying RFC 6464 levels, 0 when not negotiated.
type RemoteTrack struct {
	ID            string
	Reader        RTPReader
	AudioLevelExt uint8
}
