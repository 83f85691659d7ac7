// Package signal defines the typed envelopes exchanged over a room's
// signaling relay and the codecs that put them on the wire.
package signal

import (
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/roommesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Type string

const (
	TypeJoinAnnounce   Type = "join-announce"
	TypeOffer          Type = "offer"
	TypeAnswer         Type = "answer"
	TypeICECandidate   Type = "ice-candidate"
	TypeMediaUpdate    Type = "media-update"
	TypeMediaSyncReply Type = "media-sync-reply"
)

var (
	ErrUnknownType    = errors.New("unknown envelope type")
	ErrMissingField   = errors.New("missing envelope field")
	ErrNilEnvelope    = errors.New("nil envelope")
	ErrSDPTypeInvalid = errors.New("sdp type does not match envelope type")
)

// Media is the room-wide "now playing" descriptor carried by media envelopes.
type Media struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
	By   string `json:"by"`
}

// Envelope is a tagged union; which fields are set depends on Type.
// The relay has no point-to-point delivery, so To is filtered by receivers.
type Envelope struct {
	Type      Type                       `json:"type"`
	From      domain.ParticipantID       `json:"from,omitempty"`
	To        domain.ParticipantID       `json:"to,omitempty"`
	Link      string                     `json:"link,omitempty"`
	Name      string                     `json:"name,omitempty"`
	JoinedAt  *time.Time                 `json:"joined_at,omitempty"`
	SDP       *webrtc.SessionDescription `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Media     *Media                     `json:"media,omitempty"`
}

func JoinAnnounce(self domain.Participant) *Envelope {
	joined := self.JoinedAt
	return &Envelope{Type: TypeJoinAnnounce, From: self.ID, Name: self.DisplayName, JoinedAt: &joined}
}

func Offer(from, to domain.ParticipantID, link string, sdp webrtc.SessionDescription) *Envelope {
	return &Envelope{Type: TypeOffer, From: from, To: to, Link: link, SDP: &sdp}
}

func Answer(from, to domain.ParticipantID, link string, sdp webrtc.SessionDescription) *Envelope {
	return &Envelope{Type: TypeAnswer, From: from, To: to, Link: link, SDP: &sdp}
}

func ICECandidate(from, to domain.ParticipantID, link string, c webrtc.ICECandidateInit) *Envelope {
	return &Envelope{Type: TypeICECandidate, From: from, To: to, Link: link, Candidate: &c}
}

func MediaUpdate(from domain.ParticipantID, m Media) *Envelope {
	return &Envelope{Type: TypeMediaUpdate, From: from, Media: &m}
}

func MediaSyncReply(from domain.ParticipantID, m Media) *Envelope {
	return &Envelope{Type: TypeMediaSyncReply, From: from, Media: &m}
}

// For reports whether a receiver with id self should act on e: broadcast
// envelopes are for everyone except the sender, addressed ones only for To.
func (e *Envelope) For(self domain.ParticipantID) bool {
	if e == nil || e.From == self {
		return false
	}
	return e.To == "" || e.To == self
}

// Validate checks that the fields required by Type are present.
func (e *Envelope) Validate() error {
	if e == nil {
		return ErrNilEnvelope
	}
	if e.From == "" {
		return fmt.Errorf("%s: %w: from", e.Type, ErrMissingField)
	}
	switch e.Type {
	case TypeJoinAnnounce:
		return nil
	case TypeOffer, TypeAnswer:
		if e.To == "" || e.Link == "" || e.SDP == nil {
			return fmt.Errorf("%s: %w: to/link/sdp", e.Type, ErrMissingField)
		}
		want := webrtc.SDPTypeOffer
		if e.Type == TypeAnswer {
			want = webrtc.SDPTypeAnswer
		}
		if e.SDP.Type != want {
			return fmt.Errorf("%s: %w", e.Type, ErrSDPTypeInvalid)
		}
		return nil
	case TypeICECandidate:
		if e.To == "" || e.Link == "" || e.Candidate == nil {
			return fmt.Errorf("%s: %w: to/link/candidate", e.Type, ErrMissingField)
		}
		return nil
	case TypeMediaUpdate, TypeMediaSyncReply:
		if e.Media == nil || e.Media.URL == "" {
			return fmt.Errorf("%s: %w: media", e.Type, ErrMissingField)
		}
		return nil
	default:
		return fmt.Errorf("%q: %w", e.Type, ErrUnknownType)
	}
}
