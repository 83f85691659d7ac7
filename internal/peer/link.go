package peer

import (
	"fmt"
	"time"

	"github.com/dkeye/roommesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// State tracks signaling only. Connected means the offer/answer exchange
// has completed; whether media flows is Health.Transport.
type State int

const (
	Idle State = iota
	Offering
	AwaitingAnswer
	Answering
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Offering:
		return "offering"
	case AwaitingAnswer:
		return "awaiting-answer"
	case Answering:
		return "answering"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// negotiating reports whether an offer/answer exchange is in flight.
func (s State) negotiating() bool {
	return s == Offering || s == AwaitingAnswer || s == Answering
}

// Link is the manager's record of one remote participant's connection.
type Link struct {
	Remote domain.ParticipantID
	ID     string
	State  State

	conn      Conn
	transport webrtc.PeerConnectionState
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	seen      map[string]struct{}

	sendingAudio   bool
	receivingAudio bool
	renegotiate    bool
	createdAt      time.Time
}

func newLink(remote domain.ParticipantID, id string, conn Conn, now time.Time) *Link {
	return &Link{
		Remote:    remote,
		ID:        id,
		State:     Idle,
		conn:      conn,
		transport: webrtc.PeerConnectionStateNew,
		seen:      make(map[string]struct{}),
		createdAt: now,
	}
}

func candidateKey(c webrtc.ICECandidateInit) string {
	mid, idx := "", uint16(0)
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		idx = *c.SDPMLineIndex
	}
	return fmt.Sprintf("%s|%d|%s", mid, idx, c.Candidate)
}

// Health is a read-only view of a link for the UI.
type Health struct {
	Remote         domain.ParticipantID
	LinkID         string
	State          State
	Transport      webrtc.PeerConnectionState
	SendingAudio   bool
	ReceivingAudio bool
	Since          time.Time
}

func (l *Link) health() Health {
	return Health{
		Remote:         l.Remote,
		LinkID:         l.ID,
		State:          l.State,
		Transport:      l.transport,
		SendingAudio:   l.sendingAudio,
		ReceivingAudio: l.receivingAudio,
		Since:          l.createdAt,
	}
}
