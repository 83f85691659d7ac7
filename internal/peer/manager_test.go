package peer_test

import (
	"fmt"
	"testing"

	"github.com/dkeye/roommesh/internal/domain"
	"github.com/dkeye/roommesh/internal/peer"
	"github.com/dkeye/roommesh/internal/peer/peertest"
	"github.com/dkeye/roommesh/internal/signal"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type side struct {
	id      domain.ParticipantID
	m       *peer.Manager
	factory *peertest.Factory
	outbox  []*signal.Envelope
	closed  []domain.ParticipantID
	audio   []domain.ParticipantID
	nextID  int
}

func newSide(id domain.ParticipantID) *side {
	s := &side{id: id, factory: peertest.NewFactory()}
	s.m = peer.NewManager(peer.Options{
		Self:    id,
		Factory: s.factory,
		Send:    func(e *signal.Envelope) { s.outbox = append(s.outbox, e) },
		OnLinkClosed: func(remote domain.ParticipantID) {
			s.closed = append(s.closed, remote)
		},
		OnRemoteAudio: func(remote domain.ParticipantID, _ peer.RemoteTrack) {
			s.audio = append(s.audio, remote)
		},
		NewLinkID: func() string {
			s.nextID++
			return fmt.Sprintf("%s-link-%d", id, s.nextID)
		},
	})
	return s
}

func (s *side) take() []*signal.Envelope {
	out := s.outbox
	s.outbox = nil
	return out
}

func (s *side) deliver(e *signal.Envelope) {
	if !e.For(s.id) {
		return
	}
	switch e.Type {
	case signal.TypeOffer:
		s.m.HandleOffer(e)
	case signal.TypeAnswer:
		s.m.HandleAnswer(e)
	case signal.TypeICECandidate:
		s.m.HandleCandidate(e)
	}
}

// pump exchanges envelopes until both outboxes are empty.
func pump(t *testing.T, a, b *side) {
	t.Helper()
	for i := 0; i < 32; i++ {
		fromA, fromB := a.take(), b.take()
		if len(fromA) == 0 && len(fromB) == 0 {
			return
		}
		for _, e := range fromA {
			b.deliver(e)
		}
		for _, e := range fromB {
			a.deliver(e)
		}
	}
	t.Fatal("signaling did not settle")
}

func requireConnected(t *testing.T, a, b *side) string {
	t.Helper()
	ha, ok := a.m.Link(b.id)
	require.True(t, ok)
	hb, ok := b.m.Link(a.id)
	require.True(t, ok)
	require.Equal(t, peer.Connected, ha.State)
	require.Equal(t, peer.Connected, hb.State)
	require.Equal(t, ha.LinkID, hb.LinkID)
	return ha.LinkID
}

func candidate(s string) webrtc.ICECandidateInit {
	mid := "0"
	idx := uint16(0)
	return webrtc.ICECandidateInit{Candidate: s, SDPMid: &mid, SDPMLineIndex: &idx}
}

func opusTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "mic")
	require.NoError(t, err)
	return tr
}

func TestConnectOfferAnswer(t *testing.T) {
	a, b := newSide("a"), newSide("b")
	a.m.Connect("b")

	out := a.take()
	require.Len(t, out, 1)
	require.Equal(t, signal.TypeOffer, out[0].Type)
	require.Equal(t, domain.ParticipantID("b"), out[0].To)
	b.deliver(out[0])
	pump(t, a, b)

	requireConnected(t, a, b)
	require.Equal(t, 1, a.m.Len())
	require.Equal(t, 1, b.m.Len())
}

func TestConnectToSelfIsIgnored(t *testing.T) {
	a := newSide("a")
	a.m.Connect("a")
	require.Zero(t, a.m.Len())
	require.Empty(t, a.take())
}

func TestGlareConvergesEitherOrder(t *testing.T) {
	for _, aFirst := range []bool{true, false} {
		t.Run(fmt.Sprintf("a_first=%v", aFirst), func(t *testing.T) {
			a, b := newSide("a"), newSide("b")
			a.m.Connect("b")
			b.m.Connect("a")
			offerA, offerB := a.take(), b.take()
			require.Len(t, offerA, 1)
			require.Len(t, offerB, 1)

			if aFirst {
				b.deliver(offerA[0])
				a.deliver(offerB[0])
			} else {
				a.deliver(offerB[0])
				b.deliver(offerA[0])
			}
			pump(t, a, b)

			link := requireConnected(t, a, b)
			require.Equal(t, "b-link-1", link, "the larger id keeps its offer")
			require.Equal(t, 2, a.factory.Open()+b.factory.Open())
		})
	}
}

func TestRenegotiationGlare(t *testing.T) {
	a, b := newSide("a"), newSide("b")
	a.m.Connect("b")
	pump(t, a, b)
	link := requireConnected(t, a, b)

	track := opusTrack(t)
	a.m.SetLocalAudio(track)
	b.m.SetLocalAudio(track)
	pump(t, a, b)

	require.Equal(t, link, requireConnected(t, a, b))
	require.Len(t, a.factory.All("b"), 1)
	require.Len(t, b.factory.All("a"), 1)
	require.Equal(t, webrtc.SignalingStateStable, a.factory.Last("b").SignalingState())
	require.Equal(t, webrtc.SignalingStateStable, b.factory.Last("a").SignalingState())
}

func TestReinitiationReplacesLink(t *testing.T) {
	a, b := newSide("a"), newSide("b")
	a.m.Connect("b")
	pump(t, a, b)
	first := requireConnected(t, a, b)

	a.m.Connect("b")
	pump(t, a, b)
	second := requireConnected(t, a, b)

	require.NotEqual(t, first, second)
	conns := b.factory.All("a")
	require.Len(t, conns, 2)
	require.True(t, conns[0].Closed())
	require.False(t, conns[1].Closed())
	require.Equal(t, []domain.ParticipantID{"a"}, b.closed)
}

func TestEnsureKeepsOpenLink(t *testing.T) {
	a, b := newSide("a"), newSide("b")
	a.m.Ensure("b")
	require.Len(t, a.take(), 1)

	a.m.Ensure("b")
	require.Empty(t, a.take(), "pending link must not be replaced")

	a.m.Connect("b")
	pump(t, a, b)
	link := requireConnected(t, a, b)
	a.m.Ensure("b")
	b.m.Ensure("a")
	require.Empty(t, a.take())
	require.Empty(t, b.take())
	require.Equal(t, link, requireConnected(t, a, b))
	require.Len(t, b.factory.All("a"), 1)

	b.m.Remove("a")
	b.m.Ensure("a")
	out := b.take()
	require.Len(t, out, 1)
	require.Equal(t, signal.TypeOffer, out[0].Type)
}

func TestConnectedTracksSignalingNotTransport(t *testing.T) {
	a, b := newSide("a"), newSide("b")
	a.m.Connect("b")
	pump(t, a, b)
	requireConnected(t, a, b)

	h, _ := a.m.Link("b")
	require.Equal(t, webrtc.PeerConnectionStateNew, h.Transport)

	a.factory.Last("b").EmitState(webrtc.PeerConnectionStateConnected)
	h, _ = a.m.Link("b")
	require.Equal(t, peer.Connected, h.State)
	require.Equal(t, webrtc.PeerConnectionStateConnected, h.Transport)
}

func TestDuplicateCandidatesAreIdempotent(t *testing.T) {
	a, b := newSide("a"), newSide("b")
	a.m.Connect("b")
	pump(t, a, b)
	link := requireConnected(t, a, b)

	c := signal.ICECandidate("a", "b", link, candidate("candidate:1 1 udp 1 10.0.0.1 5000 typ host"))
	b.deliver(c)
	b.deliver(c)
	b.deliver(c)

	require.Len(t, b.factory.Last("a").Candidates(), 1)
	h, _ := b.m.Link("a")
	require.Equal(t, peer.Connected, h.State)
}

func TestCandidatesBeforeOfferAreHeld(t *testing.T) {
	a, b := newSide("a"), newSide("b")
	a.m.Connect("b")
	offer := a.take()
	require.Len(t, offer, 1)

	a.factory.Last("b").EmitCandidate(candidate("candidate:1 1 udp 1 10.0.0.1 5000 typ host"))
	early := a.take()
	require.Len(t, early, 1)
	require.Equal(t, offer[0].Link, early[0].Link)

	b.deliver(early[0])
	b.deliver(early[0])
	require.Zero(t, b.m.Len())

	b.deliver(offer[0])
	pump(t, a, b)

	requireConnected(t, a, b)
	require.Len(t, b.factory.Last("a").Candidates(), 1)
}

func TestCandidatesBeforeAnswerAreQueued(t *testing.T) {
	a, b := newSide("a"), newSide("b")
	a.m.Connect("b")
	b.deliver(a.take()[0])
	answer := b.take()
	require.Len(t, answer, 1)

	b.factory.Last("a").EmitCandidate(candidate("candidate:2 1 udp 1 10.0.0.2 5000 typ host"))
	a.deliver(b.take()[0])
	require.Empty(t, a.factory.Last("b").Candidates())

	a.deliver(answer[0])
	require.Len(t, a.factory.Last("b").Candidates(), 1)
	requireConnected(t, a, b)
}

func TestStaleAnswerIsDropped(t *testing.T) {
	a, b := newSide("a"), newSide("b")
	a.m.Connect("b")
	b.deliver(a.take()[0])
	answer := b.take()[0]

	stale := *answer
	stale.Link = "old-link"
	a.deliver(&stale)
	h, _ := a.m.Link("b")
	require.Equal(t, peer.AwaitingAnswer, h.State)

	a.deliver(answer)
	a.deliver(answer)
	h, _ = a.m.Link("b")
	require.Equal(t, peer.Connected, h.State)
}

func TestMicDuringNegotiationIsDeferred(t *testing.T) {
	a, b := newSide("a"), newSide("b")
	a.m.Connect("b")
	offer := a.take()[0]

	a.m.SetLocalAudio(opusTrack(t))
	require.Empty(t, a.take(), "no second offer while awaiting an answer")

	b.deliver(offer)
	a.deliver(b.take()[0])

	reoffer := a.take()
	require.Len(t, reoffer, 1)
	require.Equal(t, signal.TypeOffer, reoffer[0].Type)
	require.Equal(t, offer.Link, reoffer[0].Link)
	b.deliver(reoffer[0])
	pump(t, a, b)

	requireConnected(t, a, b)
	h, _ := a.m.Link("b")
	require.True(t, h.SendingAudio)
}

func TestMicOnOffOn(t *testing.T) {
	a, b := newSide("a"), newSide("b")
	a.m.Connect("b")
	pump(t, a, b)
	link := requireConnected(t, a, b)

	first := opusTrack(t)
	a.m.SetLocalAudio(first)
	pump(t, a, b)
	require.Equal(t, first, a.factory.Last("b").Track())

	a.m.SetLocalAudio(nil)
	require.Empty(t, a.take(), "turning the mic off does not renegotiate")
	require.Nil(t, a.factory.Last("b").Track())
	h, _ := a.m.Link("b")
	require.False(t, h.SendingAudio)

	second := opusTrack(t)
	a.m.SetLocalAudio(second)
	pump(t, a, b)
	require.Equal(t, second, a.factory.Last("b").Track())
	require.Equal(t, link, requireConnected(t, a, b))
	require.Len(t, a.factory.All("b"), 1)
}

func TestNewLinksGetCurrentTrack(t *testing.T) {
	a, b := newSide("a"), newSide("b")
	track := opusTrack(t)
	a.m.SetLocalAudio(track)
	a.m.Connect("b")
	pump(t, a, b)

	requireConnected(t, a, b)
	require.Equal(t, track, a.factory.Last("b").Track())
}

func TestTransportFailureClosesWithoutRetry(t *testing.T) {
	a, b := newSide("a"), newSide("b")
	a.m.Connect("b")
	pump(t, a, b)
	requireConnected(t, a, b)

	a.factory.Last("b").EmitState(webrtc.PeerConnectionStateDisconnected)
	h, _ := a.m.Link("b")
	require.Equal(t, peer.Connected, h.State)
	require.Equal(t, webrtc.PeerConnectionStateDisconnected, h.Transport)

	a.factory.Last("b").EmitState(webrtc.PeerConnectionStateFailed)
	h, _ = a.m.Link("b")
	require.Equal(t, peer.Closed, h.State)
	require.Empty(t, a.take())
	require.Len(t, a.factory.All("b"), 1)
	require.Equal(t, []domain.ParticipantID{"b"}, a.closed)
}

func TestNegotiationErrorClosesLink(t *testing.T) {
	a, b := newSide("a"), newSide("b")
	a.m.Connect("b")
	offer := a.take()[0]

	b.deliver(offer)
	answer := b.take()[0]

	a.factory.Last("b").FailNext = fmt.Errorf("boom")
	a.deliver(answer)
	h, _ := a.m.Link("b")
	require.Equal(t, peer.Closed, h.State)
}

func TestStaleCallbacksAreIgnored(t *testing.T) {
	a, b := newSide("a"), newSide("b")
	a.m.Connect("b")
	pump(t, a, b)
	old := a.factory.Last("b")

	a.m.Connect("b")
	pump(t, a, b)

	old.EmitCandidate(candidate("candidate:9 1 udp 1 10.0.0.9 5000 typ host"))
	old.EmitTrack(peer.RemoteTrack{ID: "stale"})
	require.Empty(t, a.take())
	require.Empty(t, a.audio)

	a.factory.Last("b").EmitTrack(peer.RemoteTrack{ID: "fresh"})
	require.Equal(t, []domain.ParticipantID{"b"}, a.audio)
}

func TestRemoveAndCloseAll(t *testing.T) {
	a, b, c := newSide("a"), newSide("b"), newSide("c")
	a.m.Connect("b")
	pump(t, a, b)
	a.m.Connect("c")
	pump(t, a, c)
	require.Len(t, a.m.Health(), 2)

	a.m.Remove("b")
	require.Equal(t, 1, a.m.Len())
	require.True(t, a.factory.Last("b").Closed())

	a.m.CloseAll()
	require.Zero(t, a.m.Len())
	require.Zero(t, a.factory.Open())
}
