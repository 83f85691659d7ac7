package relay

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/roommesh/internal/domain"
	"github.com/dkeye/roommesh/internal/presence"
	"github.com/dkeye/roommesh/internal/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gossipWait = 15 * time.Second

func joinLoopback(t *testing.T, id string, bootstrap []string) *GossipRelay {
	t.Helper()
	if testing.Short() {
		t.Skip("opens libp2p hosts")
	}
	r, err := JoinGossip(context.Background(), GossipOptions{
		Room:        "study",
		Self:        participant(id),
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		Bootstrap:   bootstrap,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func waitPresence(t *testing.T, ch <-chan presence.Event, typ presence.EventType, id domain.ParticipantID) presence.Event {
	t.Helper()
	deadline := time.After(gossipWait)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "presence feed closed")
			if ev.Type == typ && ev.Participant.ID == id {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event for %s", typ, id)
		}
	}
}

// deliver resends env from src until dst sees an envelope of the same type,
// since gossip drops whatever it publishes before the mesh forms.
func deliver(t *testing.T, src, dst *GossipRelay, env *signal.Envelope) *signal.Envelope {
	t.Helper()
	var got *signal.Envelope
	require.Eventually(t, func() bool {
		if err := src.Send(env); err != nil {
			return false
		}
		select {
		case e := <-dst.Envelopes():
			if e.Type == env.Type {
				got = e
				return true
			}
		case <-time.After(100 * time.Millisecond):
		}
		return false
	}, gossipWait, 10*time.Millisecond)
	return got
}

func TestGossipPresenceAndEnvelopes(t *testing.T) {
	a := joinLoopback(t, "a", nil)
	require.NotEmpty(t, a.Addrs())
	b := joinLoopback(t, "b", a.Addrs())

	ev := waitPresence(t, a.Events(), presence.Joined, "b")
	assert.Equal(t, "b", ev.Participant.DisplayName)
	waitPresence(t, b.Events(), presence.Joined, "a")

	media := signal.Media{URL: "https://www.youtube.com/embed/jfKfPfyJRdk", Kind: "embeddable-video", By: "b"}
	got := deliver(t, b, a, signal.MediaUpdate("b", media))
	assert.Equal(t, domain.ParticipantID("b"), got.From)
	require.NotNil(t, got.Media)
	assert.Equal(t, media, *got.Media)

	reply := signal.MediaSyncReply("a", media)
	reply.To = "b"
	got = deliver(t, a, b, reply)
	assert.True(t, got.For("b"))
	assert.False(t, got.For("c"))

	require.NoError(t, b.Close())
	waitPresence(t, a.Events(), presence.Left, "b")
}

func TestGossipCloseEndsChannels(t *testing.T) {
	a := joinLoopback(t, "a", nil)

	require.NoError(t, a.Close())
	select {
	case <-a.Done():
	default:
		t.Fatal("done not closed")
	}
	for range a.Envelopes() {
	}
	for range a.Events() {
	}
	assert.ErrorIs(t, a.Send(signal.JoinAnnounce(participant("a"))), ErrClosed)
	assert.NoError(t, a.Close())
}

func TestGossipBadBootstrap(t *testing.T) {
	if testing.Short() {
		t.Skip("opens libp2p hosts")
	}
	_, err := JoinGossip(context.Background(), GossipOptions{
		Room:        "study",
		Self:        participant("a"),
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		Bootstrap:   []string{"not-a-multiaddr"},
	})
	assert.ErrorContains(t, err, "bootstrap")
}
