package room_test

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/roommesh/internal/audio"
	"github.com/dkeye/roommesh/internal/domain"
	"github.com/dkeye/roommesh/internal/mic"
	"github.com/dkeye/roommesh/internal/peer"
	"github.com/dkeye/roommesh/internal/peer/peertest"
	"github.com/dkeye/roommesh/internal/relay"
	"github.com/dkeye/roommesh/internal/room"
	"github.com/stretchr/testify/require"
)

type gossipMember struct {
	s       *room.Session
	relay   *relay.GossipRelay
	factory *peertest.Factory
}

func joinGossip(t *testing.T, id, name string, bootstrap []string) *gossipMember {
	t.Helper()
	self := domain.Participant{ID: domain.ParticipantID(id), DisplayName: name, JoinedAt: time.Now()}
	rl, err := relay.JoinGossip(context.Background(), relay.GossipOptions{
		Room:        roomID,
		Self:        self,
		ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"},
		Bootstrap:   bootstrap,
	})
	require.NoError(t, err)
	m := &gossipMember{relay: rl, factory: peertest.NewFactory()}
	m.s, err = room.Join(context.Background(), room.Options{
		Self:       self,
		Relay:      rl,
		Factory:    m.factory,
		Capturer:   &mic.Synthetic{},
		Detector:   audio.DetectorOptions{Interval: time.Millisecond},
		SyncOnJoin: true,
	})
	require.NoError(t, err)
	t.Cleanup(m.s.Leave)
	return m
}

func TestGossipMeshForms(t *testing.T) {
	if testing.Short() {
		t.Skip("opens libp2p hosts")
	}
	a := joinGossip(t, "a", "Ada", nil)
	_, err := a.s.SelectMedia(lofiURL)
	require.NoError(t, err)
	b := joinGossip(t, "b", "Bo", a.relay.Addrs())

	require.Eventually(t, func() bool {
		ha, okA := a.s.Link("b")
		hb, okB := b.s.Link("a")
		return okA && okB &&
			ha.State == peer.Connected && hb.State == peer.Connected &&
			ha.LinkID == hb.LinkID
	}, 20*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return b.s.Media().URL == lofiEmbed }, 20*time.Second, 20*time.Millisecond)
	require.Len(t, b.s.Roster(), 2)

	b.s.Leave()
	require.Eventually(t, func() bool {
		_, ok := a.s.Link("b")
		return !ok
	}, 20*time.Second, 20*time.Millisecond)
}
