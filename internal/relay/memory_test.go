package relay

import (
	"testing"
	"time"

	"github.com/dkeye/roommesh/internal/domain"
	"github.com/dkeye/roommesh/internal/presence"
	"github.com/dkeye/roommesh/internal/signal"
	"github.com/stretchr/testify/require"
)

func participant(id string) domain.Participant {
	return domain.Participant{ID: domain.ParticipantID(id), DisplayName: id, JoinedAt: time.Now()}
}

func recvEvent(t *testing.T, ch <-chan presence.Event) presence.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no presence event")
	}
	return presence.Event{}
}

func TestMemoryHubBroadcastSkipsSender(t *testing.T) {
	hub := NewMemoryHub()
	a := hub.Join("r", participant("a"))
	b := hub.Join("r", participant("b"))
	c := hub.Join("other", participant("c"))

	require.NoError(t, a.Send(signal.MediaUpdate("a", signal.Media{URL: "u", Kind: "k", By: "A"})))

	select {
	case env := <-b.Envelopes():
		require.Equal(t, signal.TypeMediaUpdate, env.Type)
		require.Equal(t, "u", env.Media.URL)
	case <-time.After(time.Second):
		t.Fatal("b did not receive")
	}
	require.Empty(t, a.Envelopes())
	require.Empty(t, c.Envelopes())
}

func TestMemoryHubPresence(t *testing.T) {
	hub := NewMemoryHub()
	a := hub.Join("r", participant("a"))
	b := hub.Join("r", participant("b"))

	ev := recvEvent(t, a.Events())
	require.Equal(t, presence.Joined, ev.Type)
	require.Equal(t, domain.ParticipantID("b"), ev.Participant.ID)

	ev = recvEvent(t, b.Events())
	require.Equal(t, presence.Joined, ev.Type)
	require.Equal(t, domain.ParticipantID("a"), ev.Participant.ID)

	require.NoError(t, b.Close())
	ev = recvEvent(t, a.Events())
	require.Equal(t, presence.Left, ev.Type)
	require.Equal(t, domain.ParticipantID("b"), ev.Participant.ID)

	select {
	case <-b.Done():
	default:
		t.Fatal("closed relay must report done")
	}
	require.ErrorIs(t, b.Send(signal.JoinAnnounce(participant("b"))), ErrClosed)
	require.NoError(t, b.Close(), "close is idempotent")
	require.Len(t, hub.Members("r"), 1)
}

func TestMemoryHubRejoinReplacesHandle(t *testing.T) {
	hub := NewMemoryHub()
	first := hub.Join("r", participant("a"))
	second := hub.Join("r", participant("a"))

	select {
	case <-first.Done():
	default:
		t.Fatal("old handle must be closed on rejoin")
	}
	require.Len(t, hub.Members("r"), 1)
	require.NoError(t, second.Close())
	require.Empty(t, hub.Members("r"))
}
