package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/roommesh/internal/app"
	"github.com/dkeye/roommesh/internal/app/orch"
	"github.com/dkeye/roommesh/internal/config"
	"github.com/dkeye/roommesh/internal/domain"
	"github.com/dkeye/roommesh/internal/presence"
	"github.com/dkeye/roommesh/internal/relay"
	"github.com/dkeye/roommesh/internal/signal"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*httptest.Server, *orch.Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	o := &orch.Orchestrator{
		Registry: app.NewRegistry(),
		Rooms:    app.NewRoomManager(),
		Policy:   app.SimplePolicy{},
	}
	cfg := &config.Config{Mode: "test", Secret: "test-secret"}
	srv := httptest.NewServer(SetupRouter(ctx, cfg, o))
	t.Cleanup(srv.Close)
	return srv, o
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
}

func dial(t *testing.T, srv *httptest.Server, room domain.RoomID, name string) (*relay.WSRelay, domain.Participant) {
	t.Helper()
	p, err := domain.NewParticipant(name)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r, err := relay.DialWebSocket(ctx, relay.WSOptions{URL: wsURL(srv), Room: room, Self: *p})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r, *p
}

func nextEvent(t *testing.T, r *relay.WSRelay) presence.Event {
	t.Helper()
	select {
	case ev := <-r.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for presence event")
		return presence.Event{}
	}
}

func nextEnvelope(t *testing.T, r *relay.WSRelay) *signal.Envelope {
	t.Helper()
	select {
	case env := <-r.Envelopes():
		return env
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestRelayRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)

	a, pa := dial(t, srv, "study", "ada")
	b, pb := dial(t, srv, "study", "bob")

	ev := nextEvent(t, a)
	require.Equal(t, presence.Joined, ev.Type)
	require.Equal(t, pb.ID, ev.Participant.ID)

	ev = nextEvent(t, b)
	require.Equal(t, presence.Joined, ev.Type)
	require.Equal(t, pa.ID, ev.Participant.ID)

	require.NoError(t, b.Send(signal.JoinAnnounce(pb)))
	env := nextEnvelope(t, a)
	require.Equal(t, signal.TypeJoinAnnounce, env.Type)
	require.Equal(t, pb.ID, env.From)
	require.Equal(t, "bob", env.Name)

	require.NoError(t, b.Close())
	ev = nextEvent(t, a)
	require.Equal(t, presence.Left, ev.Type)
	require.Equal(t, pb.ID, ev.Participant.ID)
}

func TestRelayDropsSpoofedSender(t *testing.T) {
	srv, _ := newTestServer(t)

	a, _ := dial(t, srv, "study", "ada")
	b, pb := dial(t, srv, "study", "bob")
	nextEvent(t, a)

	spoof := signal.MediaUpdate("someone-else", signal.Media{URL: "https://www.youtube.com/embed/x", Kind: "embeddable-video", By: "eve"})
	require.NoError(t, b.Send(spoof))
	require.NoError(t, b.Send(signal.JoinAnnounce(pb)))

	// Frames from one sender arrive in order, so the spoof would come first.
	env := nextEnvelope(t, a)
	require.Equal(t, signal.TypeJoinAnnounce, env.Type)
}

func TestRelayRejectsBadJoin(t *testing.T) {
	srv, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := relay.DialWebSocket(ctx, relay.WSOptions{
		URL:  wsURL(srv),
		Room: "study",
		Self: domain.Participant{ID: "x", DisplayName: ""},
	})
	require.ErrorIs(t, err, relay.ErrJoinRejected)
}

func TestRoomsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	a, _ := dial(t, srv, "alpha", "ada")
	dial(t, srv, "alpha", "bob")
	nextEvent(t, a)

	resp, err := http.Get(srv.URL + "/api/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Rooms []struct {
			ID          string `json:"id"`
			MemberCount int    `json:"member_count"`
		} `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Rooms, 1)
	require.Equal(t, "alpha", body.Rooms[0].ID)
	require.Equal(t, 2, body.Rooms[0].MemberCount)

	resp2, err := http.Get(srv.URL + "/api/rooms/missing")
	require.NoError(t, err)
	resp2.Body.Close()
	require.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
