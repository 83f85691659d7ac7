package core

import (
	"errors"
	"testing"
	"time"

	"github.com/dkeye/roommesh/internal/domain"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	frames []Frame
	full   bool
	closed bool
}

func (c *fakeConn) TrySend(f Frame) error {
	if c.full {
		return errors.New("full")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() { c.closed = true }

func member(id string, joined time.Time) (*fakeConn, MemberSession) {
	conn := &fakeConn{}
	p := &domain.Participant{ID: domain.ParticipantID(id), DisplayName: id, JoinedAt: joined}
	return conn, NewMemberSession(domain.NewMember(p), conn)
}

func TestRoomBroadcastSkipsSenderAndReportsDrops(t *testing.T) {
	room := NewRoomService(&domain.Room{ID: "r"})
	now := time.Now()
	ca, a := member("a", now)
	cb, b := member("b", now.Add(time.Second))
	cc, c := member("c", now.Add(2*time.Second))
	cc.full = true

	room.AddMember("sa", a)
	room.AddMember("sb", b)
	room.AddMember("sc", c)

	res := room.Broadcast("sa", Frame("hello"))
	require.Equal(t, 1, res.SendTo)
	require.Equal(t, []SessionID{"sc"}, res.Dropped)
	require.Empty(t, ca.frames)
	require.Equal(t, []Frame{Frame("hello")}, cb.frames)
	require.False(t, cc.closed, "room never closes adapter resources")
}

func TestRoomMembership(t *testing.T) {
	room := NewRoomService(&domain.Room{ID: "r"})
	now := time.Now()
	_, a := member("a", now.Add(time.Second))
	_, b := member("b", now)
	room.AddMember("sa", a)
	room.AddMember("sb", b)

	snap := room.MembersSnapshot()
	require.Len(t, snap, 2)
	require.Equal(t, domain.ParticipantID("b"), snap[0].ID, "ordered by join time")

	sid, ok := room.SessionOf("a")
	require.True(t, ok)
	require.Equal(t, SessionID("sa"), sid)

	ms, ok := room.RemoveMember("sa")
	require.True(t, ok)
	require.Equal(t, domain.ParticipantID("a"), ms.Meta().Participant.ID)
	_, ok = room.SessionOf("a")
	require.False(t, ok)
	_, ok = room.RemoveMember("sa")
	require.False(t, ok)
	require.Equal(t, 1, room.MemberCount())
}
