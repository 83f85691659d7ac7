package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/dkeye/roommesh/internal/domain"
	"github.com/dkeye/roommesh/internal/media"
	"github.com/dkeye/roommesh/internal/peer"
	"github.com/dkeye/roommesh/internal/room"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func renderRoster(w io.Writer, self domain.ParticipantID, roster []domain.Participant, speaking func(domain.ParticipantID) bool) {
	t := newTable(w, "Room")
	t.AppendHeader(table.Row{"Name", "Subject", "Joined", "Speaking"})
	for _, p := range roster {
		name := p.DisplayName
		if p.ID == self {
			name += " (you)"
		}
		mark := ""
		if speaking(p.ID) {
			mark = "🎙"
		}
		joined := ""
		if !p.JoinedAt.IsZero() {
			joined = p.JoinedAt.Local().Format("15:04")
		}
		t.AppendRow(table.Row{name, p.Subject, joined, mark})
	}
	t.Render()
}

func renderLinks(w io.Writer, links []peer.Health, names map[domain.ParticipantID]string, now time.Time) {
	t := newTable(w, "Peers")
	t.AppendHeader(table.Row{"Peer", "Link", "Transport", "Sending", "Receiving", "Age"})
	for _, h := range links {
		name := names[h.Remote]
		if name == "" {
			name = string(h.Remote)
		}
		t.AppendRow(table.Row{
			name,
			h.State.String(),
			h.Transport.String(),
			yesNo(h.SendingAudio),
			yesNo(h.ReceivingAudio),
			now.Sub(h.Since).Truncate(time.Second).String(),
		})
	}
	if len(links) == 0 {
		t.AppendFooter(table.Row{"nobody else here yet"})
	}
	t.Render()
}

func renderSession(w io.Writer, conn room.Connectivity, micOn bool, st media.State) {
	t := newTable(w, "")
	t.AppendRow(table.Row{"Relay", conn.String()})
	t.AppendRow(table.Row{"Microphone", onOff(micOn)})
	playing := st.URL
	if playing == "" {
		playing = "nothing"
	} else if st.AttributedTo != "" {
		playing = fmt.Sprintf("%s (by %s)", st.URL, st.AttributedTo)
	}
	t.AppendRow(table.Row{"Radio", playing})
	t.AppendRow(table.Row{"Sync", onOff(st.SyncEnabled)})
	t.Render()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
