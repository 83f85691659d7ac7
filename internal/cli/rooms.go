package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dkeye/roommesh/internal/core"
	"github.com/dkeye/roommesh/internal/media"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

const roomsTimeout = 5 * time.Second

func (a *app) roomsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rooms",
		Short: "List rooms on the relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), roomsTimeout)
			defer cancel()
			rooms, err := fetchRooms(ctx, a.cfg.Participant.RelayURL)
			if err != nil {
				return err
			}
			t := newTable(a.out, "Rooms")
			t.AppendHeader(table.Row{"Room", "Members"})
			for _, r := range rooms {
				t.AppendRow(table.Row{r.ID, r.MemberCount})
			}
			if len(rooms) == 0 {
				t.AppendFooter(table.Row{"no open rooms"})
			}
			t.Render()
			return nil
		},
	}
}

// roomsURL turns the relay websocket url into the rooms listing endpoint.
func roomsURL(relayURL string) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("relay url: unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/rooms"
	u.RawQuery = ""
	return u.String(), nil
}

func fetchRooms(ctx context.Context, relayURL string) ([]core.RoomInfo, error) {
	endpoint, err := roomsURL(relayURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list rooms: %s", resp.Status)
	}
	var body struct {
		Rooms []core.RoomInfo `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return body.Rooms, nil
}

func (a *app) parseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse <url>",
		Short: "Check that a link can play on the room radio",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			src, err := media.ParseSource(args[0])
			if err != nil {
				return err
			}
			printSource(a.out, src)
			return nil
		},
	}
}

func printSource(w io.Writer, src media.Source) {
	t := newTable(w, "")
	t.AppendRow(table.Row{"Kind", src.Kind})
	t.AppendRow(table.Row{"Video", src.VideoID})
	t.AppendRow(table.Row{"Start", fmt.Sprintf("%ds", src.Start)})
	t.AppendRow(table.Row{"Embed", src.URL})
	t.Render()
}
