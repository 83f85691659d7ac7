package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dkeye/roommesh/internal/audio"
	"github.com/dkeye/roommesh/internal/config"
	"github.com/dkeye/roommesh/internal/domain"
	"github.com/dkeye/roommesh/internal/media"
	"github.com/dkeye/roommesh/internal/mic"
	"github.com/dkeye/roommesh/internal/peer"
	"github.com/dkeye/roommesh/internal/relay"
	"github.com/dkeye/roommesh/internal/room"
	"github.com/spf13/cobra"
)

var ErrUnknownTransport = errors.New("unknown transport")

// roomSession is what the shell drives; *room.Session implements it.
type roomSession interface {
	Self() domain.Participant
	ToggleMicrophone(ctx context.Context) (bool, error)
	MicrophoneOn() bool
	SelectMedia(raw string) (media.Source, error)
	ToggleSync() bool
	Media() media.State
	Links() []peer.Health
	Roster() []domain.Participant
	IsSpeaking(id domain.ParticipantID) bool
	Connectivity() room.Connectivity
	Done() <-chan struct{}
	Leave()
}

// notice is something the room did that the shell reports unprompted.
// Exactly one field is set.
type notice struct {
	speaking *speakingEvent
	media    *media.State
}

type speakingEvent struct {
	id       domain.ParticipantID
	speaking bool
}

func (a *app) joinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "join <room>",
		Short: "Join a study room and talk",
		Long: `Join a study room. Once inside, type commands:

  mic           toggle your microphone
  play <url>    play a YouTube link for the room
  sync          follow or stop following the room radio
  status        relay, microphone, radio and peer links
  who           who is here and who is speaking
  leave         leave the room`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			events := make(chan notice, 64)
			s, err := a.joinRoom(ctx, domain.RoomID(args[0]), events)
			if err != nil {
				return err
			}
			defer s.Leave()

			out := &syncWriter{w: a.out}
			fmt.Fprintf(out, "joined %s as %s, type help for commands\n", args[0], s.Self().DisplayName)
			if a.cfg.Participant.Microphone {
				if _, err := s.ToggleMicrophone(ctx); err != nil {
					fmt.Fprintf(out, "microphone unavailable: %v\n", err)
				}
			}
			return runShell(ctx, s, a.in, out, events)
		},
	}
}

func (a *app) joinRoom(ctx context.Context, roomID domain.RoomID, events chan<- notice) (*room.Session, error) {
	pc := a.cfg.Participant
	self, err := domain.NewParticipant(pc.Name)
	if err != nil {
		return nil, fmt.Errorf("display name (--name): %w", err)
	}
	self.Subject = pc.Subject

	rl, err := dialRelay(ctx, pc, roomID, *self)
	if err != nil {
		return nil, err
	}
	if g, ok := rl.(*relay.GossipRelay); ok {
		for _, addr := range g.Addrs() {
			fmt.Fprintf(a.out, "others can bootstrap from %s\n", addr)
		}
	}

	levels := &audio.LevelSource{}
	factory, err := peer.NewPionFactory(pc.STUN, &audio.StampFactory{Source: levels})
	if err != nil {
		_ = rl.Close()
		return nil, err
	}

	var capturer mic.Capturer = &mic.Synthetic{}
	if pc.Microphone {
		capturer = mic.NewDevice()
	}

	s, err := room.Join(ctx, room.Options{
		Self:     *self,
		Relay:    rl,
		Factory:  factory,
		Capturer: capturer,
		Detector: audio.DetectorOptions{
			Threshold: pc.SpeakingThreshold,
			Interval:  pc.DetectorInterval,
		},
		SyncOnJoin:    pc.SyncOnJoin,
		CandidateHold: pc.CandidateHold,
		Levels:        levels,
		OnSpeaking: func(id domain.ParticipantID, speaking bool) {
			post(events, notice{speaking: &speakingEvent{id: id, speaking: speaking}})
		},
		OnMedia: func(st media.State) {
			post(events, notice{media: &st})
		},
	})
	if err != nil {
		_ = rl.Close()
		return nil, err
	}
	return s, nil
}

// post drops the notice when the shell is behind.
func post(events chan<- notice, n notice) {
	select {
	case events <- n:
	default:
	}
}

func dialRelay(ctx context.Context, pc config.ParticipantConfig, roomID domain.RoomID, self domain.Participant) (relay.Relay, error) {
	switch pc.Transport {
	case "", "ws":
		return relay.DialWebSocket(ctx, relay.WSOptions{URL: pc.RelayURL, Room: roomID, Self: self})
	case "gossip":
		return relay.JoinGossip(ctx, relay.GossipOptions{
			Room:        roomID,
			Self:        self,
			ListenAddrs: pc.Listen,
			Bootstrap:   pc.Bootstrap,
			MDNS:        pc.MDNS,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransport, pc.Transport)
	}
}

// syncWriter serializes prompt output with asynchronous notices.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// runShell reads commands from in until leave, end of input, ctx or the
// session ending.
func runShell(ctx context.Context, s roomSession, in io.Reader, out io.Writer, events <-chan notice) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			case <-s.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.Leave()
			return nil
		case <-s.Done():
			return nil
		case n := <-events:
			announce(out, s, n)
		case line, ok := <-lines:
			if !ok {
				s.Leave()
				return nil
			}
			if done := runCommand(ctx, s, strings.TrimSpace(line), out); done {
				s.Leave()
				fmt.Fprintln(out, "left the room")
				return nil
			}
		}
	}
}

func announce(out io.Writer, s roomSession, n notice) {
	if st := n.media; st != nil {
		if st.URL != "" {
			fmt.Fprintf(out, "room radio: %s (by %s)\n", st.URL, st.AttributedTo)
		}
		return
	}
	ev := n.speaking
	if ev == nil || ev.id == s.Self().ID {
		return
	}
	name := string(ev.id)
	for _, p := range s.Roster() {
		if p.ID == ev.id {
			name = p.DisplayName
			break
		}
	}
	if ev.speaking {
		fmt.Fprintf(out, "%s is speaking\n", name)
	}
}

// runCommand executes one shell line and reports whether the user left.
func runCommand(ctx context.Context, s roomSession, line string, out io.Writer) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "":
	case "mic":
		on, err := s.ToggleMicrophone(ctx)
		if err != nil {
			fmt.Fprintf(out, "microphone: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "microphone %s\n", onOff(on))
	case "play":
		if arg == "" {
			fmt.Fprintln(out, "usage: play <youtube url>")
			return false
		}
		src, err := s.SelectMedia(arg)
		if err != nil {
			fmt.Fprintf(out, "cannot play: %v\n", err)
			return false
		}
		fmt.Fprintf(out, "now playing %s\n", src.URL)
		if !s.Media().SyncEnabled {
			fmt.Fprintln(out, "sync is off, only you hear it")
		}
	case "sync":
		fmt.Fprintf(out, "room radio sync %s\n", onOff(s.ToggleSync()))
	case "status":
		renderSession(out, s.Connectivity(), s.MicrophoneOn(), s.Media())
		renderLinks(out, s.Links(), names(s.Roster()), time.Now())
	case "who":
		renderRoster(out, s.Self().ID, s.Roster(), s.IsSpeaking)
	case "leave", "quit", "exit":
		return true
	case "help":
		fmt.Fprintln(out, "commands: mic, play <url>, sync, status, who, leave")
	default:
		fmt.Fprintf(out, "unknown command %q, try help\n", cmd)
	}
	return false
}

func names(roster []domain.Participant) map[domain.ParticipantID]string {
	out := make(map[domain.ParticipantID]string, len(roster))
	for _, p := range roster {
		out[p.ID] = p.DisplayName
	}
	return out
}
