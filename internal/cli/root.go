// Package cli is the studyroom command line: join a room, list rooms on a
// relay and check media links.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dkeye/roommesh/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// flagKeys maps persistent flags onto config keys.
var flagKeys = map[string]string{
	"name":           "participant.name",
	"subject":        "participant.subject",
	"transport":      "participant.transport",
	"relay":          "participant.relay_url",
	"stun":           "participant.stun_servers",
	"listen":         "participant.listen",
	"bootstrap":      "participant.bootstrap",
	"mdns":           "participant.mdns",
	"log-level":      "log_level",
	"threshold":      "participant.speaking_threshold",
	"candidate-hold": "participant.candidate_hold",
}

type app struct {
	loader *config.Loader
	cfg    *config.Config
	out    io.Writer
	in     io.Reader
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(os.Stdin, os.Stdout)
}

func newRootCmd(in io.Reader, out io.Writer) *cobra.Command {
	a := &app{loader: config.NewLoader(), out: out, in: in}

	root := &cobra.Command{
		Use:   "studyroom",
		Short: "Voice study rooms with a shared radio, peer to peer",
		Long: `studyroom joins a room where every participant talks over a direct
WebRTC mesh and the room can listen to the same YouTube stream.

Examples:
  studyroom join library --name Ada
  studyroom join library --transport gossip --name Bo
  studyroom rooms
  studyroom parse https://youtu.be/jfKfPfyJRdk`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load(cmd.Flags())
		},
	}

	fs := root.PersistentFlags()
	fs.String("name", "", "display name shown to the room")
	fs.String("subject", "", "what you are studying")
	fs.String("transport", "ws", "signaling transport: ws or gossip")
	fs.String("relay", "ws://localhost:8080/api/ws/signal", "relay server websocket url")
	fs.StringSlice("stun", []string{"stun:stun.l.google.com:19302"}, "STUN server urls")
	fs.StringSlice("listen", []string{"/ip4/0.0.0.0/tcp/0"}, "libp2p listen multiaddrs (gossip)")
	fs.StringSlice("bootstrap", nil, "libp2p peers to dial (gossip)")
	fs.Bool("mdns", true, "discover room peers on the LAN (gossip)")
	fs.Bool("no-sync", false, "do not follow the room radio")
	fs.Bool("no-mic", false, "use a silent microphone instead of the device")
	fs.String("log-level", "warn", "log level")
	fs.Float64("threshold", 0.02, "speaking energy threshold")
	fs.Duration("candidate-hold", 0, "how long to hold early ICE candidates")

	root.AddCommand(a.joinCmd(), a.roomsCmd(), a.parseCmd())
	return root
}

// load binds changed flags into viper and decodes the config. Flags left at
// their default do not shadow the file or environment.
func (a *app) load(fs *pflag.FlagSet) error {
	v := a.loader.Viper()
	// Client default; the file, environment or --log-level override it.
	v.SetDefault("log_level", "warn")
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		key := flagKeys[f.Name]
		if key == "" || !f.Changed {
			return
		}
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
		}
	})
	if bindErr != nil {
		return bindErr
	}
	if noSync, _ := fs.GetBool("no-sync"); noSync {
		v.Set("participant.sync_on_join", false)
	}
	if noMic, _ := fs.GetBool("no-mic"); noMic {
		v.Set("participant.microphone", false)
	}

	cfg, err := a.loader.Load()
	if err != nil {
		return err
	}
	a.cfg = cfg
	config.ApplyLogLevel(cfg.LogLevel)
	return nil
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
}
