//go:build linux && cgo

package mic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/dkeye/roommesh/internal/audio"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Device captures the default microphone through pion/mediadevices and
// encodes it with Opus.
type Device struct{}

func NewDevice() Capturer { return Device{} }

func (Device) Open(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	hasMic := false
	for _, d := range mediadevices.EnumerateDevices() {
		log.Debug().Str("module", "mic").Str("label", d.Label).Str("kind", fmt.Sprint(d.Kind)).Msg("media device")
		if d.Kind == mediadevices.AudioInput {
			hasMic = true
		}
	}
	if !hasMic {
		return nil, ErrUnsupported
	}

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	codecSelector := mediadevices.NewCodecSelector(mediadevices.WithAudioEncoders(&opusParams))

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		Codec: codecSelector,
	})
	if err != nil {
		return nil, classify(err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, ErrUnsupported
	}
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}

	at, ok := tracks[0].(*mediadevices.AudioTrack)
	if !ok {
		_ = tracks[0].Close()
		return nil, fmt.Errorf("%w: unexpected track type %T", ErrUnsupported, tracks[0])
	}
	c := &deviceCapture{track: at, meter: audio.NewPCMMeter(), done: make(chan struct{})}
	at.OnEnded(func(err error) {
		if err != nil {
			log.Warn().Err(err).Str("module", "mic").Msg("local track ended")
		}
		c.meter.Close()
	})

	reader := at.NewReader(false)
	go c.meterLoop(reader)

	log.Info().Str("module", "mic").Str("track_id", at.ID()).Msg("microphone captured")
	return c, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, os.ErrPermission), strings.Contains(strings.ToLower(err.Error()), "permission"):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case strings.Contains(strings.ToLower(err.Error()), "not found"):
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	default:
		return fmt.Errorf("get user media: %w", err)
	}
}

type deviceCapture struct {
	track *mediadevices.AudioTrack
	meter *audio.PCMMeter

	once sync.Once
	done chan struct{}
}

type chunkReader interface {
	Read() (wave.Audio, func(), error)
}

func (c *deviceCapture) meterLoop(r chunkReader) {
	defer c.meter.Close()
	for {
		select {
		case <-c.done:
			return
		default:
		}
		chunk, release, err := r.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "mic").Msg("meter read")
			}
			return
		}
		switch a := chunk.(type) {
		case *wave.Int16Interleaved:
			c.meter.WriteInt16(a.Data)
		case *wave.Float32Interleaved:
			c.meter.WriteFloat32(a.Data)
		}
		if release != nil {
			release()
		}
	}
}

func (c *deviceCapture) Track() webrtc.TrackLocal { return c.track }
func (c *deviceCapture) Meter() audio.Meter       { return c.meter }

func (c *deviceCapture) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.track.Close()
		c.meter.Close()
		log.Info().Str("module", "mic").Msg("microphone released")
	})
	return err
}
