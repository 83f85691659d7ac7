// Package mic acquires the local microphone, the one exclusive device a
// participant holds.
package mic

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/roommesh/internal/audio"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrUnsupported      = errors.New("microphone capture unsupported")
)

// Capture is a running microphone capture. Close stops the device and ends
// the track and meter.
type Capture interface {
	Track() webrtc.TrackLocal
	Meter() audio.Meter
	Close() error
}

// Capturer opens the microphone. Open may block while the device starts.
type Capturer interface {
	Open(ctx context.Context) (Capture, error)
}

// Synthetic is a Capturer without hardware: its track never carries samples
// and its meter is driven through WritePCM. Useful headless and in tests.
type Synthetic struct {
	// Err, when set, is returned by Open instead of a capture.
	Err error

	mu     sync.Mutex
	opened int
	last   *SyntheticCapture
}

func (s *Synthetic) Open(ctx context.Context) (Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return nil, s.Err
	}
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "mic-"+uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}
	s.opened++
	s.last = &SyntheticCapture{track: track, meter: audio.NewPCMMeter()}
	return s.last, nil
}

// Opened counts successful opens.
func (s *Synthetic) Opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Last returns the newest capture, nil before the first open.
func (s *Synthetic) Last() *SyntheticCapture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

type SyntheticCapture struct {
	track *webrtc.TrackLocalStaticSample
	meter *audio.PCMMeter

	mu     sync.Mutex
	closed bool
}

func (c *SyntheticCapture) Track() webrtc.TrackLocal { return c.track }
func (c *SyntheticCapture) Meter() audio.Meter       { return c.meter }

func (c *SyntheticCapture) WritePCM(samples []int16) { c.meter.WriteInt16(samples) }

func (c *SyntheticCapture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.meter.Close()
	return nil
}

func (c *SyntheticCapture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
