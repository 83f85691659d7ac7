package audio

import (
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
)

// LevelSource holds the meter of the current local capture, if any.
type LevelSource struct {
	meter atomic.Pointer[meterBox]
}

type meterBox struct{ m Meter }

func (s *LevelSource) Set(m Meter) {
	if m == nil {
		s.meter.Store(nil)
		return
	}
	s.meter.Store(&meterBox{m: m})
}

func (s *LevelSource) dBov() uint8 {
	b := s.meter.Load()
	if b == nil {
		return silentDBov
	}
	e, active := b.m.Level()
	if !active {
		return silentDBov
	}
	return EnergyToDBov(e)
}

// StampFactory builds interceptors that write the local capture level into
// outgoing audio packets, so remote peers can meter us without decoding.
type StampFactory struct {
	Source *LevelSource
}

func (f *StampFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return &stampInterceptor{source: f.Source}, nil
}

type stampInterceptor struct {
	interceptor.NoOp
	source *LevelSource
}

func (s *stampInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	var id uint8
	for _, ext := range info.RTPHeaderExtensions {
		if ext.URI == sdp.AudioLevelURI {
			id = uint8(ext.ID)
		}
	}
	if id == 0 || s.source == nil {
		return writer
	}
	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		level := s.source.dBov()
		raw, err := rtp.AudioLevelExtension{Level: level, Voice: level < silentDBov}.Marshal()
		if err == nil {
			_ = header.SetExtension(id, raw)
		}
		return writer.Write(header, payload, attributes)
	})
}
