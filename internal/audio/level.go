package audio

import (
	"context"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// RTPReader is the read side of a remote track.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// staleAfter is how long a level holds without new packets. A sender that
// stops sending (muted, or no track) reads as silence after it.
const staleAfter = 250 * time.Millisecond

// LevelMeter measures a remote stream from the RFC 6464 audio level header
// extension. Packets without the extension count as silence.
type LevelMeter struct {
	extID uint8
	now   func() time.Time

	mu     sync.Mutex
	energy float64
	at     time.Time
	closed bool
}

func NewLevelMeter(extID uint8) *LevelMeter {
	return &LevelMeter{extID: extID, now: time.Now}
}

// Observe updates the meter from one RTP packet.
func (m *LevelMeter) Observe(pkt *rtp.Packet) {
	energy := 0.0
	if m.extID != 0 {
		if raw := pkt.GetExtension(m.extID); raw != nil {
			var ext rtp.AudioLevelExtension
			if err := ext.Unmarshal(raw); err == nil {
				energy = DBovToEnergy(ext.Level)
			}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.energy = energy
		m.at = m.now()
	}
}

func (m *LevelMeter) Level() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, false
	}
	if m.now().Sub(m.at) > staleAfter {
		return 0, true
	}
	return m.energy, true
}

func (m *LevelMeter) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.energy = 0
}

// Pump reads src until it fails or ctx is done, feeding m. The meter is
// closed on return.
func Pump(ctx context.Context, src RTPReader, m *LevelMeter, logger *zerolog.Logger) {
	defer m.Close()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("level pump ctx done")
			return
		default:
		}
		pkt, _, err := src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("level pump read RTP error, stopping")
			return
		}
		m.Observe(pkt)
	}
}
