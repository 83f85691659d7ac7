// Package audio decides who is speaking. Meters turn an audio stream into a
// short-time energy; detectors compare it to a threshold at a fixed cadence.
package audio

import (
	"math"
	"sync"
)

// Meter reports the current short-time energy of a stream in [0,1] and
// whether the stream is still live. Once inactive a meter stays inactive.
type Meter interface {
	Level() (energy float64, active bool)
}

// PCMMeter measures locally captured PCM frames as RMS amplitude.
type PCMMeter struct {
	mu     sync.Mutex
	energy float64
	closed bool
}

func NewPCMMeter() *PCMMeter { return &PCMMeter{} }

func (m *PCMMeter) WriteInt16(samples []int16) {
	if len(samples) == 0 {
		return
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	m.set(math.Sqrt(sum / float64(len(samples))))
}

func (m *PCMMeter) WriteFloat32(samples []float32) {
	if len(samples) == 0 {
		return
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	m.set(math.Sqrt(sum / float64(len(samples))))
}

func (m *PCMMeter) set(e float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.energy = clamp01(e)
}

func (m *PCMMeter) Level() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.energy, !m.closed
}

// Close marks the stream ended.
func (m *PCMMeter) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.energy = 0
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || math.IsNaN(v):
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// silentDBov is the RFC 6464 level of digital silence.
const silentDBov = 127

// EnergyToDBov converts an RMS amplitude to an RFC 6464 level in -dBov.
func EnergyToDBov(e float64) uint8 {
	if e <= 0 {
		return silentDBov
	}
	db := -20 * math.Log10(clamp01(e))
	if db > silentDBov {
		return silentDBov
	}
	return uint8(math.Round(db))
}

// DBovToEnergy is the inverse of EnergyToDBov.
func DBovToEnergy(level uint8) float64 {
	if level >= silentDBov {
		return 0
	}
	return math.Pow(10, -float64(level)/20)
}
