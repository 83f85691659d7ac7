package audio

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/roommesh/internal/domain"
)

// Monitor keeps one detector per participant and the resulting speaking set.
type Monitor struct {
	ctx      context.Context
	opts     DetectorOptions
	onChange func(id domain.ParticipantID, speaking bool)

	mu        sync.Mutex
	detectors map[domain.ParticipantID]*Detector
	speaking  map[domain.ParticipantID]bool
}

// NewMonitor builds a monitor whose detectors live at most as long as ctx.
// onChange may be nil; it is called from detector goroutines.
func NewMonitor(ctx context.Context, opts DetectorOptions, onChange func(id domain.ParticipantID, speaking bool)) *Monitor {
	return &Monitor{
		ctx:       ctx,
		opts:      opts,
		onChange:  onChange,
		detectors: make(map[domain.ParticipantID]*Detector),
		speaking:  make(map[domain.ParticipantID]bool),
	}
}

// Track starts detecting on meter for id, replacing any earlier detector.
func (m *Monitor) Track(id domain.ParticipantID, meter Meter) {
	m.Untrack(id)

	d := newDetector(meter, m.opts, nil)
	d.onChange = func(speaking bool) {
		m.mu.Lock()
		if m.detectors[id] != d {
			m.mu.Unlock()
			return
		}
		if speaking {
			m.speaking[id] = true
		} else {
			delete(m.speaking, id)
		}
		m.mu.Unlock()
		if m.onChange != nil {
			m.onChange(id, speaking)
		}
	}
	m.mu.Lock()
	m.detectors[id] = d
	d.start(m.ctx)
	m.mu.Unlock()
}

// Untrack stops the detector for id; id is no longer speaking.
func (m *Monitor) Untrack(id domain.ParticipantID) {
	m.mu.Lock()
	d, ok := m.detectors[id]
	delete(m.detectors, id)
	wasSpeaking := m.speaking[id]
	delete(m.speaking, id)
	m.mu.Unlock()
	if !ok {
		return
	}
	d.Stop()
	if wasSpeaking && m.onChange != nil {
		m.onChange(id, false)
	}
}

func (m *Monitor) StopAll() {
	m.mu.Lock()
	ids := make([]domain.ParticipantID, 0, len(m.detectors))
	for id := range m.detectors {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Untrack(id)
	}
}

func (m *Monitor) IsSpeaking(id domain.ParticipantID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaking[id]
}

// Speaking returns the speaking set ordered by id.
func (m *Monitor) Speaking() []domain.ParticipantID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ParticipantID, 0, len(m.speaking))
	for id := range m.speaking {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
