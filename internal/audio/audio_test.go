package audio

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/roommesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedMeter struct {
	mu     sync.Mutex
	energy float64
	active bool
}

func (m *scriptedMeter) Level() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.energy, m.active
}

func (m *scriptedMeter) set(e float64, active bool) {
	m.mu.Lock()
	m.energy, m.active = e, active
	m.mu.Unlock()
}

func TestPCMMeterRMS(t *testing.T) {
	m := NewPCMMeter()
	m.WriteInt16([]int16{16384, -16384, 16384, -16384})
	e, active := m.Level()
	assert.True(t, active)
	assert.InDelta(t, 0.5, e, 1e-9)

	m.WriteFloat32([]float32{0.01, -0.01})
	e, _ = m.Level()
	assert.InDelta(t, 0.01, e, 1e-6)

	m.Close()
	e, active = m.Level()
	assert.False(t, active)
	assert.Zero(t, e)

	m.WriteInt16([]int16{32767})
	e, active = m.Level()
	assert.False(t, active)
	assert.Zero(t, e)
}

func TestDBovConversion(t *testing.T) {
	assert.Equal(t, uint8(127), EnergyToDBov(0))
	assert.Equal(t, uint8(0), EnergyToDBov(1))
	assert.Equal(t, uint8(20), EnergyToDBov(0.1))
	assert.Zero(t, DBovToEnergy(127))
	assert.InDelta(t, 0.1, DBovToEnergy(20), 1e-9)
	assert.InDelta(t, DefaultThreshold, DBovToEnergy(EnergyToDBov(DefaultThreshold)), 0.002)
}

func levelPacket(t *testing.T, id uint8, level uint8) *rtp.Packet {
	t.Helper()
	raw, err := rtp.AudioLevelExtension{Level: level, Voice: true}.Marshal()
	require.NoError(t, err)
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}}
	require.NoError(t, pkt.Header.SetExtension(id, raw))
	return pkt
}

func TestLevelMeter(t *testing.T) {
	now := time.Unix(0, 0)
	m := NewLevelMeter(1)
	m.now = func() time.Time { return now }

	m.Observe(levelPacket(t, 1, 20))
	e, active := m.Level()
	assert.True(t, active)
	assert.InDelta(t, 0.1, e, 1e-9)

	m.Observe(&rtp.Packet{Header: rtp.Header{Version: 2}})
	e, _ = m.Level()
	assert.Zero(t, e, "packets without a level are silence")

	m.Observe(levelPacket(t, 1, 10))
	now = now.Add(time.Second)
	e, active = m.Level()
	assert.True(t, active)
	assert.Zero(t, e, "a level goes stale without packets")

	m.Close()
	_, active = m.Level()
	assert.False(t, active)
}

func TestDetectorTransitions(t *testing.T) {
	meter := &scriptedMeter{active: true}
	var changes []bool
	d := newDetector(meter, DetectorOptions{}, func(s bool) { changes = append(changes, s) })

	require.True(t, d.tick())
	assert.False(t, d.Speaking())

	meter.set(0.5, true)
	require.True(t, d.tick())
	require.True(t, d.tick())
	assert.True(t, d.Speaking())

	meter.set(0.01, true)
	require.True(t, d.tick())
	assert.False(t, d.Speaking())

	assert.Equal(t, []bool{true, false}, changes)
}

func TestDetectorThresholdIsStrict(t *testing.T) {
	meter := &scriptedMeter{energy: DefaultThreshold, active: true}
	d := newDetector(meter, DetectorOptions{}, nil)
	d.tick()
	assert.False(t, d.Speaking())
}

func TestDetectorEndsWithStream(t *testing.T) {
	meter := &scriptedMeter{energy: 0.9, active: true}
	changed := make(chan bool, 8)
	d := StartDetector(context.Background(), meter, DetectorOptions{Interval: time.Millisecond}, func(s bool) { changed <- s })

	require.True(t, <-changed)
	meter.set(0.9, false)

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("detector did not end with its stream")
	}
	require.False(t, <-changed)
	assert.False(t, d.Speaking())

	meter.set(0.9, true)
	time.Sleep(5 * time.Millisecond)
	assert.False(t, d.Speaking(), "an ended detector never speaks again")
}

func TestDetectorStop(t *testing.T) {
	meter := &scriptedMeter{energy: 0.9, active: true}
	d := StartDetector(context.Background(), meter, DetectorOptions{Interval: time.Millisecond}, nil)
	require.Eventually(t, d.Speaking, time.Second, time.Millisecond)
	d.Stop()
	assert.False(t, d.Speaking())
}

func TestMonitorSpeakingSet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loud := &scriptedMeter{energy: 0.3, active: true}
	quiet := &scriptedMeter{energy: 0.001, active: true}
	m := NewMonitor(ctx, DetectorOptions{Interval: time.Millisecond}, nil)
	m.Track("a", loud)
	m.Track("b", quiet)

	require.Eventually(t, func() bool { return m.IsSpeaking("a") }, time.Second, time.Millisecond)
	assert.Equal(t, []domain.ParticipantID{"a"}, m.Speaking())

	m.Untrack("a")
	assert.Empty(t, m.Speaking())

	quiet.set(0.4, true)
	require.Eventually(t, func() bool { return m.IsSpeaking("b") }, time.Second, time.Millisecond)

	m.StopAll()
	assert.Empty(t, m.Speaking())
}

type fakeReader struct {
	pkts []*rtp.Packet
}

func (r *fakeReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if len(r.pkts) == 0 {
		return nil, nil, context.Canceled
	}
	p := r.pkts[0]
	r.pkts = r.pkts[1:]
	return p, nil, nil
}

func TestPumpClosesMeterOnEnd(t *testing.T) {
	m := NewLevelMeter(3)
	logger := zerolog.Nop()
	Pump(context.Background(), &fakeReader{pkts: []*rtp.Packet{levelPacket(t, 3, 6)}}, m, &logger)
	_, active := m.Level()
	assert.False(t, active)
}

func TestStampWritesLevel(t *testing.T) {
	src := &LevelSource{}
	meter := NewPCMMeter()
	meter.WriteFloat32([]float32{0.1, -0.1})
	src.Set(meter)

	f := &StampFactory{Source: src}
	ic, err := f.NewInterceptor("")
	require.NoError(t, err)

	var got *rtp.Header
	w := ic.BindLocalStream(&interceptor.StreamInfo{
		RTPHeaderExtensions: []interceptor.RTPHeaderExtension{{URI: "urn:ietf:params:rtp-hdrext:ssrc-audio-level", ID: 4}},
	}, interceptor.RTPWriterFunc(func(h *rtp.Header, _ []byte, _ interceptor.Attributes) (int, error) {
		got = h
		return 0, nil
	}))
	_, err = w.Write(&rtp.Header{Version: 2}, []byte{1}, nil)
	require.NoError(t, err)

	var ext rtp.AudioLevelExtension
	require.NoError(t, ext.Unmarshal(got.GetExtension(4)))
	assert.Equal(t, uint8(20), ext.Level)

	src.Set(nil)
	_, err = w.Write(&rtp.Header{Version: 2}, []byte{1}, nil)
	require.NoError(t, err)
	require.NoError(t, ext.Unmarshal(got.GetExtension(4)))
	assert.Equal(t, uint8(127), ext.Level)
}
