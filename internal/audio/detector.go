package audio

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultThreshold = 0.02
	DefaultInterval  = 20 * time.Millisecond
)

type DetectorOptions struct {
	Threshold float64
	Interval  time.Duration
}

func (o *DetectorOptions) withDefaults() {
	if o.Threshold <= 0 {
		o.Threshold = DefaultThreshold
	}
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
}

// Detector samples a Meter at a fixed cadence and reports speaking whenever
// the energy exceeds the threshold. It ends when its stream does, and then
// reports not speaking for good.
type Detector struct {
	meter    Meter
	opts     DetectorOptions
	onChange func(speaking bool)

	mu       sync.Mutex
	speaking bool
	ended    bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newDetector(meter Meter, opts DetectorOptions, onChange func(bool)) *Detector {
	opts.withDefaults()
	return &Detector{
		meter:    meter,
		opts:     opts,
		onChange: onChange,
		done:     make(chan struct{}),
	}
}

// StartDetector runs a detector for meter until ctx is done, Stop is called
// or the meter goes inactive. onChange is called from the detector's
// goroutine on every transition.
func StartDetector(ctx context.Context, meter Meter, opts DetectorOptions, onChange func(speaking bool)) *Detector {
	d := newDetector(meter, opts, onChange)
	d.start(ctx)
	return d
}

func (d *Detector) start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	go d.run(ctx)
}

func (d *Detector) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()
	defer d.end()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.tick() {
				return
			}
		}
	}
}

// tick takes one sample. It reports false once the stream has ended.
func (d *Detector) tick() bool {
	energy, active := d.meter.Level()
	if !active {
		return false
	}
	d.set(energy > d.opts.Threshold)
	return true
}

func (d *Detector) set(speaking bool) {
	d.mu.Lock()
	if d.ended || d.speaking == speaking {
		d.mu.Unlock()
		return
	}
	d.speaking = speaking
	d.mu.Unlock()
	if d.onChange != nil {
		d.onChange(speaking)
	}
}

func (d *Detector) end() {
	d.set(false)
	d.mu.Lock()
	d.ended = true
	d.mu.Unlock()
}

func (d *Detector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Stop cancels the detector and waits for it to finish.
func (d *Detector) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
		return
	}
	d.end()
}

func (d *Detector) Done() <-chan struct{} { return d.done }
