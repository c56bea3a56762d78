// Package vad derives speaking transitions from a microphone's frequency
// bins. Readings are normalized to 0..100 and compared against a threshold;
// listeners hear about crossings only, never individual samples.
package vad

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultThreshold = 15
	DefaultRate      = 60
)

var (
	ErrMicrophoneDenied = errors.New("microphone access denied")
	ErrAlreadyStarted   = errors.New("detector already started")
)

// Source yields frequency-domain magnitude bins, each 0..255.
type Source interface {
	Open(ctx context.Context) error
	Sample() ([]uint8, error)
	Close() error
}

type Transition struct {
	Speaking bool
	Level    int
	At       time.Time
}

// State is a point-in-time view of the detector. Active is false until a
// source opened successfully and after Stop.
type State struct {
	Active    bool
	Muted     bool
	Level     int
	Speaking  bool
	ChangedAt time.Time
}

type Detector struct {
	threshold int
	interval  time.Duration
	now       func() time.Time
	log       zerolog.Logger

	mu        sync.Mutex
	listeners []func(Transition)
	source    Source
	active    bool
	muted     bool
	level     int
	speaking  bool
	changedAt time.Time

	// loop control; guarded by mu, waited on outside it
	cancel context.CancelFunc
	done   chan struct{}
}

type Option func(*Detector)

func WithThreshold(level int) Option {
	return func(d *Detector) { d.threshold = level }
}

// WithRate sets the sampling frequency in Hz.
func WithRate(hz int) Option {
	return func(d *Detector) {
		if hz > 0 {
			d.interval = time.Second / time.Duration(hz)
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(d *Detector) { d.log = log.With().Str("module", "vad").Logger() }
}

func New(opts ...Option) *Detector {
	d := &Detector{
		threshold: DefaultThreshold,
		interval:  time.Second / DefaultRate,
		now:       time.Now,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OnTransition registers fn for speaking transitions. Listeners run on the
// goroutine that observed the crossing, in registration order.
func (d *Detector) OnTransition(fn func(Transition)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, fn)
}

// Normalize averages bins and scales the result to 0..100.
func Normalize(bins []uint8) int {
	if len(bins) == 0 {
		return 0
	}
	sum := 0
	for _, b := range bins {
		sum += int(b)
	}
	return (sum*100/len(bins) + 127) / 255
}

// Start opens src and begins sampling unless the detector is muted. A source
// that fails to open leaves the detector inactive; it is not retried.
func (d *Detector) Start(ctx context.Context, src Source) error {
	d.mu.Lock()
	if d.active {
		d.mu.Unlock()
		return ErrAlreadyStarted
	}
	d.mu.Unlock()

	if err := src.Open(ctx); err != nil {
		d.log.Warn().Err(err).Msg("audio source unavailable")
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.source = src
	d.active = true
	if !d.muted {
		d.startLoopLocked()
	}
	return nil
}

func (d *Detector) startLoopLocked() {
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d.cancel = cancel
	d.done = done
	go d.loop(ctx, d.source, done)
}

// stopLoop cancels the sampling goroutine and waits for it to exit.
func (d *Detector) stopLoop() {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (d *Detector) loop(ctx context.Context, src Source, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bins, err := src.Sample()
			if err != nil {
				d.log.Debug().Err(err).Msg("sample failed")
				continue
			}
			d.Feed(Normalize(bins))
		}
	}
}

// Feed applies one normalized reading. It is what the sampling loop calls on
// every tick.
func (d *Detector) Feed(level int) {
	d.mu.Lock()
	d.level = level
	speaking := level > d.threshold
	if speaking == d.speaking {
		d.mu.Unlock()
		return
	}
	tr := d.transitionLocked(speaking)
	listeners := d.listeners
	d.mu.Unlock()

	notify(listeners, tr)
}

func (d *Detector) transitionLocked(speaking bool) Transition {
	d.speaking = speaking
	d.changedAt = d.now()
	return Transition{Speaking: speaking, Level: d.level, At: d.changedAt}
}

func notify(listeners []func(Transition), tr Transition) {
	for _, fn := range listeners {
		fn(tr)
	}
}

// SetMuted stops sampling entirely while muted. Muting mid-speech reports
// the end of speech.
func (d *Detector) SetMuted(muted bool) {
	if muted {
		d.stopLoop()
	}

	d.mu.Lock()
	if d.muted == muted {
		d.mu.Unlock()
		return
	}
	d.muted = muted

	var (
		tr        Transition
		fire      bool
		listeners = d.listeners
	)
	if muted {
		d.level = 0
		if d.speaking {
			tr, fire = d.transitionLocked(false), true
		}
	} else if d.active {
		d.startLoopLocked()
	}
	d.mu.Unlock()

	if fire {
		notify(listeners, tr)
	}
}

// Stop halts sampling and releases the source.
func (d *Detector) Stop() error {
	d.stopLoop()

	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return nil
	}
	src := d.source
	d.source = nil
	d.active = false
	d.level = 0
	var (
		tr        Transition
		fire      bool
		listeners = d.listeners
	)
	if d.speaking {
		tr, fire = d.transitionLocked(false), true
	}
	d.mu.Unlock()

	if fire {
		notify(listeners, tr)
	}
	return src.Close()
}

func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return State{
		Active:    d.active,
		Muted:     d.muted,
		Level:     d.level,
		Speaking:  d.speaking,
		ChangedAt: d.changedAt,
	}
}
