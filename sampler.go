package tracemachine

import (
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

// Probe reads one vitals value. ok is false when no reading is available.
type Probe func() (value SampleValue, ok bool)

// Sampler collects vitals while an interaction is live and attaches them
// to the tree when it completes. Register it with Machine.AddListener(s.Listener()).
//
//nolint:govet // Field order groups lock-protected state
type Sampler struct {
	clock    clockz.Clock
	logger   *zap.Logger
	probes   map[SampleType]Probe
	samples  map[SampleType][]Sample
	stopCh   chan struct{}
	done     chan struct{}
	interval time.Duration
	mu       sync.Mutex
	running  bool
}

// NewSampler creates a sampler reading its probes every interval.
func NewSampler(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	return &Sampler{
		clock:    clockz.RealClock,
		logger:   zap.NewNop(),
		probes:   make(map[SampleType]Probe),
		samples:  make(map[SampleType][]Sample),
		interval: interval,
	}
}

// WithClock replaces the sampler clock.
func (s *Sampler) WithClock(clock clockz.Clock) *Sampler {
	s.clock = clock
	return s
}

// WithLogger replaces the sampler logger.
func (s *Sampler) WithLogger(logger *zap.Logger) *Sampler {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// AddProbe registers a probe for a sample type, replacing any previous one.
func (s *Sampler) AddProbe(kind SampleType, probe Probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.probes[kind] = probe
	if _, ok := s.samples[kind]; !ok {
		s.samples[kind] = nil
	}
}

// Listener returns the lifecycle hooks that drive the sampler. It also
// starts on enter, since the sampler may be registered mid-interaction.
func (s *Sampler) Listener() Listener {
	return Listener{
		OnStart: func(*Tree) { s.Start() },
		OnEnter: func(*Span) {
			if !s.IsRunning() {
				s.Start()
			}
		},
		OnComplete: s.finish,
		OnHalt:     func(*Tree) { s.Reset() },
	}
}

// IsRunning reports whether sampling is active.
func (s *Sampler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start clears previous samples, takes one sample immediately and keeps
// sampling every interval until Stop.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.clearLocked()
	s.sampleLocked()

	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stopCh, s.done)

	s.logger.Debug("sampler started", zap.Duration("interval", s.interval))
}

// Stop halts sampling and waits for the loop to exit. Samples are kept.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Debug("sampler stopped")
}

func (s *Sampler) loop(stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case <-s.clock.After(s.interval):
			s.Sample()
		}
	}
}

// Sample reads every probe once.
func (s *Sampler) Sample() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleLocked()
}

func (s *Sampler) sampleLocked() {
	now := s.clock.Now()
	for kind, probe := range s.probes {
		value, ok := s.read(kind, probe)
		if !ok {
			continue
		}
		s.samples[kind] = append(s.samples[kind], Sample{Timestamp: now, Type: kind, Value: value})
	}
}

func (s *Sampler) read(kind SampleType, probe Probe) (value SampleValue, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sampling failed", zap.String("type", string(kind)), zap.Any("error", r))
			ok = false
		}
	}()
	return probe()
}

// Samples returns a copy of the collected samples.
func (s *Sampler) Samples() map[SampleType][]Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyVitals(s.samples)
}

func (s *Sampler) clearLocked() {
	for kind := range s.samples {
		s.samples[kind] = nil
	}
}

// Reset stops sampling and drops collected samples.
func (s *Sampler) Reset() {
	s.Stop()

	s.mu.Lock()
	s.clearLocked()
	s.mu.Unlock()
}

// finish stops sampling and hands the samples to the completed tree.
func (s *Sampler) finish(tree *Tree) {
	s.Stop()
	tree.SetVitals(s.Samples())

	s.mu.Lock()
	s.clearLocked()
	s.mu.Unlock()
}
