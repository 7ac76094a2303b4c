package location

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/driverlink/internal/apperr"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultDistance = 50.0
)

// Options configures the continuous subscription. The platform emits when
// either the interval has elapsed or the distance was covered.
type Options struct {
	Interval time.Duration
	Distance float64
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Distance <= 0 {
		o.Distance = DefaultDistance
	}
	return o
}

// Platform is the device location API.
type Platform interface {
	RequestForeground(ctx context.Context) (bool, error)
	RequestBackground(ctx context.Context) (bool, error)
	// Watch emits positions until ctx is cancelled, then closes the channel.
	Watch(ctx context.Context, opts Options) (<-chan Position, error)
	Current(ctx context.Context) (Position, error)
}

// Sampler owns the single continuous subscription.
type Sampler struct {
	platform Platform
	logger   *slog.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	last       *Sample
	background bool
}

func NewSampler(p Platform, logger *slog.Logger) *Sampler {
	return &Sampler{platform: p, logger: logger}
}

// Start requests permission and begins delivering samples to fn. A denied
// foreground permission fails with apperr.ErrPermission. A denied background
// permission only degrades tracking to foreground. Calling Start while
// started is a no-op.
func (s *Sampler) Start(ctx context.Context, opts Options, fn func(Sample)) error {
	s.mu.Lock()
	running := s.cancel != nil
	s.mu.Unlock()
	if running {
		return nil
	}

	granted, err := s.platform.RequestForeground(ctx)
	if err != nil {
		return apperr.New(apperr.ErrPermission, "request foreground permission", err)
	}
	if !granted {
		return apperr.New(apperr.ErrPermission, "request foreground permission", nil)
	}

	background, err := s.platform.RequestBackground(ctx)
	if err != nil || !background {
		s.logger.Warn("background location not granted, tracking limited to foreground", "error", err)
		background = false
	}

	opts = opts.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil // lost a race with another Start
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	positions, err := s.platform.Watch(watchCtx, opts)
	if err != nil {
		cancel()
		return fmt.Errorf("watch position: %w", err)
	}

	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.background = background

	go s.run(watchCtx, positions, done, fn)

	s.logger.Info("location sampling started", "interval", opts.Interval, "distance", opts.Distance, "background", background)
	return nil
}

func (s *Sampler) run(ctx context.Context, positions <-chan Position, done chan struct{}, fn func(Sample)) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-positions:
			if !ok {
				return
			}
			sample := NewSample(p)

			s.mu.Lock()
			if ctx.Err() != nil {
				s.mu.Unlock()
				return
			}
			s.last = &sample
			s.mu.Unlock()

			fn(sample)
		}
	}
}

// Stop cancels the subscription and clears the retained sample. It is safe
// to call when never started.
func (s *Sampler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	if cancel != nil {
		// Cancelled under the lock so run cannot store a sample after
		// last is cleared.
		cancel()
	}
	s.cancel, s.done = nil, nil
	s.last = nil
	s.background = false
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	<-done
	s.logger.Info("location sampling stopped")
}

// Running reports whether the subscription is active.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// BackgroundGranted reports whether the running subscription may keep
// emitting while the app is backgrounded.
func (s *Sampler) BackgroundGranted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.background
}

// Last returns the most recent sample of the running subscription.
func (s *Sampler) Last() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return Sample{}, false
	}
	return *s.last, true
}

// Current takes a one-shot sample. While the subscription runs and has not
// emitted yet, the sample also becomes Last.
func (s *Sampler) Current(ctx context.Context) (Sample, error) {
	p, err := s.platform.Current(ctx)
	if err != nil {
		return Sample{}, apperr.New(apperr.ErrLocation, "current position", err)
	}
	sample := NewSample(p)

	s.mu.Lock()
	if s.cancel != nil && s.last == nil {
		s.last = &sample
	}
	s.mu.Unlock()
	return sample, nil
}

// CheckPermission re-validates foreground permission.
func (s *Sampler) CheckPermission(ctx context.Context) (bool, error) {
	granted, err := s.platform.RequestForeground(ctx)
	if err != nil {
		return false, apperr.New(apperr.ErrPermission, "check permission", err)
	}
	return granted, nil
}
