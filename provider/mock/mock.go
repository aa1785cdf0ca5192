package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	ce "github.com/ineyio/creditengine"
)

// Submitter is a mock provider for testing.
type Submitter struct {
	name      string
	latency   time.Duration
	failAfter int
	staticErr error
	failFunc  func(n int64, spec ce.JobSpec) error
	callCount atomic.Int64

	mu    sync.Mutex
	specs []ce.JobSpec
}

var _ ce.Submitter = (*Submitter)(nil)

// Option configures a mock Submitter.
type Option func(*Submitter)

// New creates a mock submitter with the given options.
func New(opts ...Option) *Submitter {
	s := &Submitter{name: "mock"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(s *Submitter) { s.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(s *Submitter) { s.latency = d }
}

// WithFailAfter makes the submitter fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(s *Submitter) { s.failAfter = n }
}

// WithError makes the submitter always return this error.
func WithError(err error) Option {
	return func(s *Submitter) { s.staticErr = err }
}

// WithFailFunc decides per call (1-based) whether to fail.
func WithFailFunc(fn func(n int64, spec ce.JobSpec) error) Option {
	return func(s *Submitter) { s.failFunc = fn }
}

func (s *Submitter) Name() string { return s.name }

// Submit returns "req-<n>" for the n-th call unless configured to fail.
func (s *Submitter) Submit(ctx context.Context, spec ce.JobSpec) (string, error) {
	if s.latency > 0 {
		select {
		case <-time.After(s.latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	n := s.callCount.Add(1)

	s.mu.Lock()
	s.specs = append(s.specs, spec)
	s.mu.Unlock()

	if s.staticErr != nil {
		return "", s.staticErr
	}
	if s.failAfter > 0 && int(n) > s.failAfter {
		return "", ce.ErrProviderUnavailable
	}
	if s.failFunc != nil {
		if err := s.failFunc(n, spec); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("req-%d", n), nil
}

// CallCount returns the number of calls made to the submitter.
func (s *Submitter) CallCount() int64 { return s.callCount.Load() }

// Specs returns a copy of every submitted spec in call order.
func (s *Submitter) Specs() []ce.JobSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ce.JobSpec(nil), s.specs...)
}
