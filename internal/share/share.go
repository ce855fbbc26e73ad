// Package share publishes generated documents so they can be opened outside
// the live session.
//
// A [Service] writes to an ordered list of [Store] backends: the public paste
// service first, then the PostgreSQL archive when the paste service is
// unavailable. Each backend sits behind its own circuit breaker. Reads try
// every backend in the same order until one knows the id.
package share

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MrWong99/vibecanvas/internal/observe"
	"github.com/MrWong99/vibecanvas/internal/resilience"
)

var (
	// ErrNotFound is returned when no backend has a paste with the given id.
	ErrNotFound = errors.New("share: paste not found")

	// ErrEmptyContent is returned for blank documents, both when publishing
	// and when a backend returns an empty body.
	ErrEmptyContent = errors.New("share: empty content")
)

// Paste identifies a document stored by one backend.
type Paste struct {
	// ID is the backend-assigned identifier.
	ID string

	// URL is the backend's own link to the document, if it has one.
	URL string
}

// Store is one backend that can hold shared documents.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Put stores content and returns its identifier.
	Put(ctx context.Context, content string) (Paste, error)

	// Get returns the content stored under id, or [ErrNotFound].
	Get(ctx context.Context, id string) (string, error)
}

// Result is returned to clients after a successful publish.
type Result struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Store string `json:"store"`
}

// Option is a functional option for configuring a Service.
type Option func(*Service)

// WithFallback appends a backend tried after the ones already registered.
func WithFallback(s Store) Option {
	return func(svc *Service) {
		if s != nil {
			svc.stores = append(svc.stores, s)
		}
	}
}

// WithPublicBaseURL makes Put return links to this application's viewer
// (base + "/view/" + id) instead of the backend's own URL.
func WithPublicBaseURL(base string) Option {
	return func(svc *Service) { svc.publicBase = strings.TrimRight(base, "/") }
}

// WithBreaker configures the circuit breaker placed in front of every
// backend. Zero values keep the breaker defaults.
func WithBreaker(maxFailures int, resetTimeout time.Duration) Option {
	return func(svc *Service) {
		svc.breaker.MaxFailures = maxFailures
		svc.breaker.ResetTimeout = resetTimeout
	}
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(svc *Service) {
		if m != nil {
			svc.metrics = m
		}
	}
}

// Service publishes and retrieves shared documents.
type Service struct {
	stores     []Store
	group      *resilience.FallbackGroup[Store]
	publicBase string
	breaker    resilience.CircuitBreakerConfig
	metrics    *observe.Metrics
}

// NewService creates a Service with primary as the first backend.
func NewService(primary Store, opts ...Option) *Service {
	svc := &Service{
		stores:  []Store{primary},
		breaker: resilience.CircuitBreakerConfig{IsFailure: isBackendFailure},
	}
	for _, o := range opts {
		o(svc)
	}
	if svc.metrics == nil {
		svc.metrics = observe.DefaultMetrics()
	}

	cfg := resilience.FallbackConfig{CircuitBreaker: svc.breaker}
	svc.group = resilience.NewFallbackGroup(svc.stores[0], svc.stores[0].Name(), cfg)
	for _, s := range svc.stores[1:] {
		svc.group.AddFallback(s.Name(), s)
	}
	return svc
}

// isBackendFailure keeps lookups of unknown ids from tripping a breaker.
func isBackendFailure(err error) bool {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrEmptyContent) {
		return false
	}
	return resilience.DefaultIsFailure(err)
}

// Put publishes content on the first backend that accepts it.
func (s *Service) Put(ctx context.Context, content string) (Result, error) {
	if strings.TrimSpace(content) == "" {
		return Result{}, ErrEmptyContent
	}
	ctx, span := observe.StartSpan(ctx, "share.put")
	defer span.End()

	paste, store, err := resilience.ExecuteWithResult(ctx, s.group, func(ctx context.Context, st Store) (Paste, error) {
		return timed(ctx, s.metrics, st.Name(), "put", func() (Paste, error) { return st.Put(ctx, content) })
	})
	if err != nil {
		span.RecordError(err)
		return Result{}, fmt.Errorf("share: put: %w", err)
	}

	res := Result{ID: paste.ID, URL: paste.URL, Store: store}
	if s.publicBase != "" {
		res.URL = s.publicBase + "/view/" + paste.ID
	}
	observe.Logger(ctx).Info("document shared", "store", store, "id", paste.ID)
	return res, nil
}

// Get returns the content stored under id by any backend.
func (s *Service) Get(ctx context.Context, id string) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "", ErrNotFound
	}
	ctx, span := observe.StartSpan(ctx, "share.get")
	defer span.End()

	var missing atomic.Bool
	content, _, err := resilience.ExecuteWithResult(ctx, s.group, func(ctx context.Context, st Store) (string, error) {
		c, err := timed(ctx, s.metrics, st.Name(), "get", func() (string, error) { return st.Get(ctx, id) })
		if errors.Is(err, ErrNotFound) {
			missing.Store(true)
		}
		return c, err
	})
	switch {
	case err == nil:
		return content, nil
	// A backend that answered "unknown id" outranks one skipped by its breaker.
	case errors.Is(err, ErrNotFound), missing.Load() && errors.Is(err, resilience.ErrCircuitOpen):
		return "", ErrNotFound
	case errors.Is(err, ErrEmptyContent):
		return "", ErrEmptyContent
	default:
		span.RecordError(err)
		return "", fmt.Errorf("share: get %q: %w", id, err)
	}
}

// Stores returns the backend names in the order they are tried.
func (s *Service) Stores() []string {
	out := make([]string, len(s.stores))
	for i, st := range s.stores {
		out[i] = st.Name()
	}
	return out
}

// Breakers reports the circuit state of every backend.
func (s *Service) Breakers() map[string]resilience.State {
	return s.group.States()
}

func timed[R any](ctx context.Context, m *observe.Metrics, store, op string, fn func() (R, error)) (R, error) {
	start := time.Now()
	r, err := fn()
	status := "ok"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "not_found"
	case err != nil:
		status = "error"
	}
	m.RecordProviderRequest(ctx, store, op, status, time.Since(start).Seconds())
	return r, err
}
