package federation

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/c360/ctxfed/csr"
	"github.com/c360/ctxfed/metric"
)

// RegistrationLister is the part of the registration store the dispatchers read from.
type RegistrationLister interface {
	List(ctx context.Context, f csr.Filters) ([]*csr.Registration, error)
}

// Dispatcher routes entity operations to the context sources whose registrations apply.
// Reads fan out concurrently; writes walk the mode tiers sequentially.
type Dispatcher struct {
	registrations  RegistrationLister
	matcher        *csr.Matcher
	caller         *Caller
	maxConcurrency int
	metrics        *metric.FederationMetrics
	logger         *slog.Logger
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithMatcher sets the matcher; registries and dispatchers may share one.
func WithMatcher(m *csr.Matcher) Option {
	return func(d *Dispatcher) { d.matcher = m }
}

// WithMaxConcurrency bounds the number of simultaneous read calls; 0 means unbounded.
func WithMaxConcurrency(n int) Option {
	return func(d *Dispatcher) { d.maxConcurrency = n }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithMetrics sets the federation metrics
func WithMetrics(m *metric.FederationMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher reading registrations from regs and calling sources
// through caller.
func NewDispatcher(regs RegistrationLister, caller *Caller, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registrations:  regs,
		caller:         caller,
		maxConcurrency: 16,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.matcher == nil {
		d.matcher = csr.NewMatcher(256)
	}
	return d
}

// match loads the registrations applicable to f and expands them into match units.
func (d *Dispatcher) match(ctx context.Context, f csr.Filters) ([]csr.MatchUnit, error) {
	regs, err := d.registrations.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return d.matcher.Match(regs, f), nil
}

// WriteRequest carries the inbound context of a write.
type WriteRequest struct {
	Header http.Header
	Query  url.Values
}
