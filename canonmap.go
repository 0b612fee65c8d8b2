// Package canonmap provides entity canonicalization: records about the
// same real-world entity arriving from independent sources converge on a
// single canonical identity and a deterministic, field-level merged
// representation. Identity comes from declared aggregation-key fields,
// merges follow declared per-field policies, and every decision carries
// provenance. The runtime surface is Canonize, RebuildViews, Replay, and
// RegisterObserver.
package canonmap

import (
	"context"
	"fmt"

	"github.com/agentstation/utc"

	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/logging"
	"github.com/agentstation/canonmap/pkg/pipeline"
	"github.com/agentstation/canonmap/pkg/store/memory"
)

// Canonizer is the runtime surface of the canonmap system.
type Canonizer interface {
	// Canonize runs one raw record through the six-phase pipeline and
	// reports the outcome.
	Canonize(ctx context.Context, record pipeline.RawRecord, opts ...CallOption) (*pipeline.Result, error)

	// RebuildViews reruns Projection for one identity from its stored
	// footprints. Identity and committed decisions are never touched.
	RebuildViews(ctx context.Context, id canonical.Identity, views ...string) (*canonical.Record, error)

	// Replay re-emits persisted canonization records in original
	// completion order, driving Projection and Distribution only.
	Replay(ctx context.Context, opts ReplayOptions) (*ReplayReport, error)

	// RegisterObserver registers an observer of pipeline transitions.
	// The returned handle unregisters it.
	RegisterObserver(o Observer) *Handle
}

// canonmap is the internal implementation of the Canonizer interface.
type canonmap struct {
	orchestrator *pipeline.Orchestrator
	observers    *observers
	config       *options
}

// New creates a Canonizer with the given options. Descriptors are
// mandatory; the store defaults to the in-memory implementation.
func New(opts ...Option) (Canonizer, error) {
	cfg := defaultOptions()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("applying options: %w", err)
		}
	}

	if err := cfg.resolveRegistry(); err != nil {
		return nil, err
	}
	if cfg.store == nil {
		cfg.store = memory.New()
	}

	c := &canonmap{
		observers: newObservers(),
		config:    cfg,
	}

	orchOpts := []pipeline.Option{
		pipeline.WithHooks(cfg.hooks),
		pipeline.WithEmitter(c.observers.dispatch),
	}
	if cfg.writeAttempts > 0 {
		orchOpts = append(orchOpts, pipeline.WithWriteAttempts(cfg.writeAttempts))
	}
	c.orchestrator = pipeline.New(cfg.registry, cfg.store, orchOpts...)

	return c, nil
}

// Canonize runs one raw record through the six-phase pipeline.
func (c *canonmap) Canonize(ctx context.Context, record pipeline.RawRecord, opts ...CallOption) (*pipeline.Result, error) {
	var callOpts pipeline.CallOptions
	for _, opt := range opts {
		opt(&callOpts)
	}
	return c.orchestrator.Canonize(c.callContext(ctx), record, callOpts)
}

// RebuildViews reruns Projection for one identity.
func (c *canonmap) RebuildViews(ctx context.Context, id canonical.Identity, views ...string) (*canonical.Record, error) {
	return c.orchestrator.RebuildViews(c.callContext(ctx), id, views...)
}

// RegisterObserver registers an observer of pipeline transitions.
func (c *canonmap) RegisterObserver(o Observer) *Handle {
	return c.observers.register(o)
}

func (c *canonmap) callContext(ctx context.Context) context.Context {
	if c.config.logger != nil {
		return logging.WithLogger(ctx, c.config.logger)
	}
	return ctx
}

// CallOption adjusts one canonize call.
type CallOption func(*pipeline.CallOptions)

// WithOrigin overrides the record's source for this call.
func WithOrigin(source canonical.SourceID) CallOption {
	return func(o *pipeline.CallOptions) { o.Origin = source }
}

// WithArrivalTime forces the arrival token's time for this call.
func WithArrivalTime(t utc.Time) CallOption {
	return func(o *pipeline.CallOptions) { o.ArrivalTime = &t }
}
