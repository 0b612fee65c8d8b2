// Package footprint provides the metadata store component: per-field
// last-accepted values with provenance, updated only through the
// read-compare-write protocol. Every merge decision reads the current
// footprint, evaluates policy, and writes conditionally on the revision it
// read; a concurrent writer forces an immediate re-read and re-evaluation,
// bounded to a small fixed retry count. This makes writes to one
// identity's fields linearizable relative to each other without any
// coarser locking.
package footprint

import (
	"context"

	"github.com/agentstation/utc"

	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/errors"
	"github.com/agentstation/canonmap/pkg/logging"
	"github.com/agentstation/canonmap/pkg/policy"
	"github.com/agentstation/canonmap/pkg/store"
)

// defaultMaxAttempts bounds the optimistic retry loop before surfacing
// errors.ErrRetryExhausted. The whole canonize call is safe to retry.
const defaultMaxAttempts = 3

// Ledger applies merge decisions to stored footprints.
type Ledger struct {
	store       store.Store
	maxAttempts int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithMaxAttempts overrides the optimistic retry budget.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.maxAttempts = n
		}
	}
}

// New creates a footprint ledger over the given store.
func New(s store.Store, opts ...Option) *Ledger {
	l := &Ledger{store: s, maxAttempts: defaultMaxAttempts}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Apply runs one per-field merge: read the current footprint, evaluate the
// declared policy against the incoming value, and write the winner
// conditionally on the revision the decision was based on. A lost write
// race re-reads and re-runs the comparison; the retry budget exhausting
// surfaces a RetryExhaustedError.
func (l *Ledger) Apply(ctx context.Context, id canonical.Identity, field string, incoming policy.Value, kind policy.Kind) (canonical.Decision, error) {
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		current, revision, err := l.read(ctx, id, field)
		if err != nil {
			return canonical.Decision{}, err
		}

		verdict := policy.Evaluate(current, incoming, kind)
		if verdict.Degraded {
			logging.FromContext(ctx).Warn().
				Err(&errors.PolicyDomainError{Field: field, Policy: kind.String(), Value: incoming.Value}).
				Str("identity", id.String()).
				Str("field", field).
				Str("policy", kind.String()).
				Msg("Field value outside comparable domain, degraded to latest")
		}

		if verdict.Winner == policy.WinnerCurrent {
			return canonical.Decision{
				Field:    field,
				Policy:   kind,
				Winner:   verdict.Winner,
				Value:    current.Value,
				Source:   canonical.SourceID(current.Source),
				Token:    current.Token,
				Reason:   verdict.Reason,
				Degraded: verdict.Degraded,
			}, nil
		}

		fp := canonical.Footprint{
			Identity:  id,
			Field:     field,
			Value:     incoming.Value,
			Source:    canonical.SourceID(incoming.Source),
			Token:     incoming.Token,
			Policy:    kind,
			DecidedAt: utc.Now(),
		}

		err = l.store.PutFootprint(ctx, fp, revision)
		if err == nil {
			return canonical.Decision{
				Field:    field,
				Policy:   kind,
				Winner:   verdict.Winner,
				Value:    incoming.Value,
				Source:   canonical.SourceID(incoming.Source),
				Token:    incoming.Token,
				Reason:   verdict.Reason,
				Degraded: verdict.Degraded,
			}, nil
		}
		if !errors.IsConflict(err) {
			return canonical.Decision{}, errors.WrapStore("put", err)
		}

		logging.FromContext(ctx).Debug().
			Str("identity", id.String()).
			Str("field", field).
			Int("attempt", attempt+1).
			Msg("Footprint changed since read, re-evaluating")
	}

	return canonical.Decision{}, &errors.RetryExhaustedError{
		Identity: id.String(),
		Field:    field,
		Attempts: l.maxAttempts,
	}
}

// List returns all footprints of one identity.
func (l *Ledger) List(ctx context.Context, id canonical.Identity) ([]canonical.Footprint, error) {
	fps, err := l.store.ListFootprints(ctx, id)
	if err != nil {
		return nil, errors.WrapStore("list", err)
	}
	return fps, nil
}

// read fetches the current footprint as a policy value plus the revision
// the decisive write must be conditioned on.
func (l *Ledger) read(ctx context.Context, id canonical.Identity, field string) (*policy.Value, uint64, error) {
	fp, err := l.store.GetFootprint(ctx, id, field)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, 0, nil
		}
		return nil, 0, errors.WrapStore("get", err)
	}
	return &policy.Value{
		Value:  fp.Value,
		Token:  fp.Token,
		Source: string(fp.Source),
	}, fp.Revision, nil
}
