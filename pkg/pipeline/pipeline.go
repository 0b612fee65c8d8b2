// Package pipeline implements the canonization orchestrator: the six-phase
// state machine that turns one raw source record into committed canonical
// state. Intake shapes the draft, Validation parks bad input, Aggregation
// resolves or mints the canonical identity, Policy applies the per-field
// merge decisions, Projection rebuilds the canonical record from
// footprints, and Distribution delivers the completion event. Phases run
// strictly in order; cancellation is honored at phase boundaries and never
// rolls back a committed identity assignment.
package pipeline

import (
	"context"
	"fmt"
	"sort"

	"github.com/agentstation/utc"

	"github.com/agentstation/canonmap/pkg/audit"
	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/descriptor"
	"github.com/agentstation/canonmap/pkg/errors"
	"github.com/agentstation/canonmap/pkg/footprint"
	"github.com/agentstation/canonmap/pkg/index"
	"github.com/agentstation/canonmap/pkg/logging"
	"github.com/agentstation/canonmap/pkg/policy"
	"github.com/agentstation/canonmap/pkg/store"
	"github.com/agentstation/canonmap/pkg/token"
)

// Orchestrator drives canonize calls through the six phases. It is safe
// for concurrent use; all cross-call coordination happens in the store.
type Orchestrator struct {
	registry *descriptor.Registry
	index    *index.Index
	ledger   *footprint.Ledger
	audit    *audit.Log
	hooks    Hooks
	emit     Emitter
}

// Option configures an Orchestrator.
type Option func(*config)

type config struct {
	hooks         Hooks
	emit          Emitter
	writeAttempts int
}

// WithHooks registers pipeline contributors.
func WithHooks(h Hooks) Option {
	return func(c *config) { c.hooks = h }
}

// WithEmitter installs the transition emitter.
func WithEmitter(e Emitter) Option {
	return func(c *config) { c.emit = e }
}

// WithWriteAttempts overrides the optimistic retry budget for footprint
// writes.
func WithWriteAttempts(n int) Option {
	return func(c *config) { c.writeAttempts = n }
}

// New creates an orchestrator over the given descriptor registry and store.
func New(reg *descriptor.Registry, s store.Store, opts ...Option) *Orchestrator {
	var c config
	for _, opt := range opts {
		opt(&c)
	}

	var ledgerOpts []footprint.Option
	if c.writeAttempts > 0 {
		ledgerOpts = append(ledgerOpts, footprint.WithMaxAttempts(c.writeAttempts))
	}

	return &Orchestrator{
		registry: reg,
		index:    index.New(s),
		ledger:   footprint.New(s, ledgerOpts...),
		audit:    audit.New(s),
		hooks:    c.hooks,
		emit:     c.emit,
	}
}

// Canonize runs one record through all six phases and reports the outcome.
// Parked outcomes return a nil error with the park report on the result;
// failed outcomes return the fatal or transient error alongside.
func (o *Orchestrator) Canonize(ctx context.Context, raw RawRecord, opts CallOptions) (*Result, error) {
	ctx = logging.WithEntityType(ctx, string(raw.Type))
	res := &Result{Outcome: canonical.OutcomeFailed}

	// Intake
	o.transition(Transition{Phase: PhaseIntake, Status: StatusStarted, Type: raw.Type})
	draft, reg, err := o.intake(ctx, raw, opts)
	if err != nil {
		return o.fail(ctx, res, raw.Type, "", PhaseIntake, err)
	}
	ctx = logging.WithSource(ctx, string(draft.Source))
	o.transition(Transition{Phase: PhaseIntake, Status: StatusCompleted, Type: raw.Type})

	// Validation
	if ctx.Err() != nil {
		return o.fail(ctx, res, raw.Type, "", PhaseValidation, errors.ErrCanceled)
	}
	o.transition(Transition{Phase: PhaseValidation, Status: StatusStarted, Type: raw.Type})
	if verr := o.validate(ctx, draft, reg); verr != nil {
		if errors.IsValidation(verr) {
			return o.park(ctx, res, draft, PhaseValidation, verr.Error(), map[string]any{
				"source":      string(draft.Source),
				"external_id": draft.Raw.ExternalID,
			}, verr)
		}
		return o.fail(ctx, res, raw.Type, "", PhaseValidation, verr)
	}
	o.transition(Transition{Phase: PhaseValidation, Status: StatusCompleted, Type: raw.Type})

	// Aggregation
	if ctx.Err() != nil {
		return o.fail(ctx, res, raw.Type, "", PhaseAggregation, errors.ErrCanceled)
	}
	o.transition(Transition{Phase: PhaseAggregation, Status: StatusStarted, Type: raw.Type})
	entry, created, aerr := o.aggregate(ctx, draft)
	if aerr != nil {
		var conflict *errors.AggregationConflictError
		if errors.As(aerr, &conflict) {
			return o.park(ctx, res, draft, PhaseAggregation, aerr.Error(), conflict.Evidence, aerr)
		}
		return o.fail(ctx, res, raw.Type, "", PhaseAggregation, aerr)
	}
	res.Identity = entry.Identity
	res.Created = created
	ctx = logging.WithIdentity(ctx, entry.Identity.String())
	o.transition(Transition{Phase: PhaseAggregation, Status: StatusCompleted, Type: raw.Type, Identity: entry.Identity})

	// Policy. A cancellation from here on still stops the call, but the
	// committed identity assignment stands.
	if ctx.Err() != nil {
		return o.fail(ctx, res, raw.Type, entry.Identity, PhasePolicy, errors.ErrCanceled)
	}
	o.transition(Transition{Phase: PhasePolicy, Status: StatusStarted, Type: raw.Type, Identity: entry.Identity})
	decisions, derr := o.applyPolicies(ctx, draft, entry.Identity)
	res.Decisions = decisions
	if derr != nil {
		return o.fail(ctx, res, raw.Type, entry.Identity, PhasePolicy, derr)
	}
	o.transition(Transition{Phase: PhasePolicy, Status: StatusCompleted, Type: raw.Type, Identity: entry.Identity})

	// Projection
	if ctx.Err() != nil {
		return o.fail(ctx, res, raw.Type, entry.Identity, PhaseProjection, errors.ErrCanceled)
	}
	o.transition(Transition{Phase: PhaseProjection, Status: StatusStarted, Type: raw.Type, Identity: entry.Identity})
	record, perr := o.project(ctx, entry.Identity, draft.Descriptor, reg, nil)
	if perr != nil {
		return o.fail(ctx, res, raw.Type, entry.Identity, PhaseProjection, perr)
	}
	res.Record = record
	o.transition(Transition{Phase: PhaseProjection, Status: StatusCompleted, Type: raw.Type, Identity: entry.Identity})

	res.Outcome = canonical.OutcomeCompleted

	if draft.Descriptor.Audited {
		persisted, aerr := o.audit.Record(ctx, canonical.CanonizationRecord{
			Type:       raw.Type,
			Origin:     draft.Source,
			ExternalID: draft.Raw.ExternalID,
			Identity:   entry.Identity,
			Outcome:    canonical.OutcomeCompleted,
			Decisions:  decisions,
		})
		if aerr != nil {
			res.Outcome = canonical.OutcomeFailed
			return o.fail(ctx, res, raw.Type, entry.Identity, PhaseProjection, aerr)
		}
		res.AuditRef = persisted.Ref()
	}

	// Distribution
	if ctx.Err() != nil {
		return o.fail(ctx, res, raw.Type, entry.Identity, PhaseDistribution, errors.ErrCanceled)
	}
	o.transition(Transition{Phase: PhaseDistribution, Status: StatusStarted, Type: raw.Type, Identity: entry.Identity})
	event := Event{
		Kind:      EventCompleted,
		Type:      raw.Type,
		Identity:  entry.Identity,
		Record:    record,
		Decisions: decisions,
		AuditRef:  res.AuditRef,
		At:        utc.Now(),
	}
	res.DistributionFailures = o.distribute(ctx, event, reg)

	o.transition(Transition{
		Phase:    PhaseDistribution,
		Status:   StatusCompleted,
		Type:     raw.Type,
		Identity: entry.Identity,
		Outcome:  canonical.OutcomeCompleted,
		Event:    &event,
	})

	logging.FromContext(ctx).Info().
		Str("outcome", string(res.Outcome)).
		Bool("created", created).
		Int("decisions", len(decisions)).
		Msg("Canonize call completed")
	return res, nil
}

// RebuildViews reruns Projection for one identity from its stored
// footprints. Aggregation and Policy are never touched, so rebuilding with
// unchanged footprints yields a byte-identical record. A non-empty views
// list restricts which projectors run.
func (o *Orchestrator) RebuildViews(ctx context.Context, id canonical.Identity, views ...string) (*canonical.Record, error) {
	entry, err := o.index.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	desc, err := o.registry.Descriptor(entry.Type)
	if err != nil {
		return nil, err
	}
	return o.project(ctx, id, desc, o.hooks.forType(entry.Type), views)
}

// Redrive re-emits the completion event of a persisted canonization record
// against current canonical state. Only Projection and Distribution run;
// the index and footprints stay untouched.
func (o *Orchestrator) Redrive(ctx context.Context, rec canonical.CanonizationRecord) (*Event, error) {
	if rec.Outcome != canonical.OutcomeCompleted {
		return nil, errors.WrapValidation("outcome",
			fmt.Errorf("cannot redrive a record with outcome %q", rec.Outcome))
	}

	record, err := o.RebuildViews(ctx, rec.Identity)
	if err != nil {
		return nil, err
	}

	event := Event{
		Kind:      EventCompleted,
		Type:      rec.Type,
		Identity:  rec.Identity,
		Record:    record,
		Decisions: rec.Decisions,
		AuditRef:  rec.Ref(),
		At:        utc.Now(),
	}
	o.distribute(ctx, event, o.hooks.forType(rec.Type))
	return &event, nil
}

// Audit exposes the audit log for replay paging.
func (o *Orchestrator) Audit() *audit.Log { return o.audit }

// Index exposes the canonical index for administrative operations.
func (o *Orchestrator) Index() *index.Index { return o.index }

// intake builds the draft: descriptor lookup, source and token derivation,
// then the registered intake contributors in order.
func (o *Orchestrator) intake(ctx context.Context, raw RawRecord, opts CallOptions) (*Draft, Registration, error) {
	desc, err := o.registry.Descriptor(raw.Type)
	if err != nil {
		return nil, Registration{}, err
	}
	reg := o.hooks.forType(raw.Type)

	source := raw.Source
	if opts.Origin != "" {
		source = opts.Origin
	}

	var tok token.Token
	if opts.ArrivalTime != nil && !opts.ArrivalTime.IsZero() {
		tok = token.New(*opts.ArrivalTime, string(source))
	} else {
		tok = token.Derive(raw.ExternalID, raw.ArrivalTime, string(source))
	}

	values := make(map[string]any, len(raw.Values))
	for k, v := range raw.Values {
		values[k] = v
	}

	draft := &Draft{
		Raw:        raw,
		Descriptor: desc,
		Source:     source,
		Token:      tok,
		Values:     values,
	}

	for _, c := range reg.Intake {
		if err := c.Intake(ctx, draft); err != nil {
			return nil, Registration{}, fmt.Errorf("intake contributor %s: %w", c.Name(), err)
		}
	}
	return draft, reg, nil
}

// validate runs the structural checks and then the registered validators.
func (o *Orchestrator) validate(ctx context.Context, draft *Draft, reg Registration) error {
	if draft.Source == "" {
		return errors.NewValidationError("source", nil, "record carries no source")
	}
	for _, field := range draft.Descriptor.KeyFields {
		v, ok := draft.Values[field]
		if !ok || v == nil || fmt.Sprintf("%v", v) == "" {
			return errors.NewValidationError(field, v, "aggregation-key field is missing or empty")
		}
	}

	for _, v := range reg.Validators {
		if err := v.Validate(ctx, draft); err != nil {
			if errors.IsValidation(err) {
				return err
			}
			return fmt.Errorf("validator %s: %w", v.Name(), err)
		}
	}
	return nil
}

// aggregate computes the aggregation key, detects conflicting external-id
// claims, and resolves or mints the canonical identity.
func (o *Orchestrator) aggregate(ctx context.Context, draft *Draft) (*store.IndexEntry, bool, error) {
	fields := draft.Descriptor.KeyFields
	values := make([]string, len(fields))
	for i, f := range fields {
		values[i] = fmt.Sprintf("%v", draft.Values[f])
	}
	draft.Key = canonical.NewAggregationKey(fields, values)

	if draft.Raw.ExternalID != "" {
		claimed, err := o.index.External(ctx, draft.Raw.Type, draft.Source, draft.Raw.ExternalID)
		if err != nil && !errors.IsNotFound(err) {
			return nil, false, err
		}
		if claimed != nil && claimed.Key != draft.Key.Serialize() {
			return nil, false, &errors.AggregationConflictError{
				EntityType: string(draft.Raw.Type),
				Key:        draft.Key.Serialize(),
				Claimed:    claimed.Identity.String(),
				Evidence: map[string]any{
					"external_id":      draft.Raw.ExternalID,
					"origin":           string(draft.Source),
					"claimed_identity": claimed.Identity.String(),
					"claimed_key":      claimed.Key,
					"incoming_key":     draft.Key.Serialize(),
				},
			}
		}
	}

	entry, err := o.index.Resolve(ctx, draft.Raw.Type, draft.Key)
	if err == nil {
		return entry, false, nil
	}
	if !errors.IsNotFound(err) {
		return nil, false, err
	}
	return o.index.Assign(ctx, draft.Raw.Type, draft.Key, draft.Source, draft.Raw.ExternalID)
}

// applyPolicies runs the per-field merge for every incoming field, in
// stable field order. Fields are independent: an accepted neighbor is
// never rolled back when a later field loses its write race.
func (o *Orchestrator) applyPolicies(ctx context.Context, draft *Draft, id canonical.Identity) ([]canonical.Decision, error) {
	fields := make([]string, 0, len(draft.Values))
	for f := range draft.Values {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	decisions := make([]canonical.Decision, 0, len(fields))
	for _, field := range fields {
		kind := draft.Descriptor.PolicyFor(field)
		dec, err := o.ledger.Apply(ctx, id, field, policy.Value{
			Value:  draft.Values[field],
			Token:  draft.Token,
			Source: string(draft.Source),
		}, kind)
		if err != nil {
			return decisions, err
		}
		decisions = append(decisions, dec)
	}
	return decisions, nil
}

// project rebuilds the canonical record from stored footprints and runs
// the registered projectors. UpdatedAt derives from the footprints, not
// the wall clock, so unchanged state projects identically every time.
func (o *Orchestrator) project(ctx context.Context, id canonical.Identity, desc descriptor.Descriptor, reg Registration, views []string) (*canonical.Record, error) {
	fps, err := o.ledger.List(ctx, id)
	if err != nil {
		return nil, err
	}

	record := &canonical.Record{
		Identity: id,
		Type:     desc.Type,
		Values:   make(map[string]any, len(fps)),
		Lineage:  make(canonical.Lineage, len(fps)),
		Audited:  desc.Audited,
	}
	for _, fp := range fps {
		record.Values[fp.Field] = fp.Value
		record.Lineage[fp.Field] = canonical.LineageEntry{
			Source: fp.Source,
			Token:  fp.Token,
			Policy: fp.Policy,
		}
		if fp.DecidedAt.After(record.UpdatedAt) {
			record.UpdatedAt = fp.DecidedAt
		}
	}

	for _, p := range reg.Projectors {
		if len(views) > 0 && !containsName(views, p.Name()) {
			continue
		}
		if err := p.Project(ctx, record, fps); err != nil {
			return nil, fmt.Errorf("projector %s: %w", p.Name(), err)
		}
	}
	return record, nil
}

// distribute hands the event to each registered distributor in order.
// Failures are collected and reported, never propagated as call failure.
func (o *Orchestrator) distribute(ctx context.Context, event Event, reg Registration) map[string]error {
	var failures map[string]error
	for _, d := range reg.Distributors {
		if err := d.Distribute(ctx, event); err != nil {
			if failures == nil {
				failures = make(map[string]error)
			}
			failures[d.Name()] = err

			logging.FromContext(ctx).Warn().
				Err(err).
				Str("distributor", d.Name()).
				Str("identity", event.Identity.String()).
				Msg("Distributor failed, canonical state already committed")
			o.transition(Transition{
				Phase:    PhaseDistribution,
				Status:   StatusFailed,
				Type:     event.Type,
				Identity: event.Identity,
				Err:      err,
			})
		}
	}
	return failures
}

// park terminates the call with a parked outcome, persisting the evidence
// for audited types.
func (o *Orchestrator) park(ctx context.Context, res *Result, draft *Draft, phase Phase, reason string, evidence map[string]any, cause error) (*Result, error) {
	res.Outcome = canonical.OutcomeParked
	res.Parked = &ParkReport{Reason: reason, Evidence: evidence, Err: cause}

	if draft.Descriptor.Audited {
		persisted, err := o.audit.Record(ctx, canonical.CanonizationRecord{
			Type:       draft.Raw.Type,
			Origin:     draft.Source,
			ExternalID: draft.Raw.ExternalID,
			Identity:   res.Identity,
			Outcome:    canonical.OutcomeParked,
			Reason:     reason,
			Evidence:   evidence,
		})
		if err != nil {
			logging.FromContext(ctx).Error().Err(err).Msg("Failed to persist park record")
		} else {
			res.AuditRef = persisted.Ref()
		}
	}

	event := Event{
		Kind:     EventParked,
		Type:     draft.Raw.Type,
		Identity: res.Identity,
		AuditRef: res.AuditRef,
		At:       utc.Now(),
	}
	o.transition(Transition{
		Phase:    phase,
		Status:   StatusFailed,
		Type:     draft.Raw.Type,
		Identity: res.Identity,
		Outcome:  canonical.OutcomeParked,
		Event:    &event,
		Err:      cause,
	})

	logging.FromContext(ctx).Warn().
		Str("phase", string(phase)).
		Str("reason", reason).
		Msg("Record parked")
	return res, nil
}

// fail terminates the call with a failed outcome.
func (o *Orchestrator) fail(ctx context.Context, res *Result, typ canonical.EntityType, id canonical.Identity, phase Phase, cause error) (*Result, error) {
	res.Outcome = canonical.OutcomeFailed

	event := Event{Kind: EventFailed, Type: typ, Identity: id, At: utc.Now()}
	o.transition(Transition{
		Phase:    phase,
		Status:   StatusFailed,
		Type:     typ,
		Identity: id,
		Outcome:  canonical.OutcomeFailed,
		Event:    &event,
		Err:      cause,
	})

	logging.FromContext(ctx).Error().
		Err(cause).
		Str("phase", string(phase)).
		Msg("Canonize call failed")
	return res, cause
}

func (o *Orchestrator) transition(t Transition) {
	if o.emit == nil {
		return
	}
	if t.At.IsZero() {
		t.At = utc.Now()
	}
	o.emit(t)
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}
