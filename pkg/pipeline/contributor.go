package pipeline

import (
	"context"

	"github.com/agentstation/canonmap/pkg/canonical"
)

// IntakeContributor shapes a draft during the Intake phase: normalizing
// field names, coercing value types, filling derived fields. An error here
// is fatal to the call.
type IntakeContributor interface {
	Name() string
	Intake(ctx context.Context, draft *Draft) error
}

// Validator checks a draft during the Validation phase. Returning a
// *errors.ValidationError parks the record with that error as the
// structured reason; any other error fails the call.
type Validator interface {
	Name() string
	Validate(ctx context.Context, draft *Draft) error
}

// Projector enriches the canonical record during Projection, typically by
// adding supplementary views. Projectors must be deterministic over the
// footprints they are given so rebuilt views stay byte-identical.
type Projector interface {
	Name() string
	Project(ctx context.Context, record *canonical.Record, footprints []canonical.Footprint) error
}

// Distributor delivers the completion event downstream. Distribution never
// rolls anything back: a failing distributor is reported and the committed
// canonical state stands.
type Distributor interface {
	Name() string
	Distribute(ctx context.Context, event Event) error
}

// Registration lists the contributors of each phase in execution order.
type Registration struct {
	Intake       []IntakeContributor
	Validators   []Validator
	Projectors   []Projector
	Distributors []Distributor
}

// Hooks binds contributors to the pipeline: global defaults plus per-type
// overrides. An override replaces the default list for that slot only when
// declared (non-nil), so a type can override its validators and still run
// the default distributors.
type Hooks struct {
	Defaults Registration
	PerType  map[canonical.EntityType]Registration
}

// forType resolves the effective registration for an entity type.
func (h Hooks) forType(t canonical.EntityType) Registration {
	r := h.Defaults
	override, ok := h.PerType[t]
	if !ok {
		return r
	}
	if override.Intake != nil {
		r.Intake = override.Intake
	}
	if override.Validators != nil {
		r.Validators = override.Validators
	}
	if override.Projectors != nil {
		r.Projectors = override.Projectors
	}
	if override.Distributors != nil {
		r.Distributors = override.Distributors
	}
	return r
}

// IntakeFunc adapts a function to the IntakeContributor interface.
type IntakeFunc struct {
	ContributorName string
	Func            func(ctx context.Context, draft *Draft) error
}

// Name returns the contributor name.
func (f IntakeFunc) Name() string { return f.ContributorName }

// Intake invokes the wrapped function.
func (f IntakeFunc) Intake(ctx context.Context, draft *Draft) error { return f.Func(ctx, draft) }

// ValidatorFunc adapts a function to the Validator interface.
type ValidatorFunc struct {
	ValidatorName string
	Func          func(ctx context.Context, draft *Draft) error
}

// Name returns the validator name.
func (f ValidatorFunc) Name() string { return f.ValidatorName }

// Validate invokes the wrapped function.
func (f ValidatorFunc) Validate(ctx context.Context, draft *Draft) error { return f.Func(ctx, draft) }

// ProjectorFunc adapts a function to the Projector interface.
type ProjectorFunc struct {
	ProjectorName string
	Func          func(ctx context.Context, record *canonical.Record, footprints []canonical.Footprint) error
}

// Name returns the projector name.
func (f ProjectorFunc) Name() string { return f.ProjectorName }

// Project invokes the wrapped function.
func (f ProjectorFunc) Project(ctx context.Context, record *canonical.Record, footprints []canonical.Footprint) error {
	return f.Func(ctx, record, footprints)
}

// DistributorFunc adapts a function to the Distributor interface.
type DistributorFunc struct {
	DistributorName string
	Func            func(ctx context.Context, event Event) error
}

// Name returns the distributor name.
func (f DistributorFunc) Name() string { return f.DistributorName }

// Distribute invokes the wrapped function.
func (f DistributorFunc) Distribute(ctx context.Context, event Event) error {
	return f.Func(ctx, event)
}
