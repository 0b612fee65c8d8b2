package canonmap

import (
	"github.com/rs/zerolog"

	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/descriptor"
	"github.com/agentstation/canonmap/pkg/errors"
	"github.com/agentstation/canonmap/pkg/pipeline"
	"github.com/agentstation/canonmap/pkg/store"
)

// options holds the resolved configuration of a Canonizer.
type options struct {
	registry       *descriptor.Registry
	descriptorFile string
	store          store.Store
	hooks          pipeline.Hooks
	writeAttempts  int
	logger         *zerolog.Logger
}

func defaultOptions() *options {
	return &options{}
}

// resolveRegistry settles the descriptor registry after all options ran.
// Descriptors are published exactly once, at construction.
func (o *options) resolveRegistry() error {
	if o.registry != nil && o.descriptorFile != "" {
		return errors.NewConfigError("canonmap",
			"WithDescriptors and WithDescriptorFile are mutually exclusive", nil)
	}
	if o.descriptorFile != "" {
		reg, err := descriptor.LoadFile(o.descriptorFile)
		if err != nil {
			return err
		}
		o.registry = reg
	}
	if o.registry == nil {
		return errors.NewConfigError("canonmap", "no entity descriptors configured", nil)
	}
	return nil
}

// Option configures a Canonizer.
type Option func(*options) error

// WithDescriptors publishes a pre-built descriptor registry.
func WithDescriptors(reg *descriptor.Registry) Option {
	return func(o *options) error {
		o.registry = reg
		return nil
	}
}

// WithDescriptorFile loads entity descriptors from a YAML file at
// construction time. Invalid descriptors fail New, never a later call.
func WithDescriptorFile(path string) Option {
	return func(o *options) error {
		o.descriptorFile = path
		return nil
	}
}

// WithStore sets the backing store. Defaults to the in-memory store.
func WithStore(s store.Store) Option {
	return func(o *options) error {
		o.store = s
		return nil
	}
}

// WithIntake registers default intake contributors, run in order.
func WithIntake(cs ...pipeline.IntakeContributor) Option {
	return func(o *options) error {
		o.hooks.Defaults.Intake = append(o.hooks.Defaults.Intake, cs...)
		return nil
	}
}

// WithValidators registers default validators, run in order.
func WithValidators(vs ...pipeline.Validator) Option {
	return func(o *options) error {
		o.hooks.Defaults.Validators = append(o.hooks.Defaults.Validators, vs...)
		return nil
	}
}

// WithProjectors registers default projectors, run in order.
func WithProjectors(ps ...pipeline.Projector) Option {
	return func(o *options) error {
		o.hooks.Defaults.Projectors = append(o.hooks.Defaults.Projectors, ps...)
		return nil
	}
}

// WithDistributors registers default distributors, run in order.
func WithDistributors(ds ...pipeline.Distributor) Option {
	return func(o *options) error {
		o.hooks.Defaults.Distributors = append(o.hooks.Defaults.Distributors, ds...)
		return nil
	}
}

// WithTypeRegistration overrides contributor registration for one entity
// type. Declared slots replace the defaults for that type; undeclared
// slots keep them.
func WithTypeRegistration(typ canonical.EntityType, reg pipeline.Registration) Option {
	return func(o *options) error {
		if o.hooks.PerType == nil {
			o.hooks.PerType = make(map[canonical.EntityType]pipeline.Registration)
		}
		if _, exists := o.hooks.PerType[typ]; exists {
			return errors.NewConfigError("canonmap",
				"type "+string(typ)+" registered twice", nil)
		}
		o.hooks.PerType[typ] = reg
		return nil
	}
}

// WithWriteAttempts overrides the optimistic retry budget for footprint
// writes.
func WithWriteAttempts(n int) Option {
	return func(o *options) error {
		if n <= 0 {
			return errors.NewConfigError("canonmap", "write attempts must be positive", nil)
		}
		o.writeAttempts = n
		return nil
	}
}

// WithLogger attaches a logger to every call context.
func WithLogger(logger *zerolog.Logger) Option {
	return func(o *options) error {
		o.logger = logger
		return nil
	}
}
