package descriptor

import (
	"sort"

	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/errors"
)

// Registry publishes validated descriptors. It is built once, fails fast on
// any invalid descriptor, and never changes afterward, so it is safe to
// share across concurrent canonize calls without locking.
type Registry struct {
	descriptors map[canonical.EntityType]Descriptor
}

// NewRegistry validates and publishes the given descriptors. Duplicate type
// names and invalid descriptors are configuration errors.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{
		descriptors: make(map[canonical.EntityType]Descriptor, len(descs)),
	}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, exists := r.descriptors[d.Type]; exists {
			return nil, errors.NewConfigError("descriptor",
				"type "+string(d.Type)+" declared twice", nil)
		}
		r.descriptors[d.Type] = d
	}
	return r, nil
}

// Descriptor returns the published descriptor for an entity type.
func (r *Registry) Descriptor(t canonical.EntityType) (Descriptor, error) {
	d, ok := r.descriptors[t]
	if !ok {
		return Descriptor{}, errors.WrapValidation("type",
			errors.New("no descriptor published for type "+string(t)))
	}
	return d, nil
}

// Types returns the published entity types in stable order.
func (r *Registry) Types() []canonical.EntityType {
	types := make([]canonical.EntityType, 0, len(r.descriptors))
	for t := range r.descriptors {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
