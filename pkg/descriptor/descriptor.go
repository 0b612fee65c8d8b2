// Package descriptor provides the metadata provider: validated, immutable
// per-entity-type descriptors published once at process start. A descriptor
// declares the aggregation-key fields that decide identity, the merge policy
// for each field, and whether the type opts into enhanced auditing.
package descriptor

import (
	"fmt"

	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/errors"
	"github.com/agentstation/canonmap/pkg/policy"
)

// Field declares the merge policy for one field of an entity type.
type Field struct {
	Name   string      `json:"name" yaml:"name"`
	Policy policy.Kind `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// Descriptor declares one entity type. Descriptors are immutable after
// publication; there is no hot reload.
type Descriptor struct {
	Type      canonical.EntityType `json:"type" yaml:"type"`
	KeyFields []string             `json:"key_fields" yaml:"key_fields"`
	Fields    []Field              `json:"fields,omitempty" yaml:"fields,omitempty"`
	Audited   bool                 `json:"audited,omitempty" yaml:"audited,omitempty"`
}

// Validate checks the descriptor at publication time. A type with zero
// declared aggregation-key fields is a configuration error: identity is
// never silently defaulted to identity-by-reference.
func (d *Descriptor) Validate() error {
	if d.Type == "" {
		return errors.NewConfigError("descriptor", "entity type name is empty", nil)
	}
	if len(d.KeyFields) == 0 {
		return errors.NewConfigError("descriptor",
			fmt.Sprintf("type %q declares no aggregation-key fields", d.Type), nil)
	}

	seen := make(map[string]bool, len(d.KeyFields))
	for _, f := range d.KeyFields {
		if f == "" {
			return errors.NewConfigError("descriptor",
				fmt.Sprintf("type %q declares an empty aggregation-key field", d.Type), nil)
		}
		if seen[f] {
			return errors.NewConfigError("descriptor",
				fmt.Sprintf("type %q declares aggregation-key field %q twice", d.Type, f), nil)
		}
		seen[f] = true
	}

	for _, f := range d.Fields {
		if f.Name == "" {
			return errors.NewConfigError("descriptor",
				fmt.Sprintf("type %q declares a field without a name", d.Type), nil)
		}
		if f.Policy != "" && !f.Policy.Valid() {
			return errors.NewConfigError("descriptor",
				fmt.Sprintf("type %q field %q declares unknown policy %q", d.Type, f.Name, f.Policy), nil)
		}
	}
	return nil
}

// PolicyFor returns the declared merge policy for a field. Fields without
// an explicit declaration implicitly use Latest.
func (d *Descriptor) PolicyFor(field string) policy.Kind {
	for _, f := range d.Fields {
		if f.Name == field && f.Policy != "" {
			return f.Policy
		}
	}
	return policy.Latest
}

// IsKeyField reports whether the field participates in the aggregation key.
func (d *Descriptor) IsKeyField(field string) bool {
	for _, f := range d.KeyFields {
		if f == field {
			return true
		}
	}
	return false
}
