// Package canonical defines the core data model of the canonmap system:
// canonical identities, aggregation keys, per-field footprints, merge
// decisions, and the canonical record itself. Every other package speaks
// these types; none of them carry behavior beyond construction, equality,
// and serialization.
package canonical

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/agentstation/utc"
	"github.com/google/uuid"

	"github.com/agentstation/canonmap/pkg/policy"
	"github.com/agentstation/canonmap/pkg/token"
)

// Identity is the single stable identifier representing one real-world
// entity across all contributing sources. Identities are UUIDv7 strings,
// so an identity also embeds its own creation time.
type Identity string

// MintIdentity creates a new canonical identity.
func MintIdentity() Identity {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4
		// rather than surfacing an error at every assignment site.
		return Identity(uuid.NewString())
	}
	return Identity(id.String())
}

// String returns the identity as a plain string.
func (i Identity) String() string { return string(i) }

// EntityType names a declared entity type (e.g. "device", "contact").
type EntityType string

// SourceID identifies the origin of an incoming record.
type SourceID string

// AggregationKey is the ordered tuple of declared field values that
// determines entity identity. Equality is exact, field by field, in
// declared order.
type AggregationKey struct {
	Fields []string `json:"fields"`
	Values []string `json:"values"`
}

// NewAggregationKey builds a key from declared fields and their stringified
// values, preserving declared order.
func NewAggregationKey(fields, values []string) AggregationKey {
	return AggregationKey{Fields: fields, Values: values}
}

// Equal reports exact field-by-field equality in declared order.
func (k AggregationKey) Equal(o AggregationKey) bool {
	if len(k.Fields) != len(o.Fields) || len(k.Values) != len(o.Values) {
		return false
	}
	for i := range k.Fields {
		if k.Fields[i] != o.Fields[i] {
			return false
		}
	}
	for i := range k.Values {
		if k.Values[i] != o.Values[i] {
			return false
		}
	}
	return true
}

// Serialize renders the key tuple as a stable store key. Field names and
// values are escaped so separator characters in values cannot collide.
func (k AggregationKey) Serialize() string {
	parts := make([]string, len(k.Fields))
	for i, f := range k.Fields {
		v := ""
		if i < len(k.Values) {
			v = k.Values[i]
		}
		parts[i] = url.QueryEscape(f) + "=" + url.QueryEscape(v)
	}
	return strings.Join(parts, "|")
}

// String implements fmt.Stringer.
func (k AggregationKey) String() string { return k.Serialize() }

// Footprint is the last accepted value and its provenance for one field of
// one canonical identity. It is the read-compare-write target for every
// merge decision; Revision carries the optimistic-concurrency version.
type Footprint struct {
	Identity  Identity    `json:"identity"`
	Field     string      `json:"field"`
	Value     any         `json:"value"`
	Source    SourceID    `json:"source"`
	Token     token.Token `json:"token"`
	Policy    policy.Kind `json:"policy"`
	DecidedAt utc.Time    `json:"decided_at"`
	Revision  uint64      `json:"revision"`
}

// Decision records the outcome of one per-field policy evaluation.
type Decision struct {
	Field    string        `json:"field"`
	Policy   policy.Kind   `json:"policy"`
	Winner   policy.Winner `json:"winner"`
	Value    any           `json:"value"`
	Source   SourceID      `json:"source"`
	Token    token.Token   `json:"token"`
	Reason   string        `json:"reason"`
	Degraded bool          `json:"degraded,omitempty"`
}

// LineageEntry names the source currently winning one field.
type LineageEntry struct {
	Source SourceID    `json:"source"`
	Token  token.Token `json:"token"`
	Policy policy.Kind `json:"policy"`
}

// Lineage maps each field to the source currently winning it.
type Lineage map[string]LineageEntry

// String generates a human-readable lineage report.
func (l Lineage) String() string {
	var sb strings.Builder
	sb.WriteString("Lineage\n")
	sb.WriteString("=======\n")

	for _, field := range sortedKeys(l) {
		entry := l[field]
		sb.WriteString(fmt.Sprintf("  %s: %s (policy %s, token %s)\n",
			field, entry.Source, entry.Policy.Name(), entry.Token))
	}
	return sb.String()
}

// Record is the resolved canonical representation of one real-world entity,
// rebuilt from footprints during Projection. Exclusively mutated by the
// orchestrator; freely read afterward.
type Record struct {
	Identity  Identity       `json:"identity"`
	Type      EntityType     `json:"type"`
	Values    map[string]any `json:"values"`
	Lineage   Lineage        `json:"lineage"`
	Audited   bool           `json:"audited"`
	UpdatedAt utc.Time       `json:"updated_at"`

	// Views holds supplementary projections added by projection
	// contributors, keyed by view name.
	Views map[string]any `json:"views,omitempty"`
}

// Outcome is the terminal state of one canonize call.
type Outcome string

const (
	// OutcomeCompleted means all six phases ran to completion.
	OutcomeCompleted Outcome = "completed"
	// OutcomeParked means the record was deferred with recorded evidence.
	OutcomeParked Outcome = "parked"
	// OutcomeFailed means the call terminated with a fatal or transient error.
	OutcomeFailed Outcome = "failed"
)

// CanonizationRecord is the immutable audit entry written once per call for
// entity types with enhanced auditing enabled. Seq is assigned by the store
// in completion order and drives replay.
type CanonizationRecord struct {
	Seq        uint64         `json:"seq"`
	Type       EntityType     `json:"type"`
	Origin     SourceID       `json:"origin"`
	ExternalID string         `json:"external_id,omitempty"`
	Identity   Identity       `json:"identity,omitempty"`
	Outcome    Outcome        `json:"outcome"`
	Decisions  []Decision     `json:"decisions,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	Timestamp  utc.Time       `json:"timestamp"`
}

// Ref returns the stable reference carried on completion events when
// auditing is enabled.
func (r CanonizationRecord) Ref() string {
	return fmt.Sprintf("%s/%d", r.Identity, r.Seq)
}

func sortedKeys(l Lineage) []string {
	keys := make([]string, 0, len(l))
	for k := range l {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
