package pipeline

import (
	"github.com/agentstation/utc"

	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/descriptor"
	"github.com/agentstation/canonmap/pkg/token"
)

// RawRecord is one incoming record as handed to a canonize call: the
// declared entity type, the contributing source, and the field values as
// the source reported them.
type RawRecord struct {
	// Type names the declared entity type the record belongs to.
	Type canonical.EntityType `json:"type"`

	// Source identifies the contributing source.
	Source canonical.SourceID `json:"source"`

	// ExternalID is the source's own identifier for the record, when it
	// has one. Identifiers with an embedded creation time (UUIDv1/v6/v7)
	// also seed the arrival token.
	ExternalID string `json:"external_id,omitempty"`

	// ArrivalTime is an explicit event timestamp supplied by the source.
	// Nil means the token falls back to the arrival wall clock.
	ArrivalTime *utc.Time `json:"arrival_time,omitempty"`

	// Values holds the incoming field values.
	Values map[string]any `json:"values"`
}

// CallOptions adjust one canonize call. Everything here is explicit; the
// pipeline never infers an origin or an ordering from ambient state.
type CallOptions struct {
	// Origin overrides the record's source for this call.
	Origin canonical.SourceID

	// ArrivalTime forces the arrival token's time, bypassing derivation
	// from the external id.
	ArrivalTime *utc.Time
}

// Draft is the working copy of a record moving through the phases. Intake
// contributors and validators see and may enrich it; the raw record stays
// untouched.
type Draft struct {
	Raw        RawRecord
	Descriptor descriptor.Descriptor
	Source     canonical.SourceID
	Token      token.Token
	Values     map[string]any

	// Key is populated during Aggregation.
	Key canonical.AggregationKey
}
