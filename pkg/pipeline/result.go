package pipeline

import (
	"github.com/agentstation/utc"

	"github.com/agentstation/canonmap/pkg/canonical"
)

// Phase names one of the six pipeline phases, always run in this order:
// Intake, Validation, Aggregation, Policy, Projection, Distribution.
type Phase string

// Pipeline phases in execution order.
const (
	PhaseIntake       Phase = "intake"
	PhaseValidation   Phase = "validation"
	PhaseAggregation  Phase = "aggregation"
	PhasePolicy       Phase = "policy"
	PhaseProjection   Phase = "projection"
	PhaseDistribution Phase = "distribution"
)

// TransitionStatus marks what happened to a phase.
type TransitionStatus string

// Transition statuses.
const (
	StatusStarted   TransitionStatus = "started"
	StatusCompleted TransitionStatus = "completed"
	StatusFailed    TransitionStatus = "failed"
)

// Transition is one observable state change of a canonize call. Observers
// receive every transition synchronously, in registration order.
type Transition struct {
	Phase    Phase                `json:"phase"`
	Status   TransitionStatus     `json:"status"`
	Type     canonical.EntityType `json:"type"`
	Identity canonical.Identity   `json:"identity,omitempty"`

	// Outcome is set on the terminal transition of the call.
	Outcome canonical.Outcome `json:"outcome,omitempty"`

	// Event carries the completion event on terminal transitions.
	Event *Event `json:"event,omitempty"`

	Err error    `json:"-"`
	At  utc.Time `json:"at"`
}

// Emitter receives transitions. The orchestrator calls it inline from the
// canonize goroutine; slow emitters slow the call.
type Emitter func(Transition)

// Event kinds carried on terminal transitions and handed to distributors.
const (
	EventCompleted = "CanonizationCompleted"
	EventParked    = "CanonizationParked"
	EventFailed    = "CanonizationFailed"
)

// Event is the completion event of one canonize call: the resolved
// identity, the per-field decisions, and the audit reference when the
// entity type has enhanced auditing enabled.
type Event struct {
	Kind      string               `json:"kind"`
	Type      canonical.EntityType `json:"type"`
	Identity  canonical.Identity   `json:"identity,omitempty"`
	Record    *canonical.Record    `json:"record,omitempty"`
	Decisions []canonical.Decision `json:"decisions,omitempty"`
	AuditRef  string               `json:"audit_ref,omitempty"`
	At        utc.Time             `json:"at"`
}

// ParkReport explains a parked outcome: the structured reason plus the
// evidence needed to heal the record and retry the call.
type ParkReport struct {
	Reason   string         `json:"reason"`
	Evidence map[string]any `json:"evidence,omitempty"`
	Err      error          `json:"-"`
}

// Result is what one canonize call produced.
type Result struct {
	Outcome  canonical.Outcome  `json:"outcome"`
	Identity canonical.Identity `json:"identity,omitempty"`

	// Created reports whether this call minted the identity.
	Created bool `json:"created,omitempty"`

	Decisions []canonical.Decision `json:"decisions,omitempty"`
	Record    *canonical.Record    `json:"record,omitempty"`
	Parked    *ParkReport          `json:"parked,omitempty"`
	AuditRef  string               `json:"audit_ref,omitempty"`

	// DistributionFailures maps distributor name to its error. Failures
	// here never change the outcome; the canonical state is already
	// committed.
	DistributionFailures map[string]error `json:"-"`
}
