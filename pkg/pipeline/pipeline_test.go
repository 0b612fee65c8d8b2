package pipeline_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/agentstation/utc"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/descriptor"
	"github.com/agentstation/canonmap/pkg/errors"
	"github.com/agentstation/canonmap/pkg/pipeline"
	"github.com/agentstation/canonmap/pkg/policy"
	"github.com/agentstation/canonmap/pkg/store/memory"
)

func testRegistry(t *testing.T) *descriptor.Registry {
	t.Helper()
	reg, err := descriptor.NewRegistry(
		descriptor.Descriptor{
			Type:      "device",
			KeyFields: []string{"serial"},
			Fields: []descriptor.Field{
				{Name: "name", Policy: policy.Latest},
				{Name: "lowest_reading", Policy: policy.Min},
				{Name: "first_seen_by", Policy: policy.First},
			},
			Audited: true,
		},
		descriptor.Descriptor{
			Type:      "contact",
			KeyFields: []string{"email"},
		},
	)
	require.NoError(t, err)
	return reg
}

func arrival(sec int) *utc.Time {
	ts := utc.New(time.Date(2026, 6, 1, 12, 0, sec, 0, time.UTC))
	return &ts
}

// transitionLog captures emitted transitions for assertions.
type transitionLog struct {
	mu          sync.Mutex
	transitions []pipeline.Transition
}

func (l *transitionLog) emit(t pipeline.Transition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, t)
}

func (l *transitionLog) all() []pipeline.Transition {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]pipeline.Transition(nil), l.transitions...)
}

func (l *transitionLog) terminal() *pipeline.Transition {
	all := l.all()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Outcome != "" {
			return &all[i]
		}
	}
	return nil
}

func TestCanonizeTwoSourcesConverge(t *testing.T) {
	ctx := context.Background()
	o := pipeline.New(testRegistry(t), memory.New())

	res1, err := o.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "telemetry",
		Values: map[string]any{"serial": "SN-1", "name": "Sensor", "lowest_reading": 3},
	}, pipeline.CallOptions{ArrivalTime: arrival(0)})
	require.NoError(t, err)
	assert.Equal(t, canonical.OutcomeCompleted, res1.Outcome)
	assert.True(t, res1.Created)
	require.NotEmpty(t, res1.Identity)

	res2, err := o.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "crm",
		Values: map[string]any{"serial": "SN-1", "name": "Sensor A", "lowest_reading": 10},
	}, pipeline.CallOptions{ArrivalTime: arrival(5)})
	require.NoError(t, err)

	// Same key tuple resolves to the same identity.
	assert.Equal(t, res1.Identity, res2.Identity)
	assert.False(t, res2.Created)

	// Fields merge independently: the later name wins Latest, the smaller
	// reading keeps Min, and lineage tracks the winning source per field.
	record := res2.Record
	require.NotNil(t, record)
	want := map[string]any{
		"serial":         "SN-1",
		"name":           "Sensor A",
		"lowest_reading": 3,
	}
	assert.Empty(t, cmp.Diff(want, record.Values))
	assert.Equal(t, canonical.SourceID("crm"), record.Lineage["name"].Source)
	assert.Equal(t, canonical.SourceID("telemetry"), record.Lineage["lowest_reading"].Source)
}

func TestCanonizeLatestOutOfOrderArrival(t *testing.T) {
	ctx := context.Background()
	o := pipeline.New(testRegistry(t), memory.New())

	// The newer value arrives first; the stale one must not overwrite it.
	_, err := o.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "crm",
		Values: map[string]any{"serial": "SN-2", "name": "renamed"},
	}, pipeline.CallOptions{ArrivalTime: arrival(30)})
	require.NoError(t, err)

	res, err := o.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "crm",
		Values: map[string]any{"serial": "SN-2", "name": "original"},
	}, pipeline.CallOptions{ArrivalTime: arrival(1)})
	require.NoError(t, err)

	assert.Equal(t, "renamed", res.Record.Values["name"])

	require.Len(t, res.Decisions, 2)
	for _, dec := range res.Decisions {
		if dec.Field == "name" {
			assert.Equal(t, policy.WinnerCurrent, dec.Winner)
		}
	}
}

func TestCanonizeMissingKeyFieldParks(t *testing.T) {
	ctx := context.Background()
	log := &transitionLog{}
	o := pipeline.New(testRegistry(t), memory.New(), pipeline.WithEmitter(log.emit))

	res, err := o.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "crm",
		Values: map[string]any{"name": "no serial here"},
	}, pipeline.CallOptions{})
	require.NoError(t, err)

	assert.Equal(t, canonical.OutcomeParked, res.Outcome)
	assert.Empty(t, res.Identity, "parking never mints an identity")
	require.NotNil(t, res.Parked)
	assert.Contains(t, res.Parked.Reason, "serial")
	assert.True(t, errors.IsValidation(res.Parked.Err))

	term := log.terminal()
	require.NotNil(t, term)
	assert.Equal(t, pipeline.PhaseValidation, term.Phase)
	assert.Equal(t, canonical.OutcomeParked, term.Outcome)
}

func TestCanonizeExternalIDConflictParks(t *testing.T) {
	ctx := context.Background()
	o := pipeline.New(testRegistry(t), memory.New())

	_, err := o.Canonize(ctx, pipeline.RawRecord{
		Type:       "device",
		Source:     "crm",
		ExternalID: "EXT-9",
		Values:     map[string]any{"serial": "SN-1"},
	}, pipeline.CallOptions{ArrivalTime: arrival(0)})
	require.NoError(t, err)

	// The same source re-presents the same external id under a different
	// key tuple: incompatible identity claims, parked with evidence.
	res, err := o.Canonize(ctx, pipeline.RawRecord{
		Type:       "device",
		Source:     "crm",
		ExternalID: "EXT-9",
		Values:     map[string]any{"serial": "SN-2"},
	}, pipeline.CallOptions{ArrivalTime: arrival(1)})
	require.NoError(t, err)

	assert.Equal(t, canonical.OutcomeParked, res.Outcome)
	require.NotNil(t, res.Parked)
	assert.Equal(t, "EXT-9", res.Parked.Evidence["external_id"])
	assert.NotEmpty(t, res.Parked.Evidence["claimed_key"])
	assert.NotEmpty(t, res.Parked.Evidence["incoming_key"])
	assert.NotEqual(t, res.Parked.Evidence["claimed_key"], res.Parked.Evidence["incoming_key"])
}

func TestCanonizeWritesAuditRecord(t *testing.T) {
	ctx := context.Background()
	o := pipeline.New(testRegistry(t), memory.New())

	res, err := o.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "telemetry",
		Values: map[string]any{"serial": "SN-1", "name": "Sensor"},
	}, pipeline.CallOptions{ArrivalTime: arrival(0)})
	require.NoError(t, err)
	require.NotEmpty(t, res.AuditRef)

	recs, err := o.Audit().Page(ctx, utc.Time{}, utc.Time{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, canonical.OutcomeCompleted, recs[0].Outcome)
	assert.Equal(t, res.Identity, recs[0].Identity)
	assert.Equal(t, res.AuditRef, recs[0].Ref())
	assert.Len(t, recs[0].Decisions, 2)
}

func TestCanonizeUnauditedTypeWritesNothing(t *testing.T) {
	ctx := context.Background()
	o := pipeline.New(testRegistry(t), memory.New())

	res, err := o.Canonize(ctx, pipeline.RawRecord{
		Type:   "contact",
		Source: "crm",
		Values: map[string]any{"email": "a@example.com", "name": "A"},
	}, pipeline.CallOptions{ArrivalTime: arrival(0)})
	require.NoError(t, err)
	assert.Equal(t, canonical.OutcomeCompleted, res.Outcome)
	assert.Empty(t, res.AuditRef)

	recs, err := o.Audit().Page(ctx, utc.Time{}, utc.Time{}, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestCanonizeDistributionFailureKeepsOutcome(t *testing.T) {
	ctx := context.Background()
	log := &transitionLog{}

	var delivered []pipeline.Event
	hooks := pipeline.Hooks{
		Defaults: pipeline.Registration{
			Distributors: []pipeline.Distributor{
				pipeline.DistributorFunc{
					DistributorName: "flaky",
					Func: func(context.Context, pipeline.Event) error {
						return errors.New("downstream unavailable")
					},
				},
				pipeline.DistributorFunc{
					DistributorName: "capture",
					Func: func(_ context.Context, ev pipeline.Event) error {
						delivered = append(delivered, ev)
						return nil
					},
				},
			},
		},
	}
	o := pipeline.New(testRegistry(t), memory.New(),
		pipeline.WithHooks(hooks), pipeline.WithEmitter(log.emit))

	res, err := o.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "crm",
		Values: map[string]any{"serial": "SN-1", "name": "Sensor"},
	}, pipeline.CallOptions{ArrivalTime: arrival(0)})
	require.NoError(t, err)

	// A failing distributor never rolls back the committed state.
	assert.Equal(t, canonical.OutcomeCompleted, res.Outcome)
	require.Contains(t, res.DistributionFailures, "flaky")

	// Later distributors still run.
	require.Len(t, delivered, 1)
	assert.Equal(t, pipeline.EventCompleted, delivered[0].Kind)

	// Observers still see the completion alongside the failure report.
	term := log.terminal()
	require.NotNil(t, term)
	assert.Equal(t, canonical.OutcomeCompleted, term.Outcome)
	require.NotNil(t, term.Event)
	assert.Equal(t, pipeline.EventCompleted, term.Event.Kind)

	failed := 0
	for _, tr := range log.all() {
		if tr.Phase == pipeline.PhaseDistribution && tr.Status == pipeline.StatusFailed {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}

func TestCanonizeCanceledBeforeAggregation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := pipeline.New(testRegistry(t), memory.New())
	res, err := o.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "crm",
		Values: map[string]any{"serial": "SN-1"},
	}, pipeline.CallOptions{})

	require.Error(t, err)
	assert.True(t, errors.IsCanceled(err))
	assert.Equal(t, canonical.OutcomeFailed, res.Outcome)
	assert.Empty(t, res.Identity, "cancellation before aggregation assigns nothing")
}

func TestCanonizeUnknownTypeFails(t *testing.T) {
	o := pipeline.New(testRegistry(t), memory.New())
	res, err := o.Canonize(context.Background(), pipeline.RawRecord{
		Type:   "spaceship",
		Source: "crm",
		Values: map[string]any{"serial": "SN-1"},
	}, pipeline.CallOptions{})

	require.Error(t, err)
	assert.Equal(t, canonical.OutcomeFailed, res.Outcome)
}

func TestCanonizeValidatorParks(t *testing.T) {
	hooks := pipeline.Hooks{
		Defaults: pipeline.Registration{
			Validators: []pipeline.Validator{
				pipeline.ValidatorFunc{
					ValidatorName: "email-shape",
					Func: func(_ context.Context, d *pipeline.Draft) error {
						if v, _ := d.Values["email"].(string); v == "not-an-email" {
							return errors.NewValidationError("email", v, "malformed address")
						}
						return nil
					},
				},
			},
		},
	}
	o := pipeline.New(testRegistry(t), memory.New(), pipeline.WithHooks(hooks))

	res, err := o.Canonize(context.Background(), pipeline.RawRecord{
		Type:   "contact",
		Source: "crm",
		Values: map[string]any{"email": "not-an-email"},
	}, pipeline.CallOptions{})
	require.NoError(t, err)
	assert.Equal(t, canonical.OutcomeParked, res.Outcome)
	assert.Contains(t, res.Parked.Reason, "malformed address")
}

func TestCanonizePerTypeOverride(t *testing.T) {
	rejectAll := pipeline.ValidatorFunc{
		ValidatorName: "reject-all",
		Func: func(context.Context, *pipeline.Draft) error {
			return errors.NewValidationError("", nil, "rejected by default validator")
		},
	}
	hooks := pipeline.Hooks{
		Defaults: pipeline.Registration{Validators: []pipeline.Validator{rejectAll}},
		PerType: map[canonical.EntityType]pipeline.Registration{
			// Declared empty list replaces the default for this type.
			"device": {Validators: []pipeline.Validator{}},
		},
	}
	o := pipeline.New(testRegistry(t), memory.New(), pipeline.WithHooks(hooks))

	res, err := o.Canonize(context.Background(), pipeline.RawRecord{
		Type:   "device",
		Source: "crm",
		Values: map[string]any{"serial": "SN-1"},
	}, pipeline.CallOptions{ArrivalTime: arrival(0)})
	require.NoError(t, err)
	assert.Equal(t, canonical.OutcomeCompleted, res.Outcome)

	res, err = o.Canonize(context.Background(), pipeline.RawRecord{
		Type:   "contact",
		Source: "crm",
		Values: map[string]any{"email": "a@example.com"},
	}, pipeline.CallOptions{ArrivalTime: arrival(0)})
	require.NoError(t, err)
	assert.Equal(t, canonical.OutcomeParked, res.Outcome)
}

func TestRebuildViewsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	hooks := pipeline.Hooks{
		Defaults: pipeline.Registration{
			Projectors: []pipeline.Projector{
				pipeline.ProjectorFunc{
					ProjectorName: "summary",
					Func: func(_ context.Context, rec *canonical.Record, fps []canonical.Footprint) error {
						if rec.Views == nil {
							rec.Views = make(map[string]any)
						}
						rec.Views["summary"] = map[string]any{"fields": len(fps)}
						return nil
					},
				},
			},
		},
	}
	o := pipeline.New(testRegistry(t), memory.New(), pipeline.WithHooks(hooks))

	res, err := o.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "crm",
		Values: map[string]any{"serial": "SN-1", "name": "Sensor"},
	}, pipeline.CallOptions{ArrivalTime: arrival(0)})
	require.NoError(t, err)

	first, err := o.RebuildViews(ctx, res.Identity)
	require.NoError(t, err)
	second, err := o.RebuildViews(ctx, res.Identity)
	require.NoError(t, err)

	// Unchanged footprints project to byte-identical records.
	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotNil(t, first.Views["summary"])

	// A view filter naming nothing registered skips the projector.
	filtered, err := o.RebuildViews(ctx, res.Identity, "other")
	require.NoError(t, err)
	assert.Nil(t, filtered.Views)
}

func TestRebuildViewsUnknownIdentity(t *testing.T) {
	o := pipeline.New(testRegistry(t), memory.New())
	_, err := o.RebuildViews(context.Background(), canonical.MintIdentity())
	assert.True(t, errors.IsNotFound(err))
}

func TestRedriveReemitsCompletionEvent(t *testing.T) {
	ctx := context.Background()

	var delivered []pipeline.Event
	hooks := pipeline.Hooks{
		Defaults: pipeline.Registration{
			Distributors: []pipeline.Distributor{
				pipeline.DistributorFunc{
					DistributorName: "capture",
					Func: func(_ context.Context, ev pipeline.Event) error {
						delivered = append(delivered, ev)
						return nil
					},
				},
			},
		},
	}
	o := pipeline.New(testRegistry(t), memory.New(), pipeline.WithHooks(hooks))

	res, err := o.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "crm",
		Values: map[string]any{"serial": "SN-1", "name": "Sensor"},
	}, pipeline.CallOptions{ArrivalTime: arrival(0)})
	require.NoError(t, err)
	require.Len(t, delivered, 1)

	recs, err := o.Audit().Page(ctx, utc.Time{}, utc.Time{}, 0, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	ev, err := o.Redrive(ctx, recs[0])
	require.NoError(t, err)
	assert.Equal(t, pipeline.EventCompleted, ev.Kind)
	assert.Equal(t, recs[0].Ref(), ev.AuditRef)
	require.Len(t, delivered, 2)
	assert.Equal(t, res.Identity, delivered[1].Identity)
}

func TestRedriveRejectsParkedRecord(t *testing.T) {
	o := pipeline.New(testRegistry(t), memory.New())
	_, err := o.Redrive(context.Background(), canonical.CanonizationRecord{
		Outcome: canonical.OutcomeParked,
	})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestCanonizeFirstPolicyKeepsFirstArrival(t *testing.T) {
	ctx := context.Background()
	o := pipeline.New(testRegistry(t), memory.New())

	_, err := o.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "telemetry",
		Values: map[string]any{"serial": "SN-1", "first_seen_by": "telemetry"},
	}, pipeline.CallOptions{ArrivalTime: arrival(0)})
	require.NoError(t, err)

	res, err := o.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "crm",
		Values: map[string]any{"serial": "SN-1", "first_seen_by": "crm"},
	}, pipeline.CallOptions{ArrivalTime: arrival(9)})
	require.NoError(t, err)

	assert.Equal(t, "telemetry", res.Record.Values["first_seen_by"])
}
