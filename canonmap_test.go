package canonmap_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/agentstation/utc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentstation/canonmap"
	"github.com/agentstation/canonmap/pkg/canonical"
	"github.com/agentstation/canonmap/pkg/descriptor"
	"github.com/agentstation/canonmap/pkg/pipeline"
	"github.com/agentstation/canonmap/pkg/policy"
)

func testRegistry(t *testing.T) *descriptor.Registry {
	t.Helper()
	reg, err := descriptor.NewRegistry(descriptor.Descriptor{
		Type:      "device",
		KeyFields: []string{"serial"},
		Fields: []descriptor.Field{
			{Name: "name", Policy: policy.Latest},
			{Name: "lowest_reading", Policy: policy.Min},
		},
		Audited: true,
	})
	require.NoError(t, err)
	return reg
}

func at(sec int) utc.Time {
	return utc.New(time.Date(2026, 7, 1, 9, 0, sec, 0, time.UTC))
}

func TestNewRequiresDescriptors(t *testing.T) {
	_, err := canonmap.New()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no entity descriptors")
}

func TestCanonizeEndToEnd(t *testing.T) {
	ctx := context.Background()
	c, err := canonmap.New(canonmap.WithDescriptors(testRegistry(t)))
	require.NoError(t, err)

	res1, err := c.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "telemetry",
		Values: map[string]any{"serial": "SN-1", "name": "Sensor", "lowest_reading": 4},
	}, canonmap.WithArrivalTime(at(0)))
	require.NoError(t, err)
	assert.Equal(t, canonical.OutcomeCompleted, res1.Outcome)

	// WithOrigin overrides the record's own source.
	res2, err := c.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "ignored",
		Values: map[string]any{"serial": "SN-1", "name": "Sensor A"},
	}, canonmap.WithOrigin("crm"), canonmap.WithArrivalTime(at(10)))
	require.NoError(t, err)

	assert.Equal(t, res1.Identity, res2.Identity)
	assert.Equal(t, canonical.SourceID("crm"), res2.Record.Lineage["name"].Source)
	assert.Equal(t, 4, res2.Record.Values["lowest_reading"])
}

func TestRebuildViewsMatchesCanonizeProjection(t *testing.T) {
	ctx := context.Background()
	c, err := canonmap.New(canonmap.WithDescriptors(testRegistry(t)))
	require.NoError(t, err)

	res, err := c.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "crm",
		Values: map[string]any{"serial": "SN-1", "name": "Sensor"},
	}, canonmap.WithArrivalTime(at(0)))
	require.NoError(t, err)

	rebuilt, err := c.RebuildViews(ctx, res.Identity)
	require.NoError(t, err)

	want, err := json.Marshal(res.Record)
	require.NoError(t, err)
	got, err := json.Marshal(rebuilt)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// orderedObserver records which observer saw each transition.
type orderedObserver struct {
	mu    sync.Mutex
	name  string
	seen  *[]string
	calls int
}

func (o *orderedObserver) Observe(pipeline.Transition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	*o.seen = append(*o.seen, o.name)
	o.calls++
}

func TestObserversRunInRegistrationOrder(t *testing.T) {
	ctx := context.Background()
	c, err := canonmap.New(canonmap.WithDescriptors(testRegistry(t)))
	require.NoError(t, err)

	var seen []string
	first := &orderedObserver{name: "first", seen: &seen}
	second := &orderedObserver{name: "second", seen: &seen}
	c.RegisterObserver(first)
	c.RegisterObserver(second)

	_, err = c.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "crm",
		Values: map[string]any{"serial": "SN-1"},
	}, canonmap.WithArrivalTime(at(0)))
	require.NoError(t, err)

	require.NotEmpty(t, seen)
	assert.Equal(t, first.calls, second.calls)
	for i := 0; i+1 < len(seen); i += 2 {
		assert.Equal(t, "first", seen[i])
		assert.Equal(t, "second", seen[i+1])
	}
}

func TestObserverUnregister(t *testing.T) {
	ctx := context.Background()
	c, err := canonmap.New(canonmap.WithDescriptors(testRegistry(t)))
	require.NoError(t, err)

	count := 0
	handle := c.RegisterObserver(canonmap.ObserverFunc(func(pipeline.Transition) { count++ }))
	handle.Unregister()
	handle.Unregister() // idempotent

	_, err = c.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "crm",
		Values: map[string]any{"serial": "SN-1"},
	}, canonmap.WithArrivalTime(at(0)))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestObserverPanicDoesNotBreakCall(t *testing.T) {
	ctx := context.Background()
	c, err := canonmap.New(canonmap.WithDescriptors(testRegistry(t)))
	require.NoError(t, err)

	c.RegisterObserver(canonmap.ObserverFunc(func(pipeline.Transition) {
		panic("observer bug")
	}))
	survived := 0
	c.RegisterObserver(canonmap.ObserverFunc(func(pipeline.Transition) { survived++ }))

	res, err := c.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "crm",
		Values: map[string]any{"serial": "SN-1"},
	}, canonmap.WithArrivalTime(at(0)))
	require.NoError(t, err)
	assert.Equal(t, canonical.OutcomeCompleted, res.Outcome)
	assert.Positive(t, survived, "later observers still run after a panic")
}

func TestObserverSeesTerminalOutcome(t *testing.T) {
	ctx := context.Background()

	flaky := pipeline.DistributorFunc{
		DistributorName: "flaky",
		Func: func(context.Context, pipeline.Event) error {
			return assert.AnError
		},
	}
	c, err := canonmap.New(
		canonmap.WithDescriptors(testRegistry(t)),
		canonmap.WithDistributors(flaky),
	)
	require.NoError(t, err)

	var terminal *pipeline.Transition
	c.RegisterObserver(canonmap.ObserverFunc(func(tr pipeline.Transition) {
		if tr.Outcome != "" {
			terminal = &tr
		}
	}))

	res, err := c.Canonize(ctx, pipeline.RawRecord{
		Type:   "device",
		Source: "crm",
		Values: map[string]any{"serial": "SN-1"},
	}, canonmap.WithArrivalTime(at(0)))
	require.NoError(t, err)

	// The distributor failed, but canonical state is committed: both the
	// result and the observer report a completed canonization.
	assert.Equal(t, canonical.OutcomeCompleted, res.Outcome)
	require.NotNil(t, terminal)
	assert.Equal(t, canonical.OutcomeCompleted, terminal.Outcome)
	require.NotNil(t, terminal.Event)
	assert.Equal(t, pipeline.EventCompleted, terminal.Event.Kind)
}
