package policy_test

import (
	"testing"
	"time"

	"github.com/agentstation/utc"
	"github.com/stretchr/testify/assert"

	"github.com/agentstation/canonmap/pkg/policy"
	"github.com/agentstation/canonmap/pkg/token"
)

func tok(sec int, source string) token.Token {
	return token.New(utc.New(time.Date(2026, 5, 1, 10, 0, sec, 0, time.UTC)), source)
}

func TestEvaluateAbsentCurrent(t *testing.T) {
	for _, kind := range []policy.Kind{policy.First, policy.Latest, policy.Min, policy.Max} {
		t.Run(kind.String(), func(t *testing.T) {
			v := policy.Evaluate(nil, policy.Value{Value: 42, Token: tok(0, "crm")}, kind)
			assert.Equal(t, policy.WinnerIncoming, v.Winner)
			assert.False(t, v.Degraded)
		})
	}
}

func TestEvaluateFirst(t *testing.T) {
	current := &policy.Value{Value: "original", Token: tok(0, "crm")}
	v := policy.Evaluate(current, policy.Value{Value: "newer", Token: tok(10, "crm")}, policy.First)
	assert.Equal(t, policy.WinnerCurrent, v.Winner)
}

func TestEvaluateLatest(t *testing.T) {
	tests := []struct {
		name     string
		current  token.Token
		incoming token.Token
		want     policy.Winner
	}{
		{
			name:     "later token wins",
			current:  tok(0, "crm"),
			incoming: tok(1, "telemetry"),
			want:     policy.WinnerIncoming,
		},
		{
			name:     "earlier token loses",
			current:  tok(1, "crm"),
			incoming: tok(0, "telemetry"),
			want:     policy.WinnerCurrent,
		},
		{
			name:     "equal token loses",
			current:  tok(0, "crm"),
			incoming: tok(0, "crm"),
			want:     policy.WinnerCurrent,
		},
		{
			name:     "equal time breaks tie by source descending",
			current:  tok(0, "crm"),
			incoming: tok(0, "telemetry"),
			want:     policy.WinnerIncoming,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := &policy.Value{Value: "a", Token: tt.current, Source: tt.current.Source}
			incoming := policy.Value{Value: "b", Token: tt.incoming, Source: tt.incoming.Source}
			v := policy.Evaluate(current, incoming, policy.Latest)
			assert.Equal(t, tt.want, v.Winner)
			assert.NotEmpty(t, v.Reason)
		})
	}
}

func TestEvaluateLatestOrderIndependence(t *testing.T) {
	// t1 < t2 arriving in either order: t2's value must always stand.
	v1 := policy.Value{Value: "Sensor A", Token: tok(0, "crm")}
	v2 := policy.Value{Value: "Sensor A-renamed", Token: tok(5, "crm")}

	// v1 then v2: incoming v2 supersedes.
	forward := policy.Evaluate(&v1, v2, policy.Latest)
	assert.Equal(t, policy.WinnerIncoming, forward.Winner)

	// v2 then v1: current v2 stands.
	reverse := policy.Evaluate(&v2, v1, policy.Latest)
	assert.Equal(t, policy.WinnerCurrent, reverse.Winner)
}

func TestEvaluateMinMax(t *testing.T) {
	tests := []struct {
		name     string
		kind     policy.Kind
		current  any
		incoming any
		want     policy.Winner
	}{
		{"min accepts smaller int", policy.Min, 10, 3, policy.WinnerIncoming},
		{"min rejects larger int", policy.Min, 3, 7, policy.WinnerCurrent},
		{"min rejects equal int", policy.Min, 3, 3, policy.WinnerCurrent},
		{"max accepts larger float", policy.Max, 1.5, 2.5, policy.WinnerIncoming},
		{"max rejects smaller float", policy.Max, 2.5, 1.5, policy.WinnerCurrent},
		{"min compares across numeric widths", policy.Min, int64(10), 3.0, policy.WinnerIncoming},
		{"min on strings is lexicographic", policy.Min, "beta", "alpha", policy.WinnerIncoming},
		{"max on strings is lexicographic", policy.Max, "beta", "alpha", policy.WinnerCurrent},
		{
			"min on times",
			policy.Min,
			utc.New(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)),
			utc.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)),
			policy.WinnerIncoming,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := &policy.Value{Value: tt.current, Token: tok(0, "crm")}
			incoming := policy.Value{Value: tt.incoming, Token: tok(1, "crm")}
			v := policy.Evaluate(current, incoming, tt.kind)
			assert.Equal(t, tt.want, v.Winner)
			assert.False(t, v.Degraded)
		})
	}
}

func TestEvaluateMinSequence(t *testing.T) {
	// 10, then 3, then 7: the surviving value is 3 regardless of pairing.
	current := policy.Value{Value: 10, Token: tok(0, "telemetry")}

	v := policy.Evaluate(&current, policy.Value{Value: 3, Token: tok(1, "telemetry")}, policy.Min)
	assert.Equal(t, policy.WinnerIncoming, v.Winner)
	current = policy.Value{Value: 3, Token: tok(1, "telemetry")}

	v = policy.Evaluate(&current, policy.Value{Value: 7, Token: tok(2, "telemetry")}, policy.Min)
	assert.Equal(t, policy.WinnerCurrent, v.Winner)
}

func TestEvaluateDegradesToLatest(t *testing.T) {
	// A slice has no comparable domain: Min degrades to Latest for this
	// field, flagged so the caller can log the warning. Never a drop.
	current := &policy.Value{Value: []string{"a"}, Token: tok(0, "crm")}
	incoming := policy.Value{Value: []string{"b"}, Token: tok(1, "crm")}

	v := policy.Evaluate(current, incoming, policy.Min)
	assert.True(t, v.Degraded)
	assert.Equal(t, policy.WinnerIncoming, v.Winner)
	assert.Contains(t, v.Reason, "degraded to latest")

	// Mixed domains degrade too.
	v = policy.Evaluate(&policy.Value{Value: 3, Token: tok(0, "crm")}, policy.Value{Value: "3", Token: tok(1, "crm")}, policy.Max)
	assert.True(t, v.Degraded)
}

func TestEvaluateDeterminism(t *testing.T) {
	current := &policy.Value{Value: 10, Token: tok(0, "a")}
	incoming := policy.Value{Value: 3, Token: tok(0, "b")}

	first := policy.Evaluate(current, incoming, policy.Min)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, policy.Evaluate(current, incoming, policy.Min))
	}
}

func TestKind(t *testing.T) {
	assert.True(t, policy.Latest.Valid())
	assert.False(t, policy.Kind("newest").Valid())
	assert.Equal(t, "Latest", policy.Latest.Name())
}
