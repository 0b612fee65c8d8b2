// Package policy implements the deterministic field-merge policy engine.
// Evaluation is a pure function: given the current footprint (or its
// absence), an incoming value with its arrival token, and the declared
// policy kind, it decides the winning value and the reason. Identical
// inputs always yield the identical winner, independent of arrival order,
// which is what makes replay and retry safe.
package policy

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/agentstation/canonmap/pkg/token"
)

// Kind identifies a field-merge policy.
type Kind string

const (
	// First keeps the first accepted value forever.
	First Kind = "first"
	// Latest accepts the value bearing the strictly greater arrival token.
	Latest Kind = "latest"
	// Min keeps the smallest value seen within the field's comparable domain.
	Min Kind = "min"
	// Max keeps the largest value seen within the field's comparable domain.
	Max Kind = "max"
)

// Valid reports whether k is a declared policy kind.
func (k Kind) Valid() bool {
	switch k {
	case First, Latest, Min, Max:
		return true
	}
	return false
}

// String returns the string representation of a policy kind.
func (k Kind) String() string {
	return string(k)
}

// Name returns the display name of the policy kind.
func (k Kind) Name() string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(k), "-", " "))
}

// Winner identifies which side of an evaluation prevailed.
type Winner string

const (
	// WinnerCurrent means the stored footprint value stands.
	WinnerCurrent Winner = "current"
	// WinnerIncoming means the incoming value replaces the footprint.
	WinnerIncoming Winner = "incoming"
)

// Value is one side of a merge evaluation: a field value with provenance.
type Value struct {
	Value  any
	Token  token.Token
	Source string
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Winner Winner
	Reason string

	// Degraded is set when a Min/Max field held a value outside any
	// comparable domain and the evaluation fell back to Latest semantics.
	// The caller logs the warning; evaluation itself has no side effects.
	Degraded bool
}

// Evaluate decides between the current footprint value and an incoming
// value under the declared policy kind. A nil current always accepts the
// incoming value regardless of policy.
func Evaluate(current *Value, incoming Value, kind Kind) Verdict {
	if current == nil {
		return Verdict{
			Winner: WinnerIncoming,
			Reason: fmt.Sprintf("no current value, %s accepts first arrival", kind),
		}
	}

	switch kind {
	case First:
		return Verdict{
			Winner: WinnerCurrent,
			Reason: "first accepted value is kept",
		}
	case Min, Max:
		return evaluateExtremum(current, incoming, kind)
	default:
		// Latest, and the implicit default for undeclared kinds.
		return evaluateLatest(current, incoming, false)
	}
}

// evaluateLatest accepts the incoming value iff its token is strictly
// greater than the current token. Token comparison already breaks equal
// times by source name, so the outcome is stable under arrival order.
func evaluateLatest(current *Value, incoming Value, degraded bool) Verdict {
	if incoming.Token.After(current.Token) {
		return Verdict{
			Winner:   WinnerIncoming,
			Reason:   fmt.Sprintf("incoming token %s supersedes %s", incoming.Token, current.Token),
			Degraded: degraded,
		}
	}
	return Verdict{
		Winner:   WinnerCurrent,
		Reason:   fmt.Sprintf("current token %s not superseded by %s", current.Token, incoming.Token),
		Degraded: degraded,
	}
}

// evaluateExtremum accepts the incoming value iff it is strictly smaller
// (Min) or strictly larger (Max) than the current value within the field's
// comparable domain. Values outside every comparable domain degrade to
// Latest semantics for this evaluation only.
func evaluateExtremum(current *Value, incoming Value, kind Kind) Verdict {
	cmp, ok := Compare(incoming.Value, current.Value)
	if !ok {
		v := evaluateLatest(current, incoming, true)
		v.Reason = fmt.Sprintf("%s unsupported for %T, degraded to latest: %s", kind, incoming.Value, v.Reason)
		return v
	}

	accept := (kind == Min && cmp < 0) || (kind == Max && cmp > 0)
	if accept {
		return Verdict{
			Winner: WinnerIncoming,
			Reason: fmt.Sprintf("incoming value is the new %s", kind),
		}
	}
	return Verdict{
		Winner: WinnerCurrent,
		Reason: fmt.Sprintf("current value remains the %s", kind),
	}
}
