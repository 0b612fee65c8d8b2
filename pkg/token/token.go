// Package token provides the arrival token: a monotonically comparable
// ordering marker attached to every incoming field value. Tokens break ties
// between competing values during policy evaluation; they never participate
// in identity resolution.
package token

import (
	"fmt"
	"time"

	"github.com/agentstation/utc"
	"github.com/google/uuid"
)

// Token orders competing field values. Tokens compare by time first; equal
// times break ties by source name, descending lexicographic, so the winner
// is stable regardless of arrival order.
type Token struct {
	Time   utc.Time `json:"time" yaml:"time"`
	Source string   `json:"source" yaml:"source"`
}

// New creates a token with an explicit time and source.
func New(t utc.Time, source string) Token {
	return Token{Time: t, Source: source}
}

// Now creates a token stamped with the current wall clock.
func Now(source string) Token {
	return Token{Time: utc.Now(), Source: source}
}

// FromExternalID derives a token from an identifier with an embedded
// creation time. UUID versions 1, 6, and 7 qualify; anything else reports
// false and the caller falls back to an explicit timestamp.
func FromExternalID(id, source string) (Token, bool) {
	u, err := uuid.Parse(id)
	if err != nil {
		return Token{}, false
	}

	switch u.Version() {
	case 1, 6, 7:
		sec, nsec := u.Time().UnixTime()
		return Token{Time: utc.New(time.Unix(sec, nsec)), Source: source}, true
	default:
		return Token{}, false
	}
}

// Derive resolves the token for an incoming record: the external id's
// embedded creation time when the format supports it, otherwise the
// caller-supplied explicit timestamp, otherwise the arrival wall clock.
func Derive(externalID string, explicit *utc.Time, source string) Token {
	if externalID != "" {
		if tok, ok := FromExternalID(externalID, source); ok {
			return tok
		}
	}
	if explicit != nil && !explicit.IsZero() {
		return Token{Time: *explicit, Source: source}
	}
	return Now(source)
}

// Compare orders tokens: negative when t sorts before o, zero when equal.
// Time dominates; equal times order by source ascending, so a strictly
// greater token is one with a later time or, at the same time, a
// lexicographically greater source name.
func (t Token) Compare(o Token) int {
	switch {
	case t.Time.Before(o.Time):
		return -1
	case t.Time.After(o.Time):
		return 1
	}
	switch {
	case t.Source < o.Source:
		return -1
	case t.Source > o.Source:
		return 1
	}
	return 0
}

// After reports whether t is strictly greater than o.
func (t Token) After(o Token) bool {
	return t.Compare(o) > 0
}

// IsZero reports whether the token carries no time and no source.
func (t Token) IsZero() bool {
	return t.Time.IsZero() && t.Source == ""
}

// String returns a compact representation for logs and audit records.
func (t Token) String() string {
	return fmt.Sprintf("%s@%s", t.Source, t.Time.Format(time.RFC3339Nano))
}
