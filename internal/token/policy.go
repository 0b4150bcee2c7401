package token

import "time"

// Policy selects which time- and audience-dependent checks a parse applies.
// It is a value: callers derive variants instead of mutating shared state.
type Policy struct {
	ValidateLifetime bool
	ValidateIssuer   bool
	ValidateAudience bool
	ClockSkew        time.Duration
}

// IgnoringLifetime returns a copy of p that accepts expired tokens. Used by
// the refresh flow, which must read the jti of an expired access token.
func (p Policy) IgnoringLifetime() Policy {
	p.ValidateLifetime = false
	return p
}
