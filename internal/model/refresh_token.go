package model

import "time"

// RefreshToken models a row of the `refresh_tokens` table. Only the SHA-256
// hash of the bearer secret is stored; Token is populated on the value
// returned when a record is minted so it can be handed to the client once.
//
// JwtID is the jti of the access token the record was issued with, and is
// the correlation key checked on refresh.
type RefreshToken struct {
	ID        uint64     // refresh_tokens.id
	UserID    uint64     // refresh_tokens.user_id
	Token     string     // raw secret, never persisted
	TokenHash string     // refresh_tokens.token_hash
	JwtID     string     // refresh_tokens.jwt_id
	CreatedAt time.Time  // refresh_tokens.created_at
	ExpiresAt time.Time  // refresh_tokens.expires_at
	RevokedAt *time.Time // refresh_tokens.revoked_at (nullable)
}

// IsExpired reports whether now is past the expiry.
func (t RefreshToken) IsExpired(now time.Time) bool { return now.After(t.ExpiresAt) }

// IsActive reports whether the token is neither revoked nor expired.
func (t RefreshToken) IsActive(now time.Time) bool {
	return t.RevokedAt == nil && !t.IsExpired(now)
}
