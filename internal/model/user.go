package model

import (
	"strings"
	"time"
)

// Role is the authorization role stored on users.role and carried in the
// access token's role claim.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAdmin    Role = "admin"
)

// ParseRole normalizes a role name. Empty and unknown values fall back to
// RoleCustomer.
func ParseRole(s string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleCustomer
	}
}

// DefaultCity is written on accounts created through federated sign-in,
// where the provider profile has no address.
const DefaultCity = "Kuwait"

// User mirrors a row of the `users` table. Users are never hard-deleted.
//
// Fields:
//
//	ID             – primary key.
//	Email          – unique, stored lower-cased.
//	PasswordHash   – bcrypt hash; empty for accounts that only sign in through a provider.
//	UserName       – display name.
//	Role           – customer or admin.
//	EmailConfirmed – set by the confirmation flow or by federated sign-up.
type User struct {
	ID             uint64    // users.id
	Email          string    // users.email
	PasswordHash   string    // users.password_hash
	UserName       string    // users.user_name
	Role           Role      // users.role
	EmailConfirmed bool      // users.email_confirmed
	Phone          string    // users.phone
	City           string    // users.city
	CreatedAt      time.Time // users.created_at
	UpdatedAt      time.Time // users.updated_at
}

// HasPassword reports whether the account can sign in with a local password.
func (u User) HasPassword() bool { return u.PasswordHash != "" }

// ExternalLogin links a user to an identity at an external provider
// (`user_logins` table). (Provider, ProviderKey) is unique.
type ExternalLogin struct {
	UserID      uint64 // user_logins.user_id
	Provider    string // user_logins.provider, e.g. "google"
	ProviderKey string // user_logins.provider_key, the provider's subject id
	DisplayName string // user_logins.display_name
}
