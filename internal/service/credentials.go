package service

import (
	"github.com/iliyamo/storefront-identity/internal/model"
	"github.com/iliyamo/storefront-identity/internal/utils"
)

// CredentialVerifier checks passwords against stored bcrypt hashes.
type CredentialVerifier struct {
	dummyHash string
}

// NewCredentialVerifier prepares a dummy hash at cost so lookups that find
// no usable hash spend the same bcrypt time as a real comparison.
func NewCredentialVerifier(cost int) (*CredentialVerifier, error) {
	h, err := utils.HashPassword("not-a-real-password", cost)
	if err != nil {
		return nil, err
	}
	return &CredentialVerifier{dummyHash: h}, nil
}

// Verify reports whether password matches u. A nil user or an account
// without a local password always fails after one bcrypt comparison.
func (v *CredentialVerifier) Verify(u *model.User, password string) bool {
	if u == nil || !u.HasPassword() {
		utils.VerifyPassword(v.dummyHash, password)
		return false
	}
	return utils.VerifyPassword(u.PasswordHash, password)
}
