package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/storefront-identity/internal/utils"
)

// Purpose scopes a single-use token to one flow.
type Purpose string

const (
	PurposeConfirmEmail  Purpose = "confirm_email"
	PurposeResetPassword Purpose = "reset_password"
)

// ActionTokenLength is the size of confirmation and reset tokens.
const ActionTokenLength = 48

// ActionTokenRepo stores email confirmation and password reset tokens in
// Redis. A key encodes purpose, user and token hash; consumption is GETDEL,
// so each token is accepted at most once.
type ActionTokenRepo struct {
	RDB    *redis.Client
	Prefix string
}

func NewActionTokenRepo(rdb *redis.Client, prefix string) *ActionTokenRepo {
	return &ActionTokenRepo{RDB: rdb, Prefix: prefix}
}

func (r *ActionTokenRepo) key(p Purpose, userID uint64, raw string) string {
	return fmt.Sprintf("%s:%s:%d:%s", r.Prefix, p, userID, utils.HashToken(raw))
}

// Issue creates a token for userID valid for ttl.
func (r *ActionTokenRepo) Issue(ctx context.Context, p Purpose, userID uint64, ttl time.Duration) (string, error) {
	raw, err := utils.RandomString(ActionTokenLength)
	if err != nil {
		return "", err
	}
	ok, err := r.RDB.SetNX(ctx, r.key(p, userID, raw), strconv.FormatInt(time.Now().Unix(), 10), ttl).Result()
	if err != nil {
		return "", fmt.Errorf("store %s token: %w", p, err)
	}
	if !ok {
		return "", fmt.Errorf("store %s token: key collision", p)
	}
	return raw, nil
}

// Consume deletes the token and reports ErrNotFound when it was never
// issued for this user and purpose, already used, or expired.
func (r *ActionTokenRepo) Consume(ctx context.Context, p Purpose, userID uint64, raw string) error {
	if raw == "" {
		return ErrNotFound
	}
	err := r.RDB.GetDel(ctx, r.key(p, userID, raw)).Err()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("consume %s token: %w", p, err)
	}
	return nil
}
