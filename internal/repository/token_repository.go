package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/storefront-identity/internal/model"
	"github.com/iliyamo/storefront-identity/internal/utils"
)

// RefreshTokenLength is the size of the opaque refresh secret, ~382 bits
// of entropy over utils.TokenAlphabet.
const RefreshTokenLength = 64

// TokenRepo persists refresh tokens. The raw secret goes to the client once;
// the table keeps only its SHA-256 hash.
type TokenRepo struct {
	DB        *sql.DB
	TTLMonths int
	Now       func() time.Time
}

func NewTokenRepo(db *sql.DB, ttlMonths int) *TokenRepo {
	return &TokenRepo{DB: db, TTLMonths: ttlMonths, Now: time.Now}
}

func (r *TokenRepo) now() time.Time { return r.Now().UTC().Truncate(time.Second) }

// Create mints a refresh token for userID paired with the access token jti.
func (r *TokenRepo) Create(ctx context.Context, userID uint64, jti string) (model.RefreshToken, error) {
	return r.insert(ctx, r.DB, userID, jti, r.now())
}

func (r *TokenRepo) insert(ctx context.Context, db execer, userID uint64, jti string, now time.Time) (model.RefreshToken, error) {
	raw, err := utils.RandomString(RefreshTokenLength)
	if err != nil {
		return model.RefreshToken{}, err
	}
	rt := model.RefreshToken{
		UserID:    userID,
		Token:     raw,
		TokenHash: utils.HashToken(raw),
		JwtID:     jti,
		CreatedAt: now,
		ExpiresAt: now.AddDate(0, r.TTLMonths, 0),
	}
	res, err := db.ExecContext(ctx,
		"INSERT INTO refresh_tokens (user_id, token_hash, jwt_id, created_at, expires_at) VALUES (?,?,?,?,?)",
		rt.UserID, rt.TokenHash, rt.JwtID, rt.CreatedAt, rt.ExpiresAt)
	if err != nil {
		return model.RefreshToken{}, fmt.Errorf("insert refresh token: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.RefreshToken{}, err
	}
	rt.ID = uint64(id)
	return rt, nil
}

// FindByToken looks a record up by its raw secret.
func (r *TokenRepo) FindByToken(ctx context.Context, raw string) (model.RefreshToken, error) {
	var (
		rt        model.RefreshToken
		revokedAt sql.NullTime
	)
	err := r.DB.QueryRowContext(ctx,
		"SELECT id, user_id, token_hash, jwt_id, created_at, expires_at, revoked_at FROM refresh_tokens WHERE token_hash=? LIMIT 1",
		utils.HashToken(raw)).Scan(&rt.ID, &rt.UserID, &rt.TokenHash, &rt.JwtID, &rt.CreatedAt, &rt.ExpiresAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RefreshToken{}, ErrNotFound
	}
	if err != nil {
		return model.RefreshToken{}, err
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		rt.RevokedAt = &t
	}
	return rt, nil
}

// Revoke sets revoked_at on an active record. It is a compare-and-swap:
// a second call, or a call racing a rotation, gets ErrAlreadyRevoked.
func (r *TokenRepo) Revoke(ctx context.Context, id uint64) error {
	return revoke(ctx, r.DB, id, r.now())
}

func revoke(ctx context.Context, db execer, id uint64, now time.Time) error {
	res, err := db.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at=? WHERE id=? AND revoked_at IS NULL",
		now, id)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyRevoked
	}
	return nil
}

// Rotate consumes old and mints its successor for the same user and jti in
// one transaction. Only one caller can rotate a given record.
func (r *TokenRepo) Rotate(ctx context.Context, old model.RefreshToken) (model.RefreshToken, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.RefreshToken{}, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := r.now()
	if err := revoke(ctx, tx, old.ID, now); err != nil {
		return model.RefreshToken{}, err
	}
	next, err := r.insert(ctx, tx, old.UserID, old.JwtID, now)
	if err != nil {
		return model.RefreshToken{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.RefreshToken{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// RevokeAllForUser revokes every active token of the user and returns how
// many were affected.
func (r *TokenRepo) RevokeAllForUser(ctx context.Context, userID uint64) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE refresh_tokens SET revoked_at=? WHERE user_id=? AND revoked_at IS NULL",
		r.now(), userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
