package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/iliyamo/storefront-identity/internal/model"
)

const userColumns = "id,email,password_hash,user_name,role,email_confirmed,phone,city,created_at,updated_at"

type UserRepo struct{ DB *sql.DB }

func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{DB: db} }

// NormalizeEmail lower-cases and trims an address the way it is stored.
func NormalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Create inserts u and returns its ID.
func (r *UserRepo) Create(ctx context.Context, u model.User) (uint64, error) {
	return insertUser(ctx, r.DB, u)
}

// CreateExternal inserts u together with its provider login in a single
// transaction, so a failure never leaves a user without its link.
func (r *UserRepo) CreateExternal(ctx context.Context, u model.User, login model.ExternalLogin) (uint64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, err := insertUser(ctx, tx, u)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO user_logins (user_id, provider, provider_key, display_name) VALUES (?,?,?,?)",
		id, login.Provider, login.ProviderKey, login.DisplayName); err != nil {
		return 0, fmt.Errorf("insert login: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

func insertUser(ctx context.Context, db execer, u model.User) (uint64, error) {
	res, err := db.ExecContext(ctx,
		"INSERT INTO users (email, password_hash, user_name, role, email_confirmed, phone, city) VALUES (?,?,?,?,?,?,?)",
		NormalizeEmail(u.Email), u.PasswordHash, u.UserName, string(u.Role), u.EmailConfirmed, u.Phone, u.City)
	if err != nil {
		if isDuplicate(err) {
			return 0, ErrEmailExists
		}
		return 0, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

// GetByEmail fetches a user by normalized email.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (model.User, error) {
	return r.getOne(ctx, "SELECT "+userColumns+" FROM users WHERE email=? LIMIT 1", NormalizeEmail(email))
}

// GetByID fetches a user by id.
func (r *UserRepo) GetByID(ctx context.Context, id uint64) (model.User, error) {
	return r.getOne(ctx, "SELECT "+userColumns+" FROM users WHERE id=? LIMIT 1", id)
}

func (r *UserRepo) getOne(ctx context.Context, query string, arg any) (model.User, error) {
	var (
		u    model.User
		role string
	)
	err := r.DB.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.PasswordHash, &u.UserName, &role, &u.EmailConfirmed,
		&u.Phone, &u.City, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, err
	}
	u.Role = model.ParseRole(role)
	return u, nil
}

// ConfirmEmail marks the user's address as confirmed.
func (r *UserRepo) ConfirmEmail(ctx context.Context, id uint64) error {
	return r.updateOne(ctx, "UPDATE users SET email_confirmed=TRUE WHERE id=?", id)
}

// UpdatePassword replaces the stored bcrypt hash.
func (r *UserRepo) UpdatePassword(ctx context.Context, id uint64, hash string) error {
	return r.updateOne(ctx, "UPDATE users SET password_hash=? WHERE id=?", hash, id)
}

// SetRole changes the user's role.
func (r *UserRepo) SetRole(ctx context.Context, id uint64, role model.Role) error {
	return r.updateOne(ctx, "UPDATE users SET role=? WHERE id=?", string(role), id)
}

func (r *UserRepo) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	// MySQL reports 0 affected rows when the value is unchanged, so only a
	// missing id is treated as an error here.
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		var one int
		if err := r.DB.QueryRowContext(ctx, "SELECT 1 FROM users WHERE id=?", args[len(args)-1]).Scan(&one); errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
	}
	return nil
}
