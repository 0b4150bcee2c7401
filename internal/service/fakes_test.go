package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/storefront-identity/internal/mail"
	"github.com/iliyamo/storefront-identity/internal/model"
	"github.com/iliyamo/storefront-identity/internal/repository"
	"github.com/iliyamo/storefront-identity/internal/token"
	"github.com/iliyamo/storefront-identity/internal/utils"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memUsers struct {
	mu        sync.Mutex
	nextID    uint64
	byID      map[uint64]model.User
	logins    []model.ExternalLogin
	createErr error
}

func newMemUsers() *memUsers { return &memUsers{byID: map[uint64]model.User{}} }

func (m *memUsers) insert(u model.User) (uint64, error) {
	u.Email = repository.NormalizeEmail(u.Email)
	for _, x := range m.byID {
		if x.Email == u.Email {
			return 0, repository.ErrEmailExists
		}
	}
	m.nextID++
	u.ID = m.nextID
	m.byID[u.ID] = u
	return u.ID, nil
}

func (m *memUsers) Create(_ context.Context, u model.User) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return 0, m.createErr
	}
	return m.insert(u)
}

func (m *memUsers) CreateExternal(_ context.Context, u model.User, l model.ExternalLogin) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return 0, m.createErr
	}
	id, err := m.insert(u)
	if err != nil {
		return 0, err
	}
	l.UserID = id
	m.logins = append(m.logins, l)
	return id, nil
}

func (m *memUsers) GetByEmail(_ context.Context, email string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	email = repository.NormalizeEmail(email)
	for _, u := range m.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, repository.ErrNotFound
}

func (m *memUsers) GetByID(_ context.Context, id uint64) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return model.User{}, repository.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) update(id uint64, fn func(*model.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	fn(&u)
	m.byID[id] = u
	return nil
}

func (m *memUsers) ConfirmEmail(_ context.Context, id uint64) error {
	return m.update(id, func(u *model.User) { u.EmailConfirmed = true })
}

func (m *memUsers) UpdatePassword(_ context.Context, id uint64, hash string) error {
	return m.update(id, func(u *model.User) { u.PasswordHash = hash })
}

func (m *memUsers) SetRole(_ context.Context, id uint64, role model.Role) error {
	return m.update(id, func(u *model.User) { u.Role = role })
}

func (m *memUsers) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// memRefresh mirrors TokenRepo: hashed lookup and compare-and-swap revoke.
type memRefresh struct {
	mu     sync.Mutex
	now    func() time.Time
	ttl    time.Duration
	nextID uint64
	rows   map[uint64]*model.RefreshToken
}

func newMemRefresh(now func() time.Time) *memRefresh {
	return &memRefresh{now: now, ttl: 180 * 24 * time.Hour, rows: map[uint64]*model.RefreshToken{}}
}

func (m *memRefresh) insert(userID uint64, jti string) (model.RefreshToken, error) {
	raw, err := utils.RandomString(repository.RefreshTokenLength)
	if err != nil {
		return model.RefreshToken{}, err
	}
	m.nextID++
	now := m.now()
	rt := &model.RefreshToken{ID: m.nextID, UserID: userID, TokenHash: utils.HashToken(raw), JwtID: jti, CreatedAt: now, ExpiresAt: now.Add(m.ttl)}
	m.rows[rt.ID] = rt
	out := *rt
	out.Token = raw
	return out, nil
}

func (m *memRefresh) Create(_ context.Context, userID uint64, jti string) (model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insert(userID, jti)
}

func (m *memRefresh) FindByToken(_ context.Context, raw string) (model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := utils.HashToken(raw)
	for _, rt := range m.rows {
		if rt.TokenHash == h {
			return *rt, nil
		}
	}
	return model.RefreshToken{}, repository.ErrNotFound
}

func (m *memRefresh) revoke(id uint64) error {
	rt, ok := m.rows[id]
	if !ok || rt.RevokedAt != nil {
		return repository.ErrAlreadyRevoked
	}
	now := m.now()
	rt.RevokedAt = &now
	return nil
}

func (m *memRefresh) Revoke(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoke(id)
}

func (m *memRefresh) Rotate(_ context.Context, old model.RefreshToken) (model.RefreshToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.revoke(old.ID); err != nil {
		return model.RefreshToken{}, err
	}
	return m.insert(old.UserID, old.JwtID)
}

func (m *memRefresh) RevokeAllForUser(_ context.Context, userID uint64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rt := range m.rows {
		if rt.UserID == userID && rt.RevokedAt == nil {
			_ = m.revoke(rt.ID)
			n++
		}
	}
	return n, nil
}

func (m *memRefresh) get(id uint64) model.RefreshToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memRefresh) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type memActions struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMemActions() *memActions { return &memActions{keys: map[string]bool{}} }

func actionKey(p repository.Purpose, userID uint64, raw string) string {
	return fmt.Sprintf("%s:%d:%s", p, userID, utils.HashToken(raw))
}

func (m *memActions) Issue(_ context.Context, p repository.Purpose, userID uint64, _ time.Duration) (string, error) {
	raw, err := utils.RandomString(repository.ActionTokenLength)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[actionKey(p, userID, raw)] = true
	return raw, nil
}

func (m *memActions) Consume(_ context.Context, p repository.Purpose, userID uint64, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := actionKey(p, userID, raw)
	if !m.keys[k] {
		return repository.ErrNotFound
	}
	delete(m.keys, k)
	return nil
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (f *fakeMailer) Send(ctx context.Context, msg mail.Message) error {
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("send without deadline")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeMailer) messages() []mail.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mail.Message(nil), f.sent...)
}

var linkToken = regexp.MustCompile(`token=([A-Za-z0-9_]+)`)

// lastToken extracts the token of the last link sent to addr.
func (f *fakeMailer) lastToken(t *testing.T, kind mail.Kind, addr string) string {
	t.Helper()
	msgs := f.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Kind == kind && msgs[i].To == addr {
			m := linkToken.FindStringSubmatch(msgs[i].HTML)
			require.Len(t, m, 2)
			return m[1]
		}
	}
	t.Fatalf("no %s email sent to %s", kind, addr)
	return ""
}

type fakeGoogle struct {
	id  GoogleIdentity
	err error
}

func (f fakeGoogle) Verify(context.Context, string) (GoogleIdentity, error) { return f.id, f.err }

type harness struct {
	svc     *IdentityService
	clock   *testClock
	codec   *token.Codec
	users   *memUsers
	refresh *memRefresh
	actions *memActions
	mailer  *fakeMailer
	google  *fakeGoogle
}

const accessTTL = 15 * time.Minute

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{t: time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)}
	codec, err := token.NewCodec(token.Options{
		Secret:           "test-secret-test-secret-test-secret",
		Issuer:           "shamia-api",
		Audience:         "shamia-clients",
		TTL:              accessTTL,
		ClockSkew:        time.Second,
		ValidateIssuer:   true,
		ValidateAudience: true,
	}, clock.Now)
	require.NoError(t, err)
	creds, err := NewCredentialVerifier(bcrypt.MinCost)
	require.NoError(t, err)

	h := &harness{
		clock:   clock,
		codec:   codec,
		users:   newMemUsers(),
		refresh: newMemRefresh(clock.Now),
		actions: newMemActions(),
		mailer:  &fakeMailer{},
		google:  &fakeGoogle{},
	}
	h.svc = NewIdentityService(Deps{
		Users:       h.users,
		Refresh:     h.refresh,
		Actions:     h.actions,
		Codec:       codec,
		Credentials: creds,
		Google:      h.google,
		Mailer:      h.mailer,
		Now:         clock.Now,
	}, Options{
		BcryptCost:       bcrypt.MinCost,
		ConfirmTokenTTL:  time.Hour,
		ResetTokenTTL:    time.Hour,
		MailTimeout:      time.Second,
		DefaultClientURI: "https://shop.example/account",
	})
	return h
}

// seedUser stores a user with a bcrypt hash of password.
func (h *harness) seedUser(t *testing.T, email, password string, confirmed bool) model.User {
	t.Helper()
	hash, err := utils.HashPassword(password, bcrypt.MinCost)
	require.NoError(t, err)
	u := model.User{Email: email, PasswordHash: hash, UserName: "alice", Role: model.RoleCustomer, EmailConfirmed: confirmed}
	id, err := h.users.Create(context.Background(), u)
	require.NoError(t, err)
	u.ID = id
	u.Email = repository.NormalizeEmail(email)
	return u
}
