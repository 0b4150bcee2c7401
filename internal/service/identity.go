// Package service implements the identity core: password and Google sign-in,
// refresh token rotation, registration, email confirmation and password reset.
//
// Every exported operation returns its payload or a *Error carrying a Kind
// and user-facing messages.
package service

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/storefront-identity/internal/mail"
	"github.com/iliyamo/storefront-identity/internal/metrics"
	"github.com/iliyamo/storefront-identity/internal/model"
	"github.com/iliyamo/storefront-identity/internal/repository"
	"github.com/iliyamo/storefront-identity/internal/token"
)

// UserStore persists users and their provider logins.
type UserStore interface {
	Create(ctx context.Context, u model.User) (uint64, error)
	CreateExternal(ctx context.Context, u model.User, login model.ExternalLogin) (uint64, error)
	GetByEmail(ctx context.Context, email string) (model.User, error)
	GetByID(ctx context.Context, id uint64) (model.User, error)
	ConfirmEmail(ctx context.Context, id uint64) error
	UpdatePassword(ctx context.Context, id uint64, hash string) error
	SetRole(ctx context.Context, id uint64, role model.Role) error
}

// RefreshTokenStore persists refresh token records.
type RefreshTokenStore interface {
	Create(ctx context.Context, userID uint64, jti string) (model.RefreshToken, error)
	FindByToken(ctx context.Context, raw string) (model.RefreshToken, error)
	Revoke(ctx context.Context, id uint64) error
	Rotate(ctx context.Context, old model.RefreshToken) (model.RefreshToken, error)
	RevokeAllForUser(ctx context.Context, userID uint64) (int64, error)
}

// ActionTokenStore issues and consumes single-use confirmation and reset tokens.
type ActionTokenStore interface {
	Issue(ctx context.Context, p repository.Purpose, userID uint64, ttl time.Duration) (string, error)
	Consume(ctx context.Context, p repository.Purpose, userID uint64, raw string) error
}

// Options tunes IdentityService.
type Options struct {
	BcryptCost       int
	ConfirmTokenTTL  time.Duration
	ResetTokenTTL    time.Duration
	MailTimeout      time.Duration
	DefaultClientURI string // link base used when a request carries no usable client URI
	AllowAdminSignup bool
}

// Deps are the collaborators of IdentityService.
type Deps struct {
	Users       UserStore
	Refresh     RefreshTokenStore
	Actions     ActionTokenStore
	Codec       *token.Codec
	Credentials *CredentialVerifier
	Google      GoogleVerifier
	Mailer      mail.Sender
	Log         *zap.Logger
	Now         func() time.Time
}

type IdentityService struct {
	users   UserStore
	refresh RefreshTokenStore
	actions ActionTokenStore
	codec   *token.Codec
	creds   *CredentialVerifier
	google  GoogleVerifier
	mailer  mail.Sender
	log     *zap.Logger
	now     func() time.Time
	opts    Options
}

func NewIdentityService(d Deps, opts Options) *IdentityService {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if opts.MailTimeout <= 0 {
		opts.MailTimeout = 10 * time.Second
	}
	return &IdentityService{
		users:   d.Users,
		refresh: d.Refresh,
		actions: d.Actions,
		codec:   d.Codec,
		creds:   d.Credentials,
		google:  d.Google,
		mailer:  d.Mailer,
		log:     d.Log,
		now:     d.Now,
		opts:    opts,
	}
}

// Session is an access token together with the refresh token persisted for
// it. RefreshToken.JwtID always equals JwtID.
type Session struct {
	AccessToken     string
	AccessExpiresAt time.Time
	JwtID           string
	RefreshToken    model.RefreshToken
	User            model.User
}

// GoogleSession is a Session from federated sign-in.
type GoogleSession struct {
	Session
	Created bool
}

type LoginInput struct {
	Email     string
	Password  string
	ClientURI string
}

// Login signs a user in with email and password. Unknown email and wrong
// password fail identically. An unconfirmed account gets a fresh
// confirmation email and no tokens.
func (s *IdentityService) Login(ctx context.Context, in LoginInput) (sess Session, err error) {
	defer func() { metrics.AuthLoginsTotal.WithLabelValues("password", metrics.Result(err)).Inc() }()

	var msgs [][]string
	if strings.TrimSpace(in.Email) == "" {
		msgs = append(msgs, msgEmailRequired)
	}
	if in.Password == "" {
		msgs = append(msgs, msgPasswordRequired)
	}
	if len(msgs) > 0 {
		return Session{}, newError(KindValidationFailed, nil, msgs...)
	}

	var found *model.User
	u, err := s.users.GetByEmail(ctx, in.Email)
	switch {
	case err == nil:
		found = &u
	case !errors.Is(err, repository.ErrNotFound):
		return Session{}, s.internal("login: get user", err)
	}
	if !s.creds.Verify(found, in.Password) {
		return Session{}, newError(KindInvalidCredentials, nil)
	}
	if !u.EmailConfirmed {
		_ = s.sendConfirmation(ctx, u, in.ClientURI)
		return Session{}, newError(KindEmailNotConfirmed, nil)
	}
	return s.issueSession(ctx, u, "login")
}

// issueSession signs an access token with a new jti and persists the paired
// refresh token. Nothing is returned unless both exist.
func (s *IdentityService) issueSession(ctx context.Context, u model.User, flow string) (sess Session, err error) {
	defer func() { metrics.TokensIssuedTotal.WithLabelValues(flow, metrics.Result(err)).Inc() }()

	jti := uuid.NewString()
	access, err := s.codec.Issue(u, jti)
	if err != nil {
		return Session{}, s.internal("issue access token", err)
	}
	rt, err := s.refresh.Create(ctx, u.ID, jti)
	if err != nil {
		return Session{}, s.internal("create refresh token", err)
	}
	return Session{
		AccessToken:     access.Token,
		AccessExpiresAt: access.ExpiresAt,
		JwtID:           jti,
		RefreshToken:    rt,
		User:            u,
	}, nil
}

// Refresh exchanges an access token (expired or not) and its refresh token
// for a new access token and a successor refresh token. It succeeds only
// when the refresh token is active and was issued with the access token's
// jti; the presented refresh token is revoked and cannot be used again.
func (s *IdentityService) Refresh(ctx context.Context, accessToken, refreshToken string) (sess Session, err error) {
	defer func() { metrics.TokensIssuedTotal.WithLabelValues("refresh", metrics.Result(err)).Inc() }()

	if accessToken == "" {
		return Session{}, newError(KindInvalidToken, nil)
	}
	claims, err := s.codec.ParseAndValidate(accessToken, s.codec.Policy().IgnoringLifetime())
	if err != nil {
		return Session{}, newError(KindInvalidToken, err)
	}
	if refreshToken == "" {
		return Session{}, newError(KindSessionExpired, nil)
	}

	rt, err := s.refresh.FindByToken(ctx, refreshToken)
	if errors.Is(err, repository.ErrNotFound) {
		return Session{}, newError(KindSessionExpired, err)
	}
	if err != nil {
		return Session{}, s.internal("refresh: find token", err)
	}
	if !rt.IsActive(s.now()) || rt.JwtID != claims.ID {
		return Session{}, newError(KindSessionExpired, nil)
	}
	if uid, err := claims.UserID(); err != nil || uid != rt.UserID {
		return Session{}, newError(KindSessionExpired, err)
	}

	u, err := s.users.GetByID(ctx, rt.UserID)
	if errors.Is(err, repository.ErrNotFound) {
		return Session{}, newError(KindSessionExpired, err)
	}
	if err != nil {
		return Session{}, s.internal("refresh: get user", err)
	}

	access, err := s.codec.Issue(u, rt.JwtID)
	if err != nil {
		return Session{}, s.internal("refresh: issue access token", err)
	}
	next, err := s.refresh.Rotate(ctx, rt)
	if errors.Is(err, repository.ErrAlreadyRevoked) {
		s.log.Warn("refresh token reused", zap.Uint64("user_id", rt.UserID), zap.Uint64("token_id", rt.ID))
		return Session{}, newError(KindSessionExpired, err)
	}
	if err != nil {
		return Session{}, s.internal("refresh: rotate", err)
	}
	return Session{
		AccessToken:     access.Token,
		AccessExpiresAt: access.ExpiresAt,
		JwtID:           rt.JwtID,
		RefreshToken:    next,
		User:            u,
	}, nil
}

// GoogleLogin signs in with a Google ID token, creating a confirmed
// customer account the first time an email is seen.
func (s *IdentityService) GoogleLogin(ctx context.Context, idToken string) (gs GoogleSession, err error) {
	defer func() { metrics.AuthLoginsTotal.WithLabelValues("google", metrics.Result(err)).Inc() }()

	if strings.TrimSpace(idToken) == "" {
		return GoogleSession{}, newError(KindValidationFailed, nil, msgIDTokenRequired)
	}
	id, err := s.google.Verify(ctx, idToken)
	if err != nil {
		return GoogleSession{}, newError(KindExternalAuthFailed, err)
	}

	u, err := s.users.GetByEmail(ctx, id.Email)
	created := false
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		u, err = s.createGoogleUser(ctx, id)
		if err != nil {
			return GoogleSession{}, err
		}
		created = true
	default:
		return GoogleSession{}, s.internal("google: get user", err)
	}

	sess, err := s.issueSession(ctx, u, "google")
	if err != nil {
		return GoogleSession{}, err
	}
	return GoogleSession{Session: sess, Created: created}, nil
}

func (s *IdentityService) createGoogleUser(ctx context.Context, id GoogleIdentity) (model.User, error) {
	u := model.User{
		Email:          repository.NormalizeEmail(id.Email),
		UserName:       googleDisplayName(id),
		Role:           model.RoleCustomer,
		EmailConfirmed: true,
		City:           model.DefaultCity,
	}
	uid, err := s.users.CreateExternal(ctx, u, model.ExternalLogin{
		Provider:    "google",
		ProviderKey: id.Subject,
		DisplayName: "GOOGLE",
	})
	if errors.Is(err, repository.ErrEmailExists) {
		// lost a race with a concurrent first sign-in
		existing, gerr := s.users.GetByEmail(ctx, id.Email)
		if gerr == nil {
			return existing, nil
		}
	}
	if err != nil {
		s.log.Error("google: create user failed", zap.String("email", u.Email), zap.Error(err))
		return model.User{}, newError(KindAccountCreationFailed, err)
	}
	metrics.AuthRegistrationsTotal.WithLabelValues("google", metrics.ResultSuccess).Inc()
	u.ID = uid
	return u, nil
}

func googleDisplayName(id GoogleIdentity) string {
	switch {
	case id.GivenName != "":
		return id.GivenName
	case id.Name != "":
		return id.Name
	default:
		local, _, _ := strings.Cut(id.Email, "@")
		return local
	}
}

// Logout revokes refreshToken. Unknown and already revoked tokens are not
// an error.
func (s *IdentityService) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	rt, err := s.refresh.FindByToken(ctx, refreshToken)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return s.internal("logout: find token", err)
	}
	if err := s.refresh.Revoke(ctx, rt.ID); err != nil && !errors.Is(err, repository.ErrAlreadyRevoked) {
		return s.internal("logout: revoke", err)
	}
	return nil
}

// LogoutAll revokes every active refresh token of userID.
func (s *IdentityService) LogoutAll(ctx context.Context, userID uint64) (int64, error) {
	n, err := s.refresh.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, s.internal("logout all", err)
	}
	return n, nil
}

// User returns the account behind an authenticated request.
func (s *IdentityService) User(ctx context.Context, id uint64) (model.User, error) {
	u, err := s.users.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return model.User{}, newError(KindSessionExpired, err)
	}
	if err != nil {
		return model.User{}, s.internal("get user", err)
	}
	return u, nil
}

// SetRole changes the role of userID. Tokens already issued keep the old
// role until they are refreshed.
func (s *IdentityService) SetRole(ctx context.Context, userID uint64, role string) error {
	r, ok := strictRole(role)
	if !ok {
		return newError(KindValidationFailed, nil, msgRoleInvalid)
	}
	err := s.users.SetRole(ctx, userID, r)
	if errors.Is(err, repository.ErrNotFound) {
		return newError(KindValidationFailed, err, msgUserNotFound)
	}
	if err != nil {
		return s.internal("set role", err)
	}
	return nil
}

func strictRole(s string) (model.Role, bool) {
	switch model.Role(strings.ToLower(strings.TrimSpace(s))) {
	case model.RoleCustomer:
		return model.RoleCustomer, true
	case model.RoleAdmin:
		return model.RoleAdmin, true
	}
	return "", false
}

func (s *IdentityService) internal(op string, err error) *Error {
	s.log.Error(op, zap.Error(err))
	return newError(KindInternal, err)
}

// clientLink appends email and token to clientURI. Only absolute http(s)
// URIs are honoured; anything else falls back to DefaultClientURI.
func (s *IdentityService) clientLink(clientURI, email, tok string) string {
	base, err := url.Parse(strings.TrimSpace(clientURI))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		base, err = url.Parse(s.opts.DefaultClientURI)
		if err != nil {
			base = &url.URL{}
		}
	}
	q := base.Query()
	q.Set("email", email)
	q.Set("token", tok)
	base.RawQuery = q.Encode()
	return base.String()
}
