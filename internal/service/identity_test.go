package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/storefront-identity/internal/mail"
	"github.com/iliyamo/storefront-identity/internal/model"
	"github.com/iliyamo/storefront-identity/internal/utils"
)

func requireKind(t *testing.T, err error, kind Kind) {
	t.Helper()
	require.Error(t, err)
	var e *Error
	require.True(t, errors.As(err, &e), "want *service.Error, got %T", err)
	assert.Equal(t, kind, e.Kind, err.Error())
	assert.NotEmpty(t, e.Messages)
}

func TestLogin_IssuesPairedTokens(t *testing.T) {
	h := newHarness(t)
	u := h.seedUser(t, "alice@example.com", "correct-horse", true)

	sess, err := h.svc.Login(context.Background(), LoginInput{Email: "Alice@Example.com", Password: "correct-horse"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.AccessToken)
	assert.Len(t, sess.RefreshToken.Token, 64)
	assert.Equal(t, u.ID, sess.User.ID)

	claims, err := h.codec.ParseAndValidate(sess.AccessToken, h.codec.Policy())
	require.NoError(t, err)
	assert.Equal(t, claims.ID, sess.RefreshToken.JwtID)
	assert.Equal(t, sess.JwtID, claims.ID)
	assert.Equal(t, "customer", claims.Role)

	stored := h.refresh.get(sess.RefreshToken.ID)
	assert.Equal(t, claims.ID, stored.JwtID)
	assert.Equal(t, utils.HashToken(sess.RefreshToken.Token), stored.TokenHash)
	assert.True(t, stored.IsActive(h.clock.Now()))
}

// Scenario A and B: an unconfirmed account gets no tokens until the token
// from its registration email is redeemed.
func TestRegisterConfirmLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	u, err := h.svc.Register(ctx, RegisterInput{
		Email: "alice@example.com", Password: "s3cret!", UserName: "alice",
		ClientURI: "https://shop.example/confirm",
	})
	require.NoError(t, err)
	assert.False(t, u.EmailConfirmed)
	assert.Equal(t, model.RoleCustomer, u.Role)
	firstToken := h.mailer.lastToken(t, mail.KindConfirmEmail, "alice@example.com")

	_, err = h.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "s3cret!"})
	requireKind(t, err, KindEmailNotConfirmed)
	assert.Zero(t, h.refresh.count(), "no refresh record for unconfirmed login")
	assert.Len(t, h.mailer.messages(), 2, "login resends the confirmation email")

	require.NoError(t, h.svc.ConfirmEmail(ctx, "alice@example.com", firstToken))
	requireKind(t, h.svc.ConfirmEmail(ctx, "alice@example.com", firstToken), KindInvalidToken)

	sess, err := h.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "s3cret!"})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.AccessToken)
	assert.NotEmpty(t, sess.RefreshToken.Token)
}

func TestConfirmEmail_WrongUserOrPurpose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "bob@example.com", "password1", false)
	_, err := h.svc.Register(ctx, RegisterInput{Email: "alice@example.com", Password: "s3cret!", UserName: "alice"})
	require.NoError(t, err)
	tok := h.mailer.lastToken(t, mail.KindConfirmEmail, "alice@example.com")

	requireKind(t, h.svc.ConfirmEmail(ctx, "bob@example.com", tok), KindInvalidToken)
	requireKind(t, h.svc.ConfirmEmail(ctx, "nobody@example.com", tok), KindInvalidToken)
	requireKind(t, h.svc.ConfirmEmail(ctx, "", tok), KindValidationFailed)
}

// Scenario C.
func TestLogin_InvalidCredentials(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice@example.com", "correct-horse", true)

	_, wrongPw := h.svc.Login(context.Background(), LoginInput{Email: "alice@example.com", Password: "battery-staple"})
	requireKind(t, wrongPw, KindInvalidCredentials)
	_, unknown := h.svc.Login(context.Background(), LoginInput{Email: "bob@example.com", Password: "battery-staple"})
	requireKind(t, unknown, KindInvalidCredentials)

	assert.Equal(t, MessagesOf(wrongPw), MessagesOf(unknown))
	assert.Zero(t, h.refresh.count())
	assert.Empty(t, h.mailer.messages())
}

func TestLogin_FederatedOnlyAccountHasNoPassword(t *testing.T) {
	h := newHarness(t)
	_, err := h.users.Create(context.Background(), model.User{Email: "g@example.com", EmailConfirmed: true, Role: model.RoleCustomer})
	require.NoError(t, err)

	_, err = h.svc.Login(context.Background(), LoginInput{Email: "g@example.com", Password: "anything"})
	requireKind(t, err, KindInvalidCredentials)
}

func TestLogin_Validation(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Login(context.Background(), LoginInput{})
	requireKind(t, err, KindValidationFailed)
	assert.Len(t, MessagesOf(err), 4, "email and password messages, bilingual")
}

func TestLogin_UnconfirmedWithFailingMailer(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice@example.com", "correct-horse", false)
	h.mailer.err = errors.New("smtp down")

	_, err := h.svc.Login(context.Background(), LoginInput{Email: "alice@example.com", Password: "correct-horse"})
	requireKind(t, err, KindEmailNotConfirmed)
}

// Scenario D.
func TestRefresh_AfterAccessExpiry(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice@example.com", "correct-horse", true)
	ctx := context.Background()

	sess, err := h.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	h.clock.Advance(accessTTL + time.Minute)
	_, err = h.codec.ParseAndValidate(sess.AccessToken, h.codec.Policy())
	require.Error(t, err, "access token should have expired")

	next, err := h.svc.Refresh(ctx, sess.AccessToken, sess.RefreshToken.Token)
	require.NoError(t, err)
	assert.NotEqual(t, sess.AccessToken, next.AccessToken)

	claims, err := h.codec.ParseAndValidate(next.AccessToken, h.codec.Policy())
	require.NoError(t, err)
	assert.Equal(t, sess.RefreshToken.JwtID, claims.ID)
	assert.Equal(t, claims.ID, next.RefreshToken.JwtID)

	assert.NotEqual(t, sess.RefreshToken.Token, next.RefreshToken.Token, "refresh token rotates")
	assert.NotNil(t, h.refresh.get(sess.RefreshToken.ID).RevokedAt, "consumed token is revoked")

	_, err = h.svc.Refresh(ctx, sess.AccessToken, sess.RefreshToken.Token)
	requireKind(t, err, KindSessionExpired)

	_, err = h.svc.Refresh(ctx, next.AccessToken, next.RefreshToken.Token)
	require.NoError(t, err, "the successor keeps working")
}

// Scenario E.
func TestRefresh_UnknownToken(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice@example.com", "correct-horse", true)
	sess, err := h.svc.Login(context.Background(), LoginInput{Email: "alice@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	_, err = h.svc.Refresh(context.Background(), sess.AccessToken, "does-not-exist")
	requireKind(t, err, KindSessionExpired)
	_, err = h.svc.Refresh(context.Background(), sess.AccessToken, "")
	requireKind(t, err, KindSessionExpired)
}

func TestRefresh_InactiveToken(t *testing.T) {
	ctx := context.Background()

	t.Run("revoked", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "alice@example.com", "correct-horse", true)
		sess, err := h.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "correct-horse"})
		require.NoError(t, err)
		require.NoError(t, h.svc.Logout(ctx, sess.RefreshToken.Token))

		_, err = h.svc.Refresh(ctx, sess.AccessToken, sess.RefreshToken.Token)
		requireKind(t, err, KindSessionExpired)
	})

	t.Run("expired", func(t *testing.T) {
		h := newHarness(t)
		h.seedUser(t, "alice@example.com", "correct-horse", true)
		sess, err := h.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "correct-horse"})
		require.NoError(t, err)
		h.clock.Advance(181 * 24 * time.Hour)

		_, err = h.svc.Refresh(ctx, sess.AccessToken, sess.RefreshToken.Token)
		requireKind(t, err, KindSessionExpired)
	})
}

func TestRefresh_JtiMismatch(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice@example.com", "correct-horse", true)
	ctx := context.Background()

	a, err := h.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	b, err := h.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	_, err = h.svc.Refresh(ctx, a.AccessToken, b.RefreshToken.Token)
	requireKind(t, err, KindSessionExpired)
	assert.Nil(t, h.refresh.get(b.RefreshToken.ID).RevokedAt, "a mismatched attempt does not consume the token")
}

func TestRefresh_OtherUsersToken(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice@example.com", "correct-horse", true)
	h.seedUser(t, "bob@example.com", "battery-staple", true)
	ctx := context.Background()

	alice, err := h.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	bob, err := h.svc.Login(ctx, LoginInput{Email: "bob@example.com", Password: "battery-staple"})
	require.NoError(t, err)

	_, err = h.svc.Refresh(ctx, alice.AccessToken, bob.RefreshToken.Token)
	requireKind(t, err, KindSessionExpired)
}

func TestRefresh_TamperedAccessToken(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice@example.com", "correct-horse", true)
	sess, err := h.svc.Login(context.Background(), LoginInput{Email: "alice@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	tampered := sess.AccessToken[:len(sess.AccessToken)-2] + "xx"
	_, err = h.svc.Refresh(context.Background(), tampered, sess.RefreshToken.Token)
	requireKind(t, err, KindInvalidToken)
	_, err = h.svc.Refresh(context.Background(), "", sess.RefreshToken.Token)
	requireKind(t, err, KindInvalidToken)
	assert.Nil(t, h.refresh.get(sess.RefreshToken.ID).RevokedAt)
}

func TestRefresh_ConcurrentUseSucceedsOnce(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice@example.com", "correct-horse", true)
	sess, err := h.svc.Login(context.Background(), LoginInput{Email: "alice@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, fail int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Refresh(context.Background(), sess.AccessToken, sess.RefreshToken.Token)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if KindOf(err) == KindSessionExpired {
				fail++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, fail)
}

// Scenario F.
func TestGoogleLogin(t *testing.T) {
	ctx := context.Background()

	t.Run("existing user", func(t *testing.T) {
		h := newHarness(t)
		u := h.seedUser(t, "alice@example.com", "correct-horse", false)
		h.google.id = GoogleIdentity{Subject: "g-1", Email: "Alice@example.com", GivenName: "Alice"}

		gs, err := h.svc.GoogleLogin(ctx, "id-token")
		require.NoError(t, err)
		assert.False(t, gs.Created)
		assert.Equal(t, u.ID, gs.User.ID)
		assert.Equal(t, 1, h.users.count())
		assert.Empty(t, h.mailer.messages(), "no confirmation branch for federated sign-in")
		assert.Equal(t, gs.JwtID, gs.RefreshToken.JwtID)
	})

	t.Run("new user", func(t *testing.T) {
		h := newHarness(t)
		h.google.id = GoogleIdentity{Subject: "g-2", Email: "new@example.com", GivenName: "Nora", Name: "Nora N"}

		gs, err := h.svc.GoogleLogin(ctx, "id-token")
		require.NoError(t, err)
		assert.True(t, gs.Created)
		require.Equal(t, 1, h.users.count())

		u, err := h.users.GetByEmail(ctx, "new@example.com")
		require.NoError(t, err)
		assert.True(t, u.EmailConfirmed)
		assert.Equal(t, model.RoleCustomer, u.Role)
		assert.Equal(t, "Nora", u.UserName)
		assert.Equal(t, model.DefaultCity, u.City)
		require.Len(t, h.users.logins, 1)
		assert.Equal(t, model.ExternalLogin{UserID: u.ID, Provider: "google", ProviderKey: "g-2", DisplayName: "GOOGLE"}, h.users.logins[0])

		again, err := h.svc.GoogleLogin(ctx, "id-token")
		require.NoError(t, err)
		assert.False(t, again.Created)
		assert.Equal(t, 1, h.users.count())
	})

	t.Run("verification failure", func(t *testing.T) {
		h := newHarness(t)
		h.google.err = errors.New("bad audience")
		_, err := h.svc.GoogleLogin(ctx, "id-token")
		requireKind(t, err, KindExternalAuthFailed)
		assert.Zero(t, h.users.count())
		assert.Zero(t, h.refresh.count())
	})

	t.Run("creation failure", func(t *testing.T) {
		h := newHarness(t)
		h.google.id = GoogleIdentity{Subject: "g-3", Email: "new@example.com"}
		h.users.createErr = errors.New("deadlock")
		_, err := h.svc.GoogleLogin(ctx, "id-token")
		requireKind(t, err, KindAccountCreationFailed)
		assert.Zero(t, h.refresh.count())
	})

	t.Run("empty token", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.svc.GoogleLogin(ctx, " ")
		requireKind(t, err, KindValidationFailed)
	})
}

func TestGoogleDisplayName(t *testing.T) {
	assert.Equal(t, "Gina", googleDisplayName(GoogleIdentity{GivenName: "Gina", Name: "Gina G"}))
	assert.Equal(t, "Gina G", googleDisplayName(GoogleIdentity{Name: "Gina G"}))
	assert.Equal(t, "gina", googleDisplayName(GoogleIdentity{Email: "gina@example.com"}))
}

func TestRegister_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	cases := []struct {
		name string
		in   RegisterInput
	}{
		{"missing email", RegisterInput{Password: "s3cret!", UserName: "a"}},
		{"bad email", RegisterInput{Email: "not-an-email", Password: "s3cret!", UserName: "a"}},
		{"short password", RegisterInput{Email: "a@example.com", Password: "123", UserName: "a"}},
		{"long password", RegisterInput{Email: "a@example.com", Password: string(make([]byte, 73)), UserName: "a"}},
		{"missing user name", RegisterInput{Email: "a@example.com", Password: "s3cret!"}},
		{"unknown role", RegisterInput{Email: "a@example.com", Password: "s3cret!", UserName: "a", Role: "owner"}},
		{"admin not allowed", RegisterInput{Email: "a@example.com", Password: "s3cret!", UserName: "a", Role: "admin"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Register(ctx, tc.in)
			requireKind(t, err, KindValidationFailed)
		})
	}
	assert.Zero(t, h.users.count())
}

func TestRegister_AdminWhenAllowed(t *testing.T) {
	h := newHarness(t)
	h.svc.opts.AllowAdminSignup = true
	u, err := h.svc.Register(context.Background(), RegisterInput{Email: "root@example.com", Password: "s3cret!", UserName: "root", Role: "Admin"})
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, u.Role)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice@example.com", "correct-horse", true)
	_, err := h.svc.Register(context.Background(), RegisterInput{Email: "ALICE@example.com", Password: "s3cret!", UserName: "a"})
	requireKind(t, err, KindValidationFailed)
	assert.Equal(t, msgEmailTaken, MessagesOf(err))
}

func TestRegister_SucceedsWhenEmailFails(t *testing.T) {
	h := newHarness(t)
	h.mailer.err = errors.New("smtp down")
	u, err := h.svc.Register(context.Background(), RegisterInput{Email: "alice@example.com", Password: "s3cret!", UserName: "alice"})
	require.NoError(t, err)
	assert.NotZero(t, u.ID)
}

func TestForgotAndResetPassword(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "alice@example.com", "old-password", true)
	sess, err := h.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "old-password"})
	require.NoError(t, err)

	require.NoError(t, h.svc.ForgotPassword(ctx, "nobody@example.com", ""))
	assert.Empty(t, h.mailer.messages(), "unknown address gets no email")

	require.NoError(t, h.svc.ForgotPassword(ctx, "alice@example.com", "javascript:alert(1)"))
	msgs := h.mailer.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].HTML, "https://shop.example/account?", "unsafe client URI falls back to the default")
	tok := h.mailer.lastToken(t, mail.KindResetPassword, "alice@example.com")

	requireKind(t, h.svc.ResetPassword(ctx, ResetPasswordInput{Email: "alice@example.com", Token: "wrong", NewPassword: "new-password"}), KindInvalidToken)
	requireKind(t, h.svc.ResetPassword(ctx, ResetPasswordInput{Email: "alice@example.com", Token: tok, NewPassword: "x"}), KindValidationFailed)

	require.NoError(t, h.svc.ResetPassword(ctx, ResetPasswordInput{Email: "alice@example.com", Token: tok, NewPassword: "new-password"}))
	requireKind(t, h.svc.ResetPassword(ctx, ResetPasswordInput{Email: "alice@example.com", Token: tok, NewPassword: "another-one"}), KindInvalidToken)

	_, err = h.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "old-password"})
	requireKind(t, err, KindInvalidCredentials)
	_, err = h.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "new-password"})
	require.NoError(t, err)

	_, err = h.svc.Refresh(ctx, sess.AccessToken, sess.RefreshToken.Token)
	requireKind(t, err, KindSessionExpired)
}

func TestForgotPassword_EmailFailureIsNotAnError(t *testing.T) {
	h := newHarness(t)
	h.seedUser(t, "alice@example.com", "old-password", true)
	h.mailer.err = errors.New("smtp down")
	assert.NoError(t, h.svc.ForgotPassword(context.Background(), "alice@example.com", ""))
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedUser(t, "alice@example.com", "correct-horse", true)
	sess, err := h.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	require.NoError(t, h.svc.Logout(ctx, sess.RefreshToken.Token))
	require.NoError(t, h.svc.Logout(ctx, sess.RefreshToken.Token), "second logout is a no-op")
	require.NoError(t, h.svc.Logout(ctx, "unknown"))
	require.NoError(t, h.svc.Logout(ctx, ""))
	assert.NotNil(t, h.refresh.get(sess.RefreshToken.ID).RevokedAt)
}

func TestLogoutAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.seedUser(t, "alice@example.com", "correct-horse", true)
	for i := 0; i < 3; i++ {
		_, err := h.svc.Login(ctx, LoginInput{Email: "alice@example.com", Password: "correct-horse"})
		require.NoError(t, err)
	}
	n, err := h.svc.LogoutAll(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestSetRole(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	u := h.seedUser(t, "alice@example.com", "correct-horse", true)

	require.NoError(t, h.svc.SetRole(ctx, u.ID, "admin"))
	got, err := h.svc.User(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoleAdmin, got.Role)

	requireKind(t, h.svc.SetRole(ctx, u.ID, "owner"), KindValidationFailed)
	requireKind(t, h.svc.SetRole(ctx, 999, "customer"), KindValidationFailed)
}

func TestErrorHelpers(t *testing.T) {
	err := newError(KindSessionExpired, errors.New("cause"))
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.NotErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, msgInternal, MessagesOf(errors.New("plain")))
	assert.Equal(t, "SessionExpired", KindSessionExpired.String())
}
