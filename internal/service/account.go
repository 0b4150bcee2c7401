package service

import (
	"context"
	"errors"
	netmail "net/mail"
	"strings"

	"go.uber.org/zap"

	"github.com/iliyamo/storefront-identity/internal/mail"
	"github.com/iliyamo/storefront-identity/internal/metrics"
	"github.com/iliyamo/storefront-identity/internal/model"
	"github.com/iliyamo/storefront-identity/internal/repository"
	"github.com/iliyamo/storefront-identity/internal/utils"
)

const (
	minPasswordLen = 6
	maxPasswordLen = 72 // bcrypt input limit
)

type RegisterInput struct {
	Email     string
	Password  string
	UserName  string
	Phone     string
	City      string
	Role      string
	ClientURI string
}

// Register creates an unconfirmed account and sends its confirmation email.
// A failed send is logged and does not undo the registration.
func (s *IdentityService) Register(ctx context.Context, in RegisterInput) (u model.User, err error) {
	defer func() { metrics.AuthRegistrationsTotal.WithLabelValues("password", metrics.Result(err)).Inc() }()

	var msgs [][]string
	email := repository.NormalizeEmail(in.Email)
	switch {
	case email == "":
		msgs = append(msgs, msgEmailRequired)
	case !validEmail(email):
		msgs = append(msgs, msgEmailInvalid)
	}
	if m := passwordProblem(in.Password); m != nil {
		msgs = append(msgs, m)
	}
	if strings.TrimSpace(in.UserName) == "" {
		msgs = append(msgs, msgUserNameRequired)
	}
	role := model.RoleCustomer
	if strings.TrimSpace(in.Role) != "" {
		r, ok := strictRole(in.Role)
		if !ok || (r == model.RoleAdmin && !s.opts.AllowAdminSignup) {
			msgs = append(msgs, msgRoleInvalid)
		}
		if ok {
			role = r
		}
	}
	if len(msgs) > 0 {
		return model.User{}, newError(KindValidationFailed, nil, msgs...)
	}

	hash, err := utils.HashPassword(in.Password, s.opts.BcryptCost)
	if err != nil {
		return model.User{}, s.internal("register: hash password", err)
	}
	u = model.User{
		Email:        email,
		PasswordHash: hash,
		UserName:     strings.TrimSpace(in.UserName),
		Role:         role,
		Phone:        strings.TrimSpace(in.Phone),
		City:         strings.TrimSpace(in.City),
	}
	id, err := s.users.Create(ctx, u)
	if errors.Is(err, repository.ErrEmailExists) {
		return model.User{}, newError(KindValidationFailed, err, msgEmailTaken)
	}
	if err != nil {
		return model.User{}, s.internal("register: create user", err)
	}
	u.ID = id

	_ = s.sendConfirmation(ctx, u, in.ClientURI)
	return u, nil
}

// ConfirmEmail consumes a confirmation token issued for email.
func (s *IdentityService) ConfirmEmail(ctx context.Context, email, tok string) error {
	if strings.TrimSpace(email) == "" || tok == "" {
		return newError(KindValidationFailed, nil, msgEmailRequired, msgTokenRequired)
	}
	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return newError(KindInvalidToken, err)
	}
	if err != nil {
		return s.internal("confirm: get user", err)
	}
	if err := s.actions.Consume(ctx, repository.PurposeConfirmEmail, u.ID, tok); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return newError(KindInvalidToken, err)
		}
		return s.internal("confirm: consume token", err)
	}
	if err := s.users.ConfirmEmail(ctx, u.ID); err != nil {
		return s.internal("confirm: update user", err)
	}
	return nil
}

// ForgotPassword emails a reset link when email belongs to an account. The
// result is the same whether or not the account exists.
func (s *IdentityService) ForgotPassword(ctx context.Context, email, clientURI string) error {
	if strings.TrimSpace(email) == "" {
		return newError(KindValidationFailed, nil, msgEmailRequired)
	}
	u, err := s.users.GetByEmail(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		s.log.Info("password reset for unknown email")
		return nil
	}
	if err != nil {
		return s.internal("forgot: get user", err)
	}
	tok, err := s.actions.Issue(ctx, repository.PurposeResetPassword, u.ID, s.opts.ResetTokenTTL)
	if err != nil {
		return s.internal("forgot: issue token", err)
	}
	msg, err := mail.PasswordResetEmail(u.Email, u.UserName, s.clientLink(clientURI, u.Email, tok))
	if err != nil {
		return s.internal("forgot: render email", err)
	}
	_ = s.deliver(ctx, msg, u.ID)
	return nil
}

type ResetPasswordInput struct {
	Email       string
	Token       string
	NewPassword string
}

// ResetPassword sets a new password using a reset token and revokes every
// refresh token of the account.
func (s *IdentityService) ResetPassword(ctx context.Context, in ResetPasswordInput) error {
	var msgs [][]string
	if strings.TrimSpace(in.Email) == "" {
		msgs = append(msgs, msgEmailRequired)
	}
	if in.Token == "" {
		msgs = append(msgs, msgTokenRequired)
	}
	if m := passwordProblem(in.NewPassword); m != nil {
		msgs = append(msgs, m)
	}
	if len(msgs) > 0 {
		return newError(KindValidationFailed, nil, msgs...)
	}

	u, err := s.users.GetByEmail(ctx, in.Email)
	if errors.Is(err, repository.ErrNotFound) {
		return newError(KindInvalidToken, err)
	}
	if err != nil {
		return s.internal("reset: get user", err)
	}
	if err := s.actions.Consume(ctx, repository.PurposeResetPassword, u.ID, in.Token); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return newError(KindInvalidToken, err)
		}
		return s.internal("reset: consume token", err)
	}
	hash, err := utils.HashPassword(in.NewPassword, s.opts.BcryptCost)
	if err != nil {
		return s.internal("reset: hash password", err)
	}
	if err := s.users.UpdatePassword(ctx, u.ID, hash); err != nil {
		return s.internal("reset: update password", err)
	}
	n, err := s.refresh.RevokeAllForUser(ctx, u.ID)
	if err != nil {
		return s.internal("reset: revoke sessions", err)
	}
	s.log.Info("password reset", zap.Uint64("user_id", u.ID), zap.Int64("revoked_sessions", n))
	return nil
}

// sendConfirmation issues a confirmation token and emails it. Failures are
// logged and returned as EmailDeliveryFailed for callers that care.
func (s *IdentityService) sendConfirmation(ctx context.Context, u model.User, clientURI string) error {
	tok, err := s.actions.Issue(ctx, repository.PurposeConfirmEmail, u.ID, s.opts.ConfirmTokenTTL)
	if err != nil {
		s.log.Error("confirmation token not issued", zap.Uint64("user_id", u.ID), zap.Error(err))
		return newError(KindEmailDeliveryFailed, err)
	}
	msg, err := mail.ConfirmationEmail(u.Email, u.UserName, s.clientLink(clientURI, u.Email, tok))
	if err != nil {
		s.log.Error("confirmation email not rendered", zap.Uint64("user_id", u.ID), zap.Error(err))
		return newError(KindEmailDeliveryFailed, err)
	}
	return s.deliver(ctx, msg, u.ID)
}

// deliver sends msg and waits for the transport, bounded by MailTimeout.
func (s *IdentityService) deliver(ctx context.Context, msg mail.Message, userID uint64) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.MailTimeout)
	defer cancel()

	err := s.mailer.Send(ctx, msg)
	metrics.EmailsTotal.WithLabelValues(string(msg.Kind), metrics.Result(err)).Inc()
	if err != nil {
		s.log.Warn("email delivery failed",
			zap.String("kind", KindEmailDeliveryFailed.String()),
			zap.String("template", string(msg.Kind)),
			zap.Uint64("user_id", userID),
			zap.Error(err))
		return newError(KindEmailDeliveryFailed, err)
	}
	return nil
}

func passwordProblem(p string) []string {
	switch {
	case p == "":
		return msgPasswordRequired
	case len(p) < minPasswordLen || len(p) > maxPasswordLen:
		return msgPasswordLength
	}
	return nil
}

func validEmail(email string) bool {
	addr, err := netmail.ParseAddress(email)
	return err == nil && addr.Address == email && strings.Contains(email, "@")
}
