package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/storefront-identity/internal/middleware"
	"github.com/iliyamo/storefront-identity/internal/model"
	"github.com/iliyamo/storefront-identity/internal/service"
)

// RefreshCookie is the name of the HTTP-only cookie carrying the refresh token.
const RefreshCookie = "refreshToken"

// Identity is the part of service.IdentityService the handlers call.
type Identity interface {
	Register(ctx context.Context, in service.RegisterInput) (model.User, error)
	Login(ctx context.Context, in service.LoginInput) (service.Session, error)
	Refresh(ctx context.Context, accessToken, refreshToken string) (service.Session, error)
	GoogleLogin(ctx context.Context, idToken string) (service.GoogleSession, error)
	ConfirmEmail(ctx context.Context, email, token string) error
	ForgotPassword(ctx context.Context, email, clientURI string) error
	ResetPassword(ctx context.Context, in service.ResetPasswordInput) error
	Logout(ctx context.Context, refreshToken string) error
	LogoutAll(ctx context.Context, userID uint64) (int64, error)
	User(ctx context.Context, id uint64) (model.User, error)
	SetRole(ctx context.Context, userID uint64, role string) error
}

// AuthHandler bundles dependencies for auth endpoints.
type AuthHandler struct {
	Svc     Identity
	Timeout time.Duration
}

func NewAuthHandler(svc Identity, timeout time.Duration) *AuthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AuthHandler{Svc: svc, Timeout: timeout}
}

// ----- DTOs -----

type registerReq struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	UserName    string `json:"userName"`
	PhoneNumber string `json:"phoneNumber"`
	City        string `json:"city"`
	Role        string `json:"role"` // customer (default) | admin
	ClientURI   string `json:"clientUri"`
}

type loginReq struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	ClientURI string `json:"clientUri"`
}

type googleReq struct {
	IDToken string `json:"idToken"`
}

type forgotReq struct {
	Email     string `json:"email"`
	ClientURI string `json:"clientUri"`
}

type resetReq struct {
	Email       string `json:"email"`
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type roleReq struct {
	Role string `json:"role"`
}

type userDTO struct {
	ID          uint64 `json:"id"`
	Email       string `json:"email"`
	UserName    string `json:"userName"`
	PhoneNumber string `json:"phoneNumber"`
	Role        string `json:"role"`
}

type sessionResp struct {
	Token   string  `json:"token"`
	User    userDTO `json:"user"`
	Created *bool   `json:"created,omitempty"`
}

func toUserDTO(u model.User) userDTO {
	return userDTO{ID: u.ID, Email: u.Email, UserName: u.UserName, PhoneNumber: u.Phone, Role: string(u.Role)}
}

func messages(en, ar string) echo.Map { return echo.Map{"messages": []string{en, ar}} }

var errBadBody = []string{"Invalid Request Body", "صيغة الطلب غير صالحة"}

func (h *AuthHandler) ctx(c echo.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request().Context(), h.Timeout)
}

// Register creates an account and sends the confirmation email. No tokens
// are returned.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"errors": errBadBody})
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	u, err := h.Svc.Register(ctx, service.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		UserName:  req.UserName,
		Phone:     req.PhoneNumber,
		City:      req.City,
		Role:      req.Role,
		ClientURI: req.ClientURI,
	})
	if err != nil {
		return writeError(c, err)
	}
	resp := messages("Registered Successfully Please Check Your Email To Confirm Your Account",
		"تم التسجيل بنجاح، يرجى مراجعة بريدك الإلكتروني لتأكيد الحساب")
	resp["user"] = toUserDTO(u)
	return c.JSON(http.StatusCreated, resp)
}

// Login verifies credentials, returns the access token and sets the
// refresh token cookie.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"errors": errBadBody})
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	sess, err := h.Svc.Login(ctx, service.LoginInput{Email: req.Email, Password: req.Password, ClientURI: req.ClientURI})
	if err != nil {
		return writeError(c, err)
	}
	setRefreshCookie(c, sess.RefreshToken)
	return c.JSON(http.StatusOK, sessionResp{Token: sess.AccessToken, User: toUserDTO(sess.User)})
}

// Refresh takes the (possibly expired) bearer access token and the refresh
// cookie and returns a new access token. The cookie is replaced because the
// refresh token rotates.
func (h *AuthHandler) Refresh(c echo.Context) error {
	access, _ := middleware.BearerToken(c)
	var refresh string
	if ck, err := c.Cookie(RefreshCookie); err == nil {
		refresh = ck.Value
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	sess, err := h.Svc.Refresh(ctx, access, refresh)
	if err != nil {
		if service.KindOf(err) == service.KindSessionExpired {
			clearRefreshCookie(c)
		}
		return writeError(c, err)
	}
	setRefreshCookie(c, sess.RefreshToken)
	return c.JSON(http.StatusOK, echo.Map{"token": sess.AccessToken})
}

// GoogleLogin exchanges a Google ID token for a session.
func (h *AuthHandler) GoogleLogin(c echo.Context) error {
	var req googleReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"errors": errBadBody})
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	gs, err := h.Svc.GoogleLogin(ctx, req.IDToken)
	if err != nil {
		return writeError(c, err)
	}
	setRefreshCookie(c, gs.RefreshToken)
	created := gs.Created
	return c.JSON(http.StatusOK, sessionResp{Token: gs.AccessToken, User: toUserDTO(gs.User), Created: &created})
}

// ConfirmEmail redeems the link from the confirmation email.
func (h *AuthHandler) ConfirmEmail(c echo.Context) error {
	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.Svc.ConfirmEmail(ctx, c.QueryParam("email"), c.QueryParam("token")); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, messages("Email Confirmed Successfully", "تم تأكيد البريد الإلكتروني بنجاح"))
}

// ForgotPassword always answers the same way so it cannot be used to probe
// for accounts.
func (h *AuthHandler) ForgotPassword(c echo.Context) error {
	var req forgotReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"errors": errBadBody})
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.Svc.ForgotPassword(ctx, req.Email, req.ClientURI); err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, messages("If The Email Is Registered A Reset Link Has Been Sent",
		"إذا كان البريد الإلكتروني مسجلاً فقد تم إرسال رابط إعادة التعيين"))
}

func (h *AuthHandler) ResetPassword(c echo.Context) error {
	var req resetReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"errors": errBadBody})
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.Svc.ResetPassword(ctx, service.ResetPasswordInput{Email: req.Email, Token: req.Token, NewPassword: req.NewPassword}); err != nil {
		return writeError(c, err)
	}
	clearRefreshCookie(c)
	return c.JSON(http.StatusOK, messages("Password Reset Successfully", "تمت إعادة تعيين كلمة المرور بنجاح"))
}

// Logout revokes the refresh token from the cookie and clears it.
func (h *AuthHandler) Logout(c echo.Context) error {
	var refresh string
	if ck, err := c.Cookie(RefreshCookie); err == nil {
		refresh = ck.Value
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.Svc.Logout(ctx, refresh); err != nil {
		return writeError(c, err)
	}
	clearRefreshCookie(c)
	return c.NoContent(http.StatusNoContent)
}

// LogoutAll revokes every refresh token of the caller.
func (h *AuthHandler) LogoutAll(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"errors": []string{"Unauthorized", "غير مصرح"}})
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	n, err := h.Svc.LogoutAll(ctx, uid)
	if err != nil {
		return writeError(c, err)
	}
	clearRefreshCookie(c)
	return c.JSON(http.StatusOK, echo.Map{"revoked": n})
}

// Me returns the authenticated user.
func (h *AuthHandler) Me(c echo.Context) error {
	uid, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"errors": []string{"Unauthorized", "غير مصرح"}})
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	u, err := h.Svc.User(ctx, uid)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, toUserDTO(u))
}

// SetRole lets an admin change the role of the user in :id.
func (h *AuthHandler) SetRole(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"errors": []string{"Invalid User Id", "معرف المستخدم غير صالح"}})
	}
	var req roleReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"errors": errBadBody})
	}
	ctx, cancel := h.ctx(c)
	defer cancel()

	if err := h.Svc.SetRole(ctx, id, req.Role); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
