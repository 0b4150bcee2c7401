package service

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failed identity operation. Handlers map kinds to HTTP
// statuses; the wrapped cause is logged and never serialized.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidCredentials
	KindEmailNotConfirmed
	KindInvalidToken
	KindSessionExpired
	KindExternalAuthFailed
	KindAccountCreationFailed
	KindEmailDeliveryFailed
	KindValidationFailed
)

var kindNames = map[Kind]string{
	KindInternal:              "Internal",
	KindInvalidCredentials:    "InvalidCredentials",
	KindEmailNotConfirmed:     "EmailNotConfirmed",
	KindInvalidToken:          "InvalidToken",
	KindSessionExpired:        "SessionExpired",
	KindExternalAuthFailed:    "ExternalAuthFailed",
	KindAccountCreationFailed: "AccountCreationFailed",
	KindEmailDeliveryFailed:   "EmailDeliveryFailed",
	KindValidationFailed:      "ValidationFailed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is the failure half of every IdentityService result. Messages are
// safe to show to end users.
type Error struct {
	Kind     Kind
	Messages []string
	Cause    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if len(e.Messages) > 0 {
		msg += ": " + strings.Join(e.Messages, "; ")
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches another *Error of the same kind, so errors.Is(err, ErrSessionExpired)
// works for any session-expired failure.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Cause == nil && len(t.Messages) == 0
	}
	return false
}

// Sentinels for errors.Is.
var (
	ErrInvalidCredentials    = &Error{Kind: KindInvalidCredentials}
	ErrEmailNotConfirmed     = &Error{Kind: KindEmailNotConfirmed}
	ErrInvalidToken          = &Error{Kind: KindInvalidToken}
	ErrSessionExpired        = &Error{Kind: KindSessionExpired}
	ErrExternalAuthFailed    = &Error{Kind: KindExternalAuthFailed}
	ErrAccountCreationFailed = &Error{Kind: KindAccountCreationFailed}
	ErrEmailDeliveryFailed   = &Error{Kind: KindEmailDeliveryFailed}
	ErrValidationFailed      = &Error{Kind: KindValidationFailed}
)

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessagesOf returns the user-facing messages of err.
func MessagesOf(err error) []string {
	var e *Error
	if errors.As(err, &e) && len(e.Messages) > 0 {
		return e.Messages
	}
	return msgInternal
}

func newError(kind Kind, cause error, msgs ...[]string) *Error {
	e := &Error{Kind: kind, Cause: cause}
	for _, m := range msgs {
		e.Messages = append(e.Messages, m...)
	}
	if len(e.Messages) == 0 {
		e.Messages = defaultMessages[kind]
	}
	return e
}

// English first, Arabic second.
var (
	msgInternal           = []string{"Something Went Wrong Please Try Again", "حدث خطأ ما، يرجى المحاولة مرة أخرى"}
	msgInvalidCredentials = []string{"Email Or Password Are Invalid", "البريد الإلكتروني أو كلمة المرور غير صحيحة"}
	msgEmailNotConfirmed  = []string{"Please Verify Your Email", "يرجى تأكيد بريدك الإلكتروني"}
	msgInvalidToken       = []string{"Invalid Token", "رمز غير صالح"}
	msgSessionExpired     = []string{"Session Expired Please re-login", "انتهت الجلسة، يرجى تسجيل الدخول مرة أخرى"}
	msgExternalAuthFailed = []string{"External Authentication Failed", "فشل التحقق من الحساب الخارجي"}
	msgAccountCreation    = []string{"Failed To Create Account", "تعذر إنشاء الحساب"}
	msgEmailDelivery      = []string{"Failed To Send Email", "تعذر إرسال البريد الإلكتروني"}
	msgValidation         = []string{"Invalid Request", "طلب غير صالح"}

	msgEmailRequired    = []string{"Email Is Required", "البريد الإلكتروني مطلوب"}
	msgEmailInvalid     = []string{"Email Is Invalid", "البريد الإلكتروني غير صالح"}
	msgEmailTaken       = []string{"Email Is Already Registered", "البريد الإلكتروني مسجل مسبقاً"}
	msgPasswordRequired = []string{"Password Is Required", "كلمة المرور مطلوبة"}
	msgPasswordLength   = []string{"Password Must Be Between 6 And 72 Characters", "يجب أن تكون كلمة المرور بين 6 و 72 حرفاً"}
	msgUserNameRequired = []string{"User Name Is Required", "اسم المستخدم مطلوب"}
	msgRoleInvalid      = []string{"Role Is Invalid", "الدور غير صالح"}
	msgTokenRequired    = []string{"Token Is Required", "الرمز مطلوب"}
	msgUserNotFound     = []string{"User Not Found", "المستخدم غير موجود"}
	msgIDTokenRequired  = []string{"Google Token Is Required", "رمز جوجل مطلوب"}
)

var defaultMessages = map[Kind][]string{
	KindInternal:              msgInternal,
	KindInvalidCredentials:    msgInvalidCredentials,
	KindEmailNotConfirmed:     msgEmailNotConfirmed,
	KindInvalidToken:          msgInvalidToken,
	KindSessionExpired:        msgSessionExpired,
	KindExternalAuthFailed:    msgExternalAuthFailed,
	KindAccountCreationFailed: msgAccountCreation,
	KindEmailDeliveryFailed:   msgEmailDelivery,
	KindValidationFailed:      msgValidation,
}
