package mail

import (
	"bytes"
	"fmt"
	"html/template"
)

var (
	confirmTmpl = template.Must(template.New("confirm").Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<p>Hello {{.Name}},</p>
<p>Please confirm your email address to activate your account.</p>
<p><a href="{{.Link}}">Confirm my email</a></p>
<p dir="rtl">مرحباً {{.Name}}، يرجى تأكيد بريدك الإلكتروني لتفعيل حسابك.</p>
<p dir="rtl"><a href="{{.Link}}">تأكيد البريد الإلكتروني</a></p>
</body></html>`))

	resetTmpl = template.Must(template.New("reset").Parse(`<!DOCTYPE html>
<html><body style="font-family:sans-serif">
<p>Hello {{.Name}},</p>
<p>We received a request to reset your password. The link below can be used once.</p>
<p><a href="{{.Link}}">Reset my password</a></p>
<p>If you did not ask for this, you can ignore this email.</p>
<p dir="rtl">مرحباً {{.Name}}، لإعادة تعيين كلمة المرور استخدم الرابط التالي.</p>
<p dir="rtl"><a href="{{.Link}}">إعادة تعيين كلمة المرور</a></p>
</body></html>`))
)

type linkData struct {
	Name string
	Link string
}

// ConfirmationEmail renders the message carrying an account confirmation link.
func ConfirmationEmail(to, name, link string) (Message, error) {
	return render(KindConfirmEmail, confirmTmpl, "Confirm your email | تأكيد البريد الإلكتروني", to, name, link)
}

// PasswordResetEmail renders the message carrying a password reset link.
func PasswordResetEmail(to, name, link string) (Message, error) {
	return render(KindResetPassword, resetTmpl, "Reset your password | إعادة تعيين كلمة المرور", to, name, link)
}

func render(kind Kind, t *template.Template, subject, to, name, link string) (Message, error) {
	if name == "" {
		name = to
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, linkData{Name: name, Link: link}); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", kind, err)
	}
	return Message{Kind: kind, To: to, ToName: name, Subject: subject, HTML: buf.String()}, nil
}
