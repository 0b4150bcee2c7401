// Package mail renders and delivers the transactional emails of the
// identity flows: account confirmation and password reset.
package mail

import (
	"context"
	"errors"
)

// Kind names a template.
type Kind string

const (
	KindConfirmEmail  Kind = "confirm_email"
	KindResetPassword Kind = "reset_password"
)

// Message is a rendered email ready for a transport.
type Message struct {
	Kind    Kind   `json:"kind"`
	To      string `json:"to"`
	ToName  string `json:"to_name,omitempty"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// Validate checks the fields every transport needs.
func (m Message) Validate() error {
	if m.To == "" {
		return errors.New("mail: empty recipient")
	}
	if m.Subject == "" || m.HTML == "" {
		return errors.New("mail: empty subject or body")
	}
	return nil
}

// Sender delivers a message. Send returns once the transport has accepted
// the message or failed.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }
