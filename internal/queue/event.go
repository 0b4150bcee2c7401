// Package queue defines message payloads exchanged over the message broker.
package queue

import (
	"time"

	"github.com/iliyamo/storefront-identity/internal/mail"
)

// EmailRequestedEvent is published when an identity flow needs an email
// delivered. It carries the rendered message so the consumer does not need
// database access.
type EmailRequestedEvent struct {
	ID          string       `json:"id"`
	Message     mail.Message `json:"message"`
	RequestedAt time.Time    `json:"requested_at"`
}
