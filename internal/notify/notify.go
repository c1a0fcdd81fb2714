// Package notify defines the outbound message contract the identity core
// depends on. Delivery guarantees belong to the implementation; the core only
// observes success or failure of the hand-off.
package notify

import (
	"context"
	"errors"
	"strings"

	"authcore.io/internal/obs"
)

// Kind distinguishes delivery channels.
type Kind string

const (
	KindEmail Kind = "email"
	KindSMS   Kind = "sms"
)

// Message is a single outbound notification.
type Message struct {
	Kind        Kind
	Destination string
	Subject     string
	Body        string
}

// Sender hands a message to a delivery channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// LogSender writes messages to the structured log instead of delivering them.
// Used in development and tests.
type LogSender struct{}

func (LogSender) Send(_ context.Context, msg Message) error {
	if strings.TrimSpace(msg.Destination) == "" {
		return errors.New("notify: destination is required")
	}
	obs.LogRequest(map[string]any{
		"level":       "info",
		"msg":         "notification_sent",
		"kind":        string(msg.Kind),
		"destination": msg.Destination,
		"subject":     msg.Subject,
	})
	return nil
}
