// Package messaging delivers completion notices to parents.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
)

// ErrNoRecipient is returned when a notice has no phone number to go to.
var ErrNoRecipient = errors.New("recipient cannot be empty")

// Notifier sends a plain-text message to a phone number.
type Notifier interface {
	// ValidateAndCanonicalizeRecipient returns the recipient in the form the
	// notifier sends to, or an error if it cannot be used.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)
	SendMessage(ctx context.Context, to string, body string) error
}

var nonDigits = regexp.MustCompile(`[^0-9]`)

// CanonicalPhoneNumber reduces a phone number to E.164 form ("+" and digits).
func CanonicalPhoneNumber(recipient string) (string, error) {
	if recipient == "" {
		return "", ErrNoRecipient
	}
	digits := nonDigits.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	if len(digits) > 15 {
		return "", fmt.Errorf("invalid phone number: %q is too long (maximum 15 digits)", digits)
	}
	return "+" + digits, nil
}

// LogNotifier only logs messages. It is used when no SMS provider is configured.
type LogNotifier struct{}

func (LogNotifier) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalPhoneNumber(recipient)
}

func (LogNotifier) SendMessage(_ context.Context, to string, body string) error {
	slog.Info("LogNotifier.SendMessage: notice not delivered, no SMS provider configured", "to", to, "body", body)
	return nil
}

// SentMessage is a message recorded by MockNotifier.
type SentMessage struct {
	To   string
	Body string
}

// MockNotifier records messages instead of sending them.
type MockNotifier struct {
	mu sync.Mutex
	// Err, when set, is returned by SendMessage.
	Err          error
	SentMessages []SentMessage
}

// NewMockNotifier creates an empty MockNotifier.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{SentMessages: []SentMessage{}}
}

func (m *MockNotifier) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalPhoneNumber(recipient)
}

func (m *MockNotifier) SendMessage(_ context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockNotifier) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.SentMessages...)
}
