// Package notify renders notifications and delivers them to their owners.
package notify

import (
	"context"
	"fmt"
)

// Message is a rendered notification.
type Message struct {
	Subject string `json:"subject"`
	Text    string `json:"text"`
	HTML    string `json:"html,omitempty"`
}

// Notifier delivers a message to a contact. Implementations report failures
// as *DeliveryError.
type Notifier interface {
	Send(ctx context.Context, contact string, msg Message) error
}

// DeliveryError reports a failed delivery attempt.
type DeliveryError struct {
	Channel string
	Contact string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery to %s failed: %v", e.Channel, e.Contact, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }
