// Package channel holds the delivery adapters: email over SES, voice calls
// over an outbound-call API, and network touches over a browser-automation
// gateway. Adapters classify outcomes; they never retry internally.
package channel

import (
	"context"
	"errors"

	"github.com/intralog/outreach-engine/internal/domain"
)

// Status classifies a dispatch outcome.
type Status string

const (
	StatusSent             Status = "sent"
	StatusTransientFailure Status = "transient_failure"
	StatusPermanentFailure Status = "permanent_failure"
)

// ErrAccountCap signals that a network account's hard daily action cap is
// spent. The executor reschedules to the next day without burning an
// attempt.
var ErrAccountCap = errors.New("network account daily cap reached")

// Message is a fully rendered step ready for one adapter. Only the fields
// relevant to the target channel are set.
type Message struct {
	Channel      domain.Channel
	EnrollmentID string
	RecipientID  string

	SenderEmail string
	SenderName  string

	// Email
	To       string
	Subject  string
	HTMLBody string
	TextBody string

	// Voice
	Phone         string
	Script        string
	VoicemailText string

	// Network
	ProfileURL string
	Body       string
}

// Result is a classified dispatch outcome. ExternalRef is the provider's
// message or call identifier when one exists.
type Result struct {
	Status      Status
	ExternalRef string
	Detail      string
}

// Adapter dispatches one rendered message. A non-nil error means the
// adapter itself broke (not the send); the executor treats it as transient.
type Adapter interface {
	Dispatch(ctx context.Context, msg *Message) (*Result, error)
}
