// Package domain holds the core data model shared by the store, engine,
// governor and API layers.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// StepKind identifies what a sequence step does.
type StepKind string

const (
	StepEmail          StepKind = "email"
	StepWait           StepKind = "wait"
	StepCall           StepKind = "call"
	StepNetworkConnect StepKind = "network_connect"
	StepNetworkMessage StepKind = "network_message"
)

// Channel identifies the delivery channel a non-wait step dispatches on.
type Channel string

const (
	ChannelEmail          Channel = "email"
	ChannelVoice          Channel = "voice"
	ChannelNetworkConnect Channel = "network_connect"
	ChannelNetworkMessage Channel = "network_message"
)

// ChannelFor maps a step kind to its delivery channel. Wait steps have none.
func ChannelFor(k StepKind) (Channel, bool) {
	switch k {
	case StepEmail:
		return ChannelEmail, true
	case StepCall:
		return ChannelVoice, true
	case StepNetworkConnect:
		return ChannelNetworkConnect, true
	case StepNetworkMessage:
		return ChannelNetworkMessage, true
	}
	return "", false
}

// PersonalizationMode selects how an email step's variable bag is enriched.
type PersonalizationMode string

const (
	ModeSignalBased       PersonalizationMode = "signal_based"
	ModeFullyPersonalized PersonalizationMode = "fully_personalized"
	ModeOpenerOnly        PersonalizationMode = "opener_only"
)

// Step is one entry in a sequence's ordered step list. Field relevance
// depends on Kind: email uses TemplateKey or Subject/Body plus
// Personalization, wait uses DelayDays only, call uses Script, network
// steps use Message.
type Step struct {
	Kind            StepKind            `json:"kind"`
	DelayDays       int                 `json:"delay_days"`
	TemplateKey     string              `json:"template_key,omitempty"`
	Subject         string              `json:"subject,omitempty"`
	Body            string              `json:"body,omitempty"`
	Personalization PersonalizationMode `json:"personalization,omitempty"`
	Script          string              `json:"script,omitempty"`
	Message         string              `json:"message,omitempty"`
	VariantTag      string              `json:"variant_tag,omitempty"`
}

// Sequence is an ordered multi-channel outreach plan tied to one sender.
// CampaignID groups sequences for the studio; the engine treats it as
// opaque.
type Sequence struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaign_id,omitempty"`
	Name        string    `json:"name"`
	SenderEmail string    `json:"sender_email"`
	Steps       []Step    `json:"steps"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Enrollment statuses. Paused enrollments are parked by an operator and
// ignored by the scheduler until resumed.
const (
	StatusPending   = "pending"
	StatusWaiting   = "waiting"
	StatusInFlight  = "in_flight"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// LiveStatuses are the enrollment statuses that still occupy the
// one-live-enrollment-per-(recipient, sequence) slot.
var LiveStatuses = []string{StatusPending, StatusWaiting, StatusInFlight}

// Enrollment tracks one recipient's progress through one sequence.
type Enrollment struct {
	ID          string    `json:"id"`
	SequenceID  string    `json:"sequence_id"`
	RecipientID string    `json:"recipient_id"`
	StepIndex   int       `json:"step_index"`
	Status      string    `json:"status"`
	DueAt       time.Time `json:"due_at"`
	Attempts    int       `json:"attempts"`
	Version     int       `json:"version"`
	LastError   string    `json:"last_error,omitempty"`
	ClaimedAt   time.Time `json:"claimed_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Recipient is an outreach target with the contact points and firmographic
// attributes the personalizer draws signals from.
type Recipient struct {
	ID         string            `json:"id"`
	Email      string            `json:"email"`
	FirstName  string            `json:"first_name"`
	LastName   string            `json:"last_name"`
	Company    string            `json:"company"`
	Title      string            `json:"title"`
	Phone      string            `json:"phone,omitempty"`
	ProfileURL string            `json:"profile_url,omitempty"`
	Industry   string            `json:"industry,omitempty"`
	City       string            `json:"city,omitempty"`
	State      string            `json:"state,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// FullName joins first and last name, tolerating either being empty.
func (r *Recipient) FullName() string {
	return strings.TrimSpace(strings.TrimSpace(r.FirstName) + " " + strings.TrimSpace(r.LastName))
}

// SendWindow restricts dispatch to certain local weekdays and clock hours.
// StartMinute/EndMinute are minutes since local midnight; a window where
// EndMinute <= StartMinute wraps past midnight. An empty Days set means
// every day, and StartMinute == EndMinute == 0 means the whole day.
type SendWindow struct {
	Days        []time.Weekday `json:"days"`
	StartMinute int            `json:"start_minute"`
	EndMinute   int            `json:"end_minute"`
	Timezone    string         `json:"timezone"`
}

// Sender is an outbound identity: mailbox, signature, warmup plan and
// send-window restrictions.
type Sender struct {
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	Title          string     `json:"title,omitempty"`
	Phone          string     `json:"phone,omitempty"`
	SignatureRich  string     `json:"signature_rich,omitempty"`
	SignaturePlain string     `json:"signature_plain,omitempty"`
	DailyCap       int        `json:"daily_cap"`
	WarmupEnabled  bool       `json:"warmup_enabled"`
	WarmupStart    time.Time  `json:"warmup_start,omitempty"`
	RampKey        string     `json:"ramp_key,omitempty"`
	OnHold         bool       `json:"on_hold"`
	Window         SendWindow `json:"window"`
}

// Log entry statuses. Dispatch outcomes first, then webhook-derived events.
const (
	LogSent             = "sent"
	LogSkipped          = "skipped"
	LogTransientFailure = "transient_failure"
	LogPermanentFailure = "permanent_failure"
	LogDelivered        = "delivered"
	LogOpened           = "opened"
	LogBounced          = "bounced"
	LogComplained       = "complained"
	LogCallStarted      = "call_started"
	LogCallCompleted    = "call_completed"
	LogCallFailed       = "call_failed"
)

// LogEntry is one append-only record of a dispatch attempt or a
// provider-reported delivery event.
type LogEntry struct {
	ID           string    `json:"id"`
	EnrollmentID string    `json:"enrollment_id"`
	SequenceID   string    `json:"sequence_id"`
	RecipientID  string    `json:"recipient_id"`
	SenderEmail  string    `json:"sender_email"`
	StepIndex    int       `json:"step_index"`
	Channel      Channel   `json:"channel,omitempty"`
	Status       string    `json:"status"`
	ExternalRef  string    `json:"external_ref,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	VariantTags  []string  `json:"variant_tags,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Template is a stored email body a step can reference by key instead of
// carrying inline content.
type Template struct {
	Key       string    `json:"key"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseClock parses "HH:MM" into minutes since midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// FormatClock renders minutes since midnight as "HH:MM".
func FormatClock(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
