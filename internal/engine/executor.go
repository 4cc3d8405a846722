package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/intralog/outreach-engine/internal/channel"
	"github.com/intralog/outreach-engine/internal/domain"
	"github.com/intralog/outreach-engine/internal/governor"
	"github.com/intralog/outreach-engine/internal/personalize"
	"github.com/intralog/outreach-engine/internal/pkg/logger"
	"github.com/intralog/outreach-engine/internal/signature"
	"github.com/intralog/outreach-engine/internal/store"
	"github.com/intralog/outreach-engine/internal/template"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// Store is the slice of persistence the executor touches.
type Store interface {
	GetSequence(ctx context.Context, id string) (*domain.Sequence, error)
	GetRecipient(ctx context.Context, id string) (*domain.Recipient, error)
	GetSender(ctx context.Context, email string) (*domain.Sender, error)
	GetTemplate(ctx context.Context, key string) (*domain.Template, error)
	SaveResult(ctx context.Context, e *domain.Enrollment, entry *domain.LogEntry) error
	AppendLogEntry(ctx context.Context, e *domain.LogEntry) error
}

// Executor runs one claimed enrollment step end to end and persists
// exactly one outcome for it.
type Executor struct {
	store        Store
	governor     *governor.Governor
	personalizer *personalize.Personalizer
	adapters     map[domain.Channel]channel.Adapter
	clock        Clock
	maxAttempts  int

	// Per-channel dispatch deadlines. Network gets a long one because the
	// session pool may pace before acting.
	timeouts map[domain.Channel]time.Duration
}

// NewExecutor wires an executor. clock may be nil for the real clock.
func NewExecutor(st Store, gov *governor.Governor, pers *personalize.Personalizer,
	adapters map[domain.Channel]channel.Adapter, clock Clock, maxAttempts int) *Executor {
	if clock == nil {
		clock = RealClock{}
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Executor{
		store:        st,
		governor:     gov,
		personalizer: pers,
		adapters:     adapters,
		clock:        clock,
		maxAttempts:  maxAttempts,
		timeouts: map[domain.Channel]time.Duration{
			domain.ChannelEmail:          30 * time.Second,
			domain.ChannelVoice:          30 * time.Second,
			domain.ChannelNetworkConnect: 15 * time.Minute,
			domain.ChannelNetworkMessage: 15 * time.Minute,
		},
	}
}

// holdRecheck is how long a paused sender's work waits before the next
// look; holds have no known end.
const holdRecheck = 10 * time.Minute

// Execute runs the enrollment's current step. The enrollment must be
// in_flight with the version read at claim time; every path persists one
// outcome through the version guard.
func (x *Executor) Execute(ctx context.Context, e *domain.Enrollment) error {
	now := x.clock.Now()

	seq, err := x.store.GetSequence(ctx, e.SequenceID)
	if errors.Is(err, store.ErrNotFound) {
		return x.failPermanent(ctx, e, nil, "", "sequence no longer exists", now)
	}
	if err != nil {
		return x.retryTransient(ctx, e, nil, "", fmt.Sprintf("load sequence: %v", err), now)
	}

	// A shortened step list completes enrollments past its end.
	if e.StepIndex >= len(seq.Steps) {
		e.Status = domain.StatusCompleted
		e.DueAt = now
		return x.save(ctx, e, nil)
	}

	step := seq.Steps[e.StepIndex]
	if step.Kind == domain.StepWait {
		// The wait's delay was applied when this step was scheduled, so
		// reaching it due means the pause is over.
		x.advance(e, seq, now)
		return x.save(ctx, e, nil)
	}

	ch, ok := domain.ChannelFor(step.Kind)
	if !ok {
		return x.failPermanent(ctx, e, seq, "", fmt.Sprintf("unknown step kind %q", step.Kind), now)
	}

	recipient, err := x.store.GetRecipient(ctx, e.RecipientID)
	if errors.Is(err, store.ErrNotFound) {
		return x.failPermanent(ctx, e, seq, ch, "recipient no longer exists", now)
	}
	if err != nil {
		return x.retryTransient(ctx, e, seq, ch, fmt.Sprintf("load recipient: %v", err), now)
	}

	// Missing contact data skips the step rather than failing it.
	if reason := skipReason(step.Kind, recipient); reason != "" {
		entry := x.entry(e, seq, ch, domain.LogSkipped, step, now)
		entry.Detail = reason
		x.advance(e, seq, now)
		return x.save(ctx, e, entry)
	}

	sender, err := x.store.GetSender(ctx, seq.SenderEmail)
	if errors.Is(err, store.ErrNotFound) {
		return x.failPermanent(ctx, e, seq, ch, "sender not configured", now)
	}
	if err != nil {
		return x.retryTransient(ctx, e, seq, ch, fmt.Sprintf("load sender: %v", err), now)
	}

	// step is a local copy; keyed email steps get their content swapped in.
	if err := x.resolveTemplate(ctx, &step); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return x.failPermanent(ctx, e, seq, ch,
				fmt.Sprintf("email template %q not found", step.TemplateKey), now)
		}
		return x.retryTransient(ctx, e, seq, ch, fmt.Sprintf("load template: %v", err), now)
	}

	msg, renderErr := x.buildMessage(ctx, &step, ch, seq, recipient, sender, e, now)
	if renderErr != nil {
		var syn *template.SyntaxError
		if errors.As(renderErr, &syn) {
			return x.failPermanent(ctx, e, seq, ch, renderErr.Error(), now)
		}
		return x.retryTransient(ctx, e, seq, ch, renderErr.Error(), now)
	}

	grant, denial, err := x.governor.RequestSlot(ctx, sender, now)
	if err != nil {
		return x.retryTransient(ctx, e, seq, ch, fmt.Sprintf("governor: %v", err), now)
	}
	if denial != nil {
		// Denial is not a failure: reschedule without burning an attempt
		// or writing a log entry.
		e.Status = domain.StatusPending
		if denial.NextEligibleAt.IsZero() {
			e.DueAt = now.Add(holdRecheck)
		} else {
			e.DueAt = denial.NextEligibleAt
		}
		return x.save(ctx, e, nil)
	}

	unlock := x.governor.LockSender(sender.Email)
	result, dispatchErr := x.dispatch(ctx, ch, msg)
	unlock()

	if errors.Is(dispatchErr, channel.ErrAccountCap) {
		grant.Release()
		e.Status = domain.StatusPending
		e.DueAt = governor.NextDayOpening(sender.Window, now)
		return x.save(ctx, e, nil)
	}
	if dispatchErr != nil {
		grant.Release()
		return x.retryTransient(ctx, e, seq, ch, dispatchErr.Error(), now)
	}

	switch result.Status {
	case channel.StatusSent:
		if err := grant.Commit(ctx); err != nil {
			logger.Error("send counter commit failed", "sender", sender.Email, "error", err.Error())
		}
		entry := x.entry(e, seq, ch, domain.LogSent, step, now)
		entry.ExternalRef = result.ExternalRef
		entry.Subject = msg.Subject
		x.advance(e, seq, now)
		e.Attempts = 0
		e.LastError = ""
		return x.save(ctx, e, entry)

	case channel.StatusPermanentFailure:
		grant.Release()
		return x.failPermanent(ctx, e, seq, ch, result.Detail, now)

	default: // transient
		grant.Release()
		return x.retryTransient(ctx, e, seq, ch, result.Detail, now)
	}
}

func (x *Executor) dispatch(ctx context.Context, ch domain.Channel, msg *channel.Message) (*channel.Result, error) {
	adapter, ok := x.adapters[ch]
	if !ok {
		return nil, fmt.Errorf("no adapter for channel %s", ch)
	}
	dctx, cancel := context.WithTimeout(ctx, x.timeouts[ch])
	defer cancel()
	return adapter.Dispatch(dctx, msg)
}

// resolveTemplate fills an email step's subject and body from its stored
// template when the step carries a key instead of inline content.
func (x *Executor) resolveTemplate(ctx context.Context, step *domain.Step) error {
	if step.Kind != domain.StepEmail || step.TemplateKey == "" {
		return nil
	}
	tpl, err := x.store.GetTemplate(ctx, step.TemplateKey)
	if err != nil {
		return err
	}
	step.Subject = tpl.Subject
	step.Body = tpl.Body
	return nil
}

func skipReason(kind domain.StepKind, r *domain.Recipient) string {
	switch kind {
	case domain.StepCall:
		if r.Phone == "" {
			return "no phone number on file"
		}
	case domain.StepNetworkConnect, domain.StepNetworkMessage:
		if r.ProfileURL == "" {
			return "no profile URL on file"
		}
	}
	return ""
}

// buildMessage assembles the variable bag, renders the step's text and
// composes the channel message.
func (x *Executor) buildMessage(ctx context.Context, step *domain.Step, ch domain.Channel,
	seq *domain.Sequence, r *domain.Recipient, sender *domain.Sender,
	e *domain.Enrollment, now time.Time) (*channel.Message, error) {

	vars := BaseVars(seq, r, sender, now)

	body := step.Body
	if ch == domain.ChannelEmail {
		res, err := x.personalizer.Apply(ctx, r, step.Personalization)
		if err != nil {
			return nil, err
		}
		vars = template.Merge(vars, res.Vars)
		if res.ReplacementBody != "" {
			body = res.ReplacementBody
		}
	}

	msg := &channel.Message{
		Channel:      ch,
		EnrollmentID: e.ID,
		RecipientID:  r.ID,
		SenderEmail:  sender.Email,
		SenderName:   sender.Name,
	}

	switch ch {
	case domain.ChannelEmail:
		subject, err := template.Render(step.Subject, vars)
		if err != nil {
			return nil, err
		}
		rendered, err := template.Render(body, vars)
		if err != nil {
			return nil, err
		}
		composed := signature.Compose(sender, rendered, "")
		msg.To = r.Email
		msg.Subject = subject
		msg.HTMLBody = composed.HTML
		msg.TextBody = composed.Text

	case domain.ChannelVoice:
		script, err := template.Render(step.Script, vars)
		if err != nil {
			return nil, err
		}
		msg.Phone = r.Phone
		msg.Script = script
		msg.VoicemailText = voicemailText(r, sender)

	case domain.ChannelNetworkConnect, domain.ChannelNetworkMessage:
		note, err := template.Render(step.Message, vars)
		if err != nil {
			return nil, err
		}
		msg.ProfileURL = r.ProfileURL
		msg.Body = note
	}

	return msg, nil
}

// BaseVars is the deterministic variable bag shared by dispatch, preview
// and test sends: recipient fields, sender fields and run constants.
func BaseVars(seq *domain.Sequence, r *domain.Recipient, sender *domain.Sender, now time.Time) map[string]string {
	vars := map[string]string{
		"first_name":    r.FirstName,
		"last_name":     r.LastName,
		"full_name":     r.FullName(),
		"company":       r.Company,
		"company_name":  r.Company,
		"title":         r.Title,
		"email":         r.Email,
		"phone":         r.Phone,
		"linkedin_url":  r.ProfileURL,
		"city":          r.City,
		"state":         r.State,
		"industry":      r.Industry,
		"sender_name":   sender.Name,
		"sender_title":  sender.Title,
		"sender_email":  sender.Email,
		"sender_phone":  sender.Phone,
		"current_date":  now.Format("January 2, 2006"),
		"sequence_name": "",
	}
	if seq != nil {
		vars["sequence_name"] = seq.Name
	}
	for k, v := range r.Attributes {
		if _, taken := vars[k]; !taken {
			vars[k] = v
		}
	}
	return vars
}

func voicemailText(r *domain.Recipient, sender *domain.Sender) string {
	name := r.FirstName
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s, this is %s. Sorry I missed you. I'll follow up by email with the details.", name, sender.Name)
}

// advance moves past the current step and schedules the next one. The next
// step's delay is applied here, which is also how wait steps pause.
func (x *Executor) advance(e *domain.Enrollment, seq *domain.Sequence, now time.Time) {
	e.StepIndex++
	if e.StepIndex >= len(seq.Steps) {
		e.Status = domain.StatusCompleted
		e.DueAt = now
		return
	}
	next := seq.Steps[e.StepIndex]
	delay := time.Duration(next.DelayDays) * 24 * time.Hour
	e.DueAt = now.Add(delay)
	if delay > 0 {
		e.Status = domain.StatusWaiting
	} else {
		e.Status = domain.StatusPending
	}
}

func (x *Executor) retryTransient(ctx context.Context, e *domain.Enrollment, seq *domain.Sequence,
	ch domain.Channel, detail string, now time.Time) error {

	e.Attempts++
	if e.Attempts >= x.maxAttempts {
		return x.failPermanent(ctx, e, seq, ch,
			fmt.Sprintf("gave up after %d attempts: %s", e.Attempts, detail), now)
	}

	e.Status = domain.StatusPending
	e.DueAt = now.Add(Backoff(e.Attempts))
	e.LastError = detail

	var entry *domain.LogEntry
	if seq != nil {
		entry = x.entryRaw(e, seq, ch, domain.LogTransientFailure, now)
		entry.Detail = detail
	}
	return x.save(ctx, e, entry)
}

func (x *Executor) failPermanent(ctx context.Context, e *domain.Enrollment, seq *domain.Sequence,
	ch domain.Channel, detail string, now time.Time) error {

	e.Status = domain.StatusFailed
	e.LastError = detail
	e.DueAt = now

	var entry *domain.LogEntry
	if seq != nil {
		entry = x.entryRaw(e, seq, ch, domain.LogPermanentFailure, now)
		entry.Detail = detail
	}
	return x.save(ctx, e, entry)
}

func (x *Executor) entry(e *domain.Enrollment, seq *domain.Sequence, ch domain.Channel,
	status string, step domain.Step, now time.Time) *domain.LogEntry {
	entry := x.entryRaw(e, seq, ch, status, now)
	if step.VariantTag != "" {
		entry.VariantTags = []string{step.VariantTag}
	}
	return entry
}

func (x *Executor) entryRaw(e *domain.Enrollment, seq *domain.Sequence, ch domain.Channel,
	status string, now time.Time) *domain.LogEntry {
	return &domain.LogEntry{
		EnrollmentID: e.ID,
		SequenceID:   e.SequenceID,
		RecipientID:  e.RecipientID,
		SenderEmail:  seq.SenderEmail,
		StepIndex:    e.StepIndex,
		Channel:      ch,
		Status:       status,
		OccurredAt:   now,
	}
}

func (x *Executor) save(ctx context.Context, e *domain.Enrollment, entry *domain.LogEntry) error {
	err := x.store.SaveResult(ctx, e, entry)
	if errors.Is(err, store.ErrConflict) {
		// Someone else moved the row (stale-claim recovery beat us); the
		// version guard drops our outcome.
		logger.Warn("enrollment save lost version race", "enrollment_id", e.ID)
		return nil
	}
	return err
}
