package engine

import (
	"context"
	"fmt"

	"github.com/intralog/outreach-engine/internal/channel"
	"github.com/intralog/outreach-engine/internal/domain"
	"github.com/intralog/outreach-engine/internal/signature"
	"github.com/intralog/outreach-engine/internal/template"
)

// TestSend renders an email step for a real recipient and dispatches it to
// an override address. It bypasses the rate governor entirely: no slot, no
// warmup count. The log entry is tagged test_send so reporting can exclude
// it.
func (x *Executor) TestSend(ctx context.Context, seq *domain.Sequence, stepIndex int,
	recipientID, toOverride string) (*domain.LogEntry, error) {

	if stepIndex < 0 || stepIndex >= len(seq.Steps) {
		return nil, &domain.ValidationError{Field: "step_index", Message: "out of range"}
	}
	step := seq.Steps[stepIndex]
	if step.Kind != domain.StepEmail {
		return nil, &domain.ValidationError{Field: "step_index", Message: "test sends cover email steps only"}
	}
	if err := x.resolveTemplate(ctx, &step); err != nil {
		return nil, err
	}

	recipient, err := x.store.GetRecipient(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	sender, err := x.store.GetSender(ctx, seq.SenderEmail)
	if err != nil {
		return nil, err
	}

	now := x.clock.Now()
	vars := BaseVars(seq, recipient, sender, now)
	res, err := x.personalizer.Apply(ctx, recipient, step.Personalization)
	if err != nil {
		return nil, err
	}
	vars = template.Merge(vars, res.Vars)

	body := step.Body
	if res.ReplacementBody != "" {
		body = res.ReplacementBody
	}
	subject, err := template.Render(step.Subject, vars)
	if err != nil {
		return nil, err
	}
	rendered, err := template.Render(body, vars)
	if err != nil {
		return nil, err
	}
	composed := signature.Compose(sender, rendered, "")

	msg := &channel.Message{
		Channel:     domain.ChannelEmail,
		RecipientID: recipient.ID,
		SenderEmail: sender.Email,
		SenderName:  sender.Name,
		To:          toOverride,
		Subject:     "[TEST] " + subject,
		HTMLBody:    composed.HTML,
		TextBody:    composed.Text,
	}

	result, err := x.dispatch(ctx, domain.ChannelEmail, msg)
	if err != nil {
		return nil, err
	}
	if result.Status != channel.StatusSent {
		return nil, fmt.Errorf("test send not accepted: %s", result.Detail)
	}

	tags := []string{"test_send"}
	if step.VariantTag != "" {
		tags = append(tags, step.VariantTag)
	}
	entry := &domain.LogEntry{
		SequenceID:  seq.ID,
		RecipientID: recipient.ID,
		SenderEmail: sender.Email,
		StepIndex:   stepIndex,
		Channel:     domain.ChannelEmail,
		Status:      domain.LogSent,
		ExternalRef: result.ExternalRef,
		Subject:     msg.Subject,
		VariantTags: tags,
		OccurredAt:  now,
	}
	if err := x.store.AppendLogEntry(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
