package api

import (
	"errors"
	"net/http"

	"github.com/intralog/outreach-engine/internal/domain"
	"github.com/intralog/outreach-engine/internal/pkg/httputil"
	"github.com/intralog/outreach-engine/internal/pkg/logger"
	"github.com/intralog/outreach-engine/internal/store"
)

// Provider delivery events append to the log; they never drive enrollment
// transitions. The one exception is a completed call pulling a waiting
// enrollment's due time forward.

type emailEvent struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Detail    string `json:"detail"`
}

type emailWebhookRequest struct {
	Provider string       `json:"provider"`
	Events   []emailEvent `json:"events"`
}

var emailEventStatus = map[string]string{
	"delivery":  domain.LogDelivered,
	"delivered": domain.LogDelivered,
	"open":      domain.LogOpened,
	"opened":    domain.LogOpened,
	"bounce":    domain.LogBounced,
	"bounced":   domain.LogBounced,
	"complaint": domain.LogComplained,
}

// EmailWebhook ingests provider delivery events. Events are deduped on
// (provider, event_id); replays and unknown message ids are acknowledged
// and dropped so the provider stops resending them.
func (h *Handlers) EmailWebhook(w http.ResponseWriter, r *http.Request) {
	var req emailWebhookRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Provider == "" || len(req.Events) == 0 {
		httputil.BadRequest(w, "provider and events are required")
		return
	}

	accepted := 0
	for _, ev := range req.Events {
		if ev.EventID == "" {
			continue
		}
		first, err := h.Store.MarkWebhookEvent(r.Context(), req.Provider, ev.EventID, ev)
		if err != nil {
			writeError(w, err)
			return
		}
		if !first {
			continue
		}

		status, known := emailEventStatus[ev.Type]
		if !known {
			logger.Debug("ignoring email event type", "type", ev.Type, "provider", req.Provider)
			continue
		}

		origin, err := h.Store.FindLogByExternalRef(r.Context(), ev.MessageID)
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("email event for unknown message", "provider", req.Provider, "ref", ev.MessageID)
			continue
		}
		if err != nil {
			writeError(w, err)
			return
		}

		entry := &domain.LogEntry{
			EnrollmentID: origin.EnrollmentID,
			SequenceID:   origin.SequenceID,
			RecipientID:  origin.RecipientID,
			SenderEmail:  origin.SenderEmail,
			StepIndex:    origin.StepIndex,
			Channel:      domain.ChannelEmail,
			Status:       status,
			ExternalRef:  ev.MessageID,
			Detail:       ev.Detail,
			OccurredAt:   h.Clock.Now(),
		}
		if err := h.Store.AppendLogEntry(r.Context(), entry); err != nil {
			writeError(w, err)
			return
		}
		accepted++
	}

	httputil.OK(w, map[string]int{"accepted": accepted})
}

type voiceWebhookRequest struct {
	Provider string `json:"provider"`
	EventID  string `json:"event_id"`
	Type     string `json:"type"`
	CallID   string `json:"call_id"`
	Summary  string `json:"summary"`
}

// VoiceWebhook ingests call outcome events. A completed call logs the
// outcome and pulls the enrollment's next due time forward so the
// follow-up step goes out promptly.
func (h *Handlers) VoiceWebhook(w http.ResponseWriter, r *http.Request) {
	var req voiceWebhookRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Provider == "" || req.EventID == "" || req.CallID == "" {
		httputil.BadRequest(w, "provider, event_id and call_id are required")
		return
	}

	first, err := h.Store.MarkWebhookEvent(r.Context(), req.Provider, req.EventID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	if !first {
		httputil.OK(w, map[string]string{"status": "duplicate"})
		return
	}

	var status string
	switch req.Type {
	case "call.started":
		status = domain.LogCallStarted
	case "call.completed":
		status = domain.LogCallCompleted
	case "call.failed":
		status = domain.LogCallFailed
	default:
		logger.Debug("ignoring voice event type", "type", req.Type, "provider", req.Provider)
		httputil.OK(w, map[string]string{"status": "ignored"})
		return
	}

	origin, err := h.Store.FindLogByExternalRef(r.Context(), req.CallID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Warn("voice event for unknown call", "provider", req.Provider, "ref", req.CallID)
		httputil.OK(w, map[string]string{"status": "unknown_call"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	entry := &domain.LogEntry{
		EnrollmentID: origin.EnrollmentID,
		SequenceID:   origin.SequenceID,
		RecipientID:  origin.RecipientID,
		SenderEmail:  origin.SenderEmail,
		StepIndex:    origin.StepIndex,
		Channel:      domain.ChannelVoice,
		Status:       status,
		ExternalRef:  req.CallID,
		Detail:       req.Summary,
		OccurredAt:   h.Clock.Now(),
	}
	if err := h.Store.AppendLogEntry(r.Context(), entry); err != nil {
		writeError(w, err)
		return
	}

	if status == domain.LogCallCompleted && origin.EnrollmentID != "" {
		if err := h.Store.PullDueForward(r.Context(), origin.EnrollmentID, h.Clock.Now()); err != nil {
			logger.Error("pull due forward failed", "enrollment_id", origin.EnrollmentID, "error", err.Error())
		}
	}

	httputil.OK(w, map[string]string{"status": "ok"})
}
