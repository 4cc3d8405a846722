package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/intralog/outreach-engine/internal/domain"
	"github.com/intralog/outreach-engine/internal/engine"
	"github.com/intralog/outreach-engine/internal/governor"
	"github.com/intralog/outreach-engine/internal/personalize"
	"github.com/intralog/outreach-engine/internal/pkg/httputil"
	"github.com/intralog/outreach-engine/internal/signature"
	"github.com/intralog/outreach-engine/internal/store"
	"github.com/intralog/outreach-engine/internal/template"
)

// Handlers carries the dependencies of the control API.
type Handlers struct {
	Store    *store.Store
	Executor *engine.Executor
	Clock    engine.Clock
}

// NewHandlers wires the handler set. clock may be nil for the real clock.
func NewHandlers(st *store.Store, ex *engine.Executor, clock engine.Clock) *Handlers {
	if clock == nil {
		clock = engine.RealClock{}
	}
	return &Handlers{Store: st, Executor: ex, Clock: clock}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

// writeError maps store and domain errors onto the response envelope.
func writeError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.BadRequest(w, verr.Error())
	case errors.Is(err, store.ErrNotFound):
		httputil.NotFound(w, "resource not found")
	case errors.Is(err, store.ErrConflict):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

// --- sequences ---

type createSequenceRequest struct {
	CampaignID  string        `json:"campaign_id"`
	Name        string        `json:"name"`
	SenderEmail string        `json:"sender_email"`
	Steps       []domain.Step `json:"steps"`
}

func (h *Handlers) CreateSequence(w http.ResponseWriter, r *http.Request) {
	var req createSequenceRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		httputil.BadRequest(w, "name is required")
		return
	}
	if req.SenderEmail == "" {
		httputil.BadRequest(w, "sender_email is required")
		return
	}
	seq := &domain.Sequence{
		CampaignID:  req.CampaignID,
		Name:        req.Name,
		SenderEmail: req.SenderEmail,
		Steps:       req.Steps,
	}
	if err := h.Store.CreateSequence(r.Context(), seq); err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, seq)
}

func (h *Handlers) GetSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := h.Store.GetSequence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, seq)
}

type replaceStepsRequest struct {
	Steps []domain.Step `json:"steps"`
}

func (h *Handlers) ReplaceSteps(w http.ResponseWriter, r *http.Request) {
	var req replaceStepsRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if err := h.Store.ReplaceSteps(r.Context(), chi.URLParam(r, "id"), req.Steps); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

type enrollRequest struct {
	RecipientIDs []string `json:"recipient_ids"`
}

type enrollResponse struct {
	Created int `json:"created"`
	Skipped int `json:"skipped"`
}

func (h *Handlers) Enroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.RecipientIDs) == 0 {
		httputil.BadRequest(w, "recipient_ids is required")
		return
	}
	seqID := chi.URLParam(r, "id")
	seq, err := h.Store.GetSequence(r.Context(), seqID)
	if err != nil {
		writeError(w, err)
		return
	}

	// The first step's pre-delay is served before the first claim.
	firstDue := h.Clock.Now()
	if len(seq.Steps) > 0 && seq.Steps[0].DelayDays > 0 {
		firstDue = firstDue.AddDate(0, 0, seq.Steps[0].DelayDays)
	}

	created, skipped, err := h.Store.EnrollBatch(r.Context(), seqID, req.RecipientIDs, firstDue)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, enrollResponse{Created: created, Skipped: skipped})
}

func (h *Handlers) SequenceStatus(w http.ResponseWriter, r *http.Request) {
	seqID := chi.URLParam(r, "id")
	if _, err := h.Store.GetSequence(r.Context(), seqID); err != nil {
		writeError(w, err)
		return
	}
	counts, err := h.Store.StatusCounts(r.Context(), seqID)
	if err != nil {
		writeError(w, err)
		return
	}
	failures, err := h.Store.FailureBreakdown(r.Context(), seqID)
	if err != nil {
		writeError(w, err)
		return
	}
	failed, err := h.Store.FailedEnrollments(r.Context(), seqID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"sequence_id":         seqID,
		"statuses":            counts,
		"failures_by_channel": failures,
		"failed":              failed,
	})
}

// --- enrollments ---

func (h *Handlers) GetEnrollment(w http.ResponseWriter, r *http.Request) {
	e, err := h.Store.GetEnrollment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, e)
}

func (h *Handlers) EnrollmentLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.Store.GetEnrollment(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.Store.LogEntriesForEnrollment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"entries": entries})
}

func (h *Handlers) RetryEnrollment(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.RetryEnrollment(r.Context(), chi.URLParam(r, "id"), h.Clock.Now()); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

func (h *Handlers) PauseEnrollment(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.SetEnrollmentPaused(r.Context(), chi.URLParam(r, "id"), true); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

func (h *Handlers) ResumeEnrollment(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.SetEnrollmentPaused(r.Context(), chi.URLParam(r, "id"), false); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

// --- templates ---

type templatePayload struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (h *Handlers) UpsertTemplate(w http.ResponseWriter, r *http.Request) {
	var req templatePayload
	if !httputil.Decode(w, r, &req) {
		return
	}
	tpl := &domain.Template{
		Key:     chi.URLParam(r, "key"),
		Subject: req.Subject,
		Body:    req.Body,
	}
	if err := h.Store.UpsertTemplate(r.Context(), tpl); err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, tpl)
}

func (h *Handlers) GetTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.Store.GetTemplate(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, tpl)
}

// --- senders ---

type senderPayload struct {
	Name           string   `json:"name"`
	Title          string   `json:"title"`
	Phone          string   `json:"phone"`
	SignatureRich  string   `json:"signature_rich"`
	SignaturePlain string   `json:"signature_plain"`
	DailyCap       int      `json:"daily_cap"`
	WindowDays     []string `json:"window_days"`
	WindowStart    string   `json:"window_start"`
	WindowEnd      string   `json:"window_end"`
	WindowTZ       string   `json:"window_tz"`
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWindow(p *senderPayload) (domain.SendWindow, error) {
	w := domain.SendWindow{Timezone: p.WindowTZ}
	if w.Timezone == "" {
		w.Timezone = "UTC"
	}
	for _, name := range p.WindowDays {
		key := strings.ToLower(strings.TrimSpace(name))
		if len(key) > 3 {
			key = key[:3]
		}
		d, ok := weekdayNames[key]
		if !ok {
			return w, &domain.ValidationError{Field: "window_days", Message: "unknown weekday " + name}
		}
		w.Days = append(w.Days, d)
	}
	var err error
	if p.WindowStart != "" {
		if w.StartMinute, err = domain.ParseClock(p.WindowStart); err != nil {
			return w, &domain.ValidationError{Field: "window_start", Message: err.Error()}
		}
	}
	if p.WindowEnd != "" {
		if w.EndMinute, err = domain.ParseClock(p.WindowEnd); err != nil {
			return w, &domain.ValidationError{Field: "window_end", Message: err.Error()}
		}
	}
	if err := domain.ValidateWindow(w); err != nil {
		return w, err
	}
	return w, nil
}

func (h *Handlers) UpsertSender(w http.ResponseWriter, r *http.Request) {
	var req senderPayload
	if !httputil.Decode(w, r, &req) {
		return
	}
	window, err := parseWindow(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	snd := &domain.Sender{
		Email:          chi.URLParam(r, "email"),
		Name:           req.Name,
		Title:          req.Title,
		Phone:          req.Phone,
		SignatureRich:  req.SignatureRich,
		SignaturePlain: req.SignaturePlain,
		DailyCap:       req.DailyCap,
		Window:         window,
	}
	if snd.DailyCap <= 0 {
		snd.DailyCap = 50
	}
	// Preserve warmup and hold state across profile updates.
	if existing, err := h.Store.GetSender(r.Context(), snd.Email); err == nil {
		snd.WarmupEnabled = existing.WarmupEnabled
		snd.WarmupStart = existing.WarmupStart
		snd.RampKey = existing.RampKey
		snd.OnHold = existing.OnHold
	}
	if err := h.Store.UpsertSender(r.Context(), snd); err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, snd)
}

func (h *Handlers) ListSenders(w http.ResponseWriter, r *http.Request) {
	senders, err := h.Store.ListSenders(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"senders": senders})
}

func (h *Handlers) HoldSender(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.SetSenderHold(r.Context(), chi.URLParam(r, "email"), true); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

func (h *Handlers) ReleaseSender(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.SetSenderHold(r.Context(), chi.URLParam(r, "email"), false); err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

type signatureRequest struct {
	SignatureRich  string `json:"signature_rich"`
	SignaturePlain string `json:"signature_plain"`
}

func (h *Handlers) UpdateSignature(w http.ResponseWriter, r *http.Request) {
	var req signatureRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.SignatureRich == "" && req.SignaturePlain == "" {
		httputil.BadRequest(w, "a signature form is required")
		return
	}
	if req.SignaturePlain == "" {
		req.SignaturePlain = signature.HTMLToPlain(req.SignatureRich)
	}
	err := h.Store.UpdateSenderSignature(r.Context(), chi.URLParam(r, "email"),
		req.SignatureRich, req.SignaturePlain)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

type warmupRequest struct {
	Enabled bool   `json:"enabled"`
	Ramp    string `json:"ramp"`
}

func (h *Handlers) SetWarmup(w http.ResponseWriter, r *http.Request) {
	var req warmupRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	ramp := req.Ramp
	if req.Enabled {
		if ramp == "" {
			ramp = governor.DefaultRamp
		}
		if !governor.ValidRamp(ramp) {
			httputil.BadRequest(w, "unknown ramp "+ramp+"; valid: "+strings.Join(governor.RampNames(), ", "))
			return
		}
	}
	err := h.Store.SetSenderWarmup(r.Context(), chi.URLParam(r, "email"),
		req.Enabled, ramp, h.Clock.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.NoContent(w)
}

// --- preview and test send ---

type previewRequest struct {
	SequenceID  string `json:"sequence_id"`
	StepIndex   int    `json:"step_index"`
	RecipientID string `json:"recipient_id"`
}

type previewResponse struct {
	Subject          string   `json:"subject"`
	RichBody         string   `json:"rich_body"`
	PlainBody        string   `json:"plain_body"`
	UnknownVariables []string `json:"unknown_variables"`
}

// RenderPreview renders an email step against a real recipient without
// sending. Personalization variables come from the deterministic signal
// library; preview never calls the AI path.
func (h *Handlers) RenderPreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	seq, err := h.Store.GetSequence(r.Context(), req.SequenceID)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.StepIndex < 0 || req.StepIndex >= len(seq.Steps) {
		httputil.BadRequest(w, "step_index out of range")
		return
	}
	step := seq.Steps[req.StepIndex]
	if step.Kind != domain.StepEmail {
		httputil.BadRequest(w, "preview requires an email step")
		return
	}
	if step.TemplateKey != "" {
		tpl, err := h.Store.GetTemplate(r.Context(), step.TemplateKey)
		if err != nil {
			writeError(w, err)
			return
		}
		step.Subject = tpl.Subject
		step.Body = tpl.Body
	}
	recipient, err := h.Store.GetRecipient(r.Context(), req.RecipientID)
	if err != nil {
		writeError(w, err)
		return
	}
	sender, err := h.Store.GetSender(r.Context(), seq.SenderEmail)
	if err != nil {
		writeError(w, err)
		return
	}

	vars := template.Merge(
		engine.BaseVars(seq, recipient, sender, h.Clock.Now()),
		personalize.SignalVars(recipient),
	)

	subject, err := template.Render(step.Subject, vars)
	if err != nil {
		writeError(w, &domain.ValidationError{Field: "subject", Message: err.Error()})
		return
	}
	body, err := template.Render(step.Body, vars)
	if err != nil {
		writeError(w, &domain.ValidationError{Field: "body", Message: err.Error()})
		return
	}

	unknown, _ := template.Unknown(step.Subject+"\n"+step.Body, vars)
	composed := signature.Compose(sender, body, "")

	httputil.OK(w, previewResponse{
		Subject:          subject,
		RichBody:         composed.HTML,
		PlainBody:        composed.Text,
		UnknownVariables: unknown,
	})
}

type testSendRequest struct {
	SequenceID  string `json:"sequence_id"`
	StepIndex   int    `json:"step_index"`
	RecipientID string `json:"recipient_id"`
	To          string `json:"to"`
}

func (h *Handlers) TestSend(w http.ResponseWriter, r *http.Request) {
	var req testSendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.To == "" {
		httputil.BadRequest(w, "to is required")
		return
	}
	seq, err := h.Store.GetSequence(r.Context(), req.SequenceID)
	if err != nil {
		writeError(w, err)
		return
	}
	entry, err := h.Executor.TestSend(r.Context(), seq, req.StepIndex, req.RecipientID, req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, entry)
}
