package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// VoiceAdapter submits outbound AI calls to a Bland-style call API.
// Submitting the call is the send; the call's outcome arrives later on
// the voice webhook.
type VoiceAdapter struct {
	baseURL    string
	apiKey     string
	webhookURL string
	client     *http.Client
}

// NewVoiceAdapter builds the adapter. webhookURL is where the call API
// posts completion events.
func NewVoiceAdapter(baseURL, apiKey, webhookURL string) *VoiceAdapter {
	return &VoiceAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}
}

type callRequest struct {
	PhoneNumber      string `json:"phone_number"`
	Task             string `json:"task"`
	Voice            string `json:"voice"`
	WaitForGreeting  bool   `json:"wait_for_greeting"`
	Record           bool   `json:"record"`
	MaxDuration      int    `json:"max_duration"`
	Webhook          string `json:"webhook,omitempty"`
	VoicemailAction  string `json:"voicemail_action"`
	VoicemailMessage string `json:"voicemail_message,omitempty"`
}

type callResponse struct {
	CallID  string `json:"call_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Dispatch submits the call. ExternalRef is the provider call_id.
func (a *VoiceAdapter) Dispatch(ctx context.Context, msg *Message) (*Result, error) {
	payload := callRequest{
		PhoneNumber:     msg.Phone,
		Task:            msg.Script,
		Voice:           "nat",
		WaitForGreeting: true,
		Record:          true,
		MaxDuration:     5,
		Webhook:         a.webhookURL,
		VoicemailAction: "leave_message",
	}
	if msg.VoicemailText != "" {
		payload.VoicemailMessage = msg.VoicemailText
	} else {
		payload.VoicemailAction = "hangup"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal call request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return &Result{Status: StatusTransientFailure, Detail: "call submit timed out"}, nil
		}
		return &Result{Status: StatusTransientFailure, Detail: err.Error()}, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
		var parsed callResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			// Accepted without a parseable body still counts as submitted.
			log.Printf("[VoiceAdapter] unparseable accept body enrollment=%s: %v", msg.EnrollmentID, err)
			return &Result{Status: StatusSent}, nil
		}
		return &Result{Status: StatusSent, ExternalRef: parsed.CallID}, nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	detail := fmt.Sprintf("call API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &Result{Status: StatusTransientFailure, Detail: detail}, nil
	}
	return &Result{Status: StatusPermanentFailure, Detail: detail}, nil
}
