package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSteps(t *testing.T) {
	email := Step{Kind: StepEmail, Subject: "Hi {{first_name}}", Body: "Quick question."}

	tests := []struct {
		name      string
		steps     []Step
		wantField string
	}{
		{"empty sequence", nil, "steps"},
		{"email with inline content", []Step{email}, ""},
		{"email with template key only", []Step{{Kind: StepEmail, TemplateKey: "intro"}}, ""},
		{"email missing subject", []Step{{Kind: StepEmail, Body: "b"}}, "steps[0].subject"},
		{"email missing body", []Step{{Kind: StepEmail, Subject: "s"}}, "steps[0].body"},
		{"zero-day wait advances immediately", []Step{email, {Kind: StepWait, DelayDays: 0}}, ""},
		{"negative delay", []Step{email, {Kind: StepWait, DelayDays: -1}}, "steps[1].delay_days"},
		{"call without script", []Step{{Kind: StepCall}}, "steps[0].script"},
		{"connect without note", []Step{{Kind: StepNetworkConnect}}, ""},
		{"network message empty", []Step{{Kind: StepNetworkMessage}}, "steps[0].message"},
		{"unknown kind", []Step{{Kind: "carrier_pigeon"}}, "steps[0].kind"},
		{"unknown personalization mode", []Step{{Kind: StepEmail, Subject: "s", Body: "b", Personalization: "psychic"}}, "steps[0].personalization"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSteps(tt.steps)
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantField, verr.Field)
		})
	}
}
