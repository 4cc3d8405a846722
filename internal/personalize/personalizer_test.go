package personalize

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intralog/outreach-engine/internal/domain"
	"github.com/intralog/outreach-engine/internal/template"
)

type fakeAI struct {
	reply string
	err   error
	calls int
}

func (f *fakeAI) Complete(ctx context.Context, prompt string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func recipient() *domain.Recipient {
	return &domain.Recipient{
		ID:        "r1",
		Email:     "pat@acmepaving.com",
		FirstName: "Pat",
		Company:   "Acme Paving",
		Industry:  "Construction",
	}
}

func TestStrongestSignal(t *testing.T) {
	tests := []struct {
		name  string
		attrs map[string]string
		want  string
	}{
		{"hiring wins", map[string]string{"job_postings_count": "3", "intent_score": "0.9"}, SignalHiring},
		{"intent next", map[string]string{"intent_score": "0.7"}, SignalIntent},
		{"low intent ignored", map[string]string{"intent_score": "0.2"}, SignalDefault},
		{"equipment", map[string]string{"equipment_signals": "2 new excavators"}, SignalEquipment},
		{"nothing", nil, SignalDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := recipient()
			r.Attributes = tt.attrs
			assert.Equal(t, tt.want, StrongestSignal(r))
		})
	}
}

func TestSignalVarsDeterministic(t *testing.T) {
	r := recipient()
	r.Attributes = map[string]string{"job_postings_count": "2"}

	first := SignalVars(r)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, SignalVars(r))
	}
	// Company token from library copy is expanded, never left for the renderer.
	assert.NotContains(t, first["personalization_sentence"], "{{")
	assert.Contains(t, first["personalization_sentence"], "Acme Paving")
	assert.NotEmpty(t, first["pain_statement"])
	assert.NotEmpty(t, first["credibility_anchor"])
}

func TestSignalVarsRenderIntoGeneratedNames(t *testing.T) {
	p := New(nil)
	res, err := p.Apply(context.Background(), recipient(), domain.ModeSignalBased)
	require.NoError(t, err)

	out, err := template.Render(
		"{{personalization_sentence}} | {{pain_statement}} | {{credibility_anchor}}",
		res.Vars)
	require.NoError(t, err)
	for _, part := range strings.Split(out, " | ") {
		assert.NotEmpty(t, part)
	}
}

func TestSignalVarsUnknownIndustryFallsBack(t *testing.T) {
	r := recipient()
	r.Industry = "Basket Weaving"
	vars := SignalVars(r)
	assert.NotEmpty(t, vars["personalization_sentence"])
}

func TestApplySignalBased(t *testing.T) {
	ai := &fakeAI{reply: "should not be called"}
	p := New(ai)

	res, err := p.Apply(context.Background(), recipient(), domain.ModeSignalBased)
	require.NoError(t, err)
	assert.Zero(t, ai.calls)
	assert.Empty(t, res.ReplacementBody)
	assert.NotEmpty(t, res.Vars["personalization_sentence"])
}

func TestApplyFullyPersonalized(t *testing.T) {
	ai := &fakeAI{reply: "Hi {{first_name}}, quick question about scheduling."}
	p := New(ai)

	res, err := p.Apply(context.Background(), recipient(), domain.ModeFullyPersonalized)
	require.NoError(t, err)
	assert.Equal(t, 1, ai.calls)
	assert.Equal(t, ai.reply, res.ReplacementBody)
	assert.NotEmpty(t, res.Vars)
}

func TestApplyAIFailureDegrades(t *testing.T) {
	ai := &fakeAI{err: errors.New("rate limited")}
	p := New(ai)

	res, err := p.Apply(context.Background(), recipient(), domain.ModeFullyPersonalized)
	require.NoError(t, err, "AI failure must never abort a step")
	assert.Empty(t, res.ReplacementBody)
	assert.NotEmpty(t, res.Vars["personalization_sentence"], "falls back to signal copy")
}

func TestApplyNilClientDegrades(t *testing.T) {
	p := New(nil)
	res, err := p.Apply(context.Background(), recipient(), domain.ModeOpenerOnly)
	require.NoError(t, err)
	assert.NotEmpty(t, res.Vars["personalization_sentence"])
}

func TestApplyOpenerOnly(t *testing.T) {
	opener := "Contractors juggling three active sites rarely get schedule slack back once concrete cures late."
	ai := &fakeAI{reply: opener}
	p := New(ai)

	res, err := p.Apply(context.Background(), recipient(), domain.ModeOpenerOnly)
	require.NoError(t, err)
	assert.Equal(t, opener, res.Vars["personalization_sentence"])
	assert.Empty(t, res.OpenerIssues)
	assert.Empty(t, res.ReplacementBody)
}

func TestApplyOpenerValidationFlagsIssues(t *testing.T) {
	ai := &fakeAI{reply: "I noticed your team is hiring."}
	p := New(ai)

	res, err := p.Apply(context.Background(), recipient(), domain.ModeOpenerOnly)
	require.NoError(t, err)
	// Flagged but still used, matching review-queue semantics.
	assert.Equal(t, ai.reply, res.Vars["personalization_sentence"])
	assert.NotEmpty(t, res.OpenerIssues)
}

func TestValidateOpener(t *testing.T) {
	tests := []struct {
		name       string
		opener     string
		wantIssues []string
	}{
		{
			"valid",
			"Regional carriers running mixed fleets usually lose the most margin to deadhead miles between contracts.",
			nil,
		},
		{
			"too short",
			"Quick question for you.",
			[]string{"too short"},
		},
		{
			"too long",
			strings.Repeat("word ", 31),
			[]string{"too long"},
		},
		{
			"banned phrase",
			"I came across a detail about how operations are scaling at the moment right now.",
			[]string{"banned phrase: i came across"},
		},
		{
			"multiple problems",
			"I noticed your company.",
			[]string{"too short", "banned phrase: i noticed", "banned phrase: your company"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := ValidateOpener(tt.opener)
			require.Len(t, issues, len(tt.wantIssues))
			for i, want := range tt.wantIssues {
				assert.Contains(t, issues[i], want)
			}
		})
	}
}
