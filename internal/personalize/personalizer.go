package personalize

import (
	"context"
	"fmt"
	"strings"

	"github.com/intralog/outreach-engine/internal/domain"
	"github.com/intralog/outreach-engine/internal/pkg/logger"
)

// Result is the personalizer's contribution to a step's variable bag.
// ReplacementBody, when non-empty, replaces the step's body template before
// rendering (fully_personalized mode only).
type Result struct {
	Vars            map[string]string
	ReplacementBody string
	OpenerIssues    []string
}

// Personalizer derives per-recipient variables. AI-backed modes degrade to
// deterministic output when the client is absent or failing; personalization
// never aborts a step.
type Personalizer struct {
	ai AIClient
}

// New builds a Personalizer. ai may be nil, which forces deterministic
// output for every mode.
func New(ai AIClient) *Personalizer {
	return &Personalizer{ai: ai}
}

// Apply produces the variable contribution for one recipient under the
// given mode. The returned error is always nil today; the signature leaves
// room for modes that must fail.
func (p *Personalizer) Apply(ctx context.Context, r *domain.Recipient, mode domain.PersonalizationMode) (*Result, error) {
	base := SignalVars(r)

	switch mode {
	case domain.ModeFullyPersonalized:
		if p.ai == nil {
			return &Result{Vars: base}, nil
		}
		body, err := p.ai.Complete(ctx, fullBodyPrompt(r))
		if err != nil {
			logger.Warn("personalization fell back to signal copy",
				"recipient_id", r.ID, "mode", string(mode), "error", err.Error())
			return &Result{Vars: base}, nil
		}
		return &Result{Vars: base, ReplacementBody: body}, nil

	case domain.ModeOpenerOnly:
		if p.ai == nil {
			return &Result{Vars: base}, nil
		}
		opener, err := p.ai.Complete(ctx, openerPrompt(r))
		if err != nil {
			logger.Warn("personalization fell back to signal copy",
				"recipient_id", r.ID, "mode", string(mode), "error", err.Error())
			return &Result{Vars: base}, nil
		}
		opener = strings.TrimSpace(opener)
		issues := ValidateOpener(opener)
		if len(issues) > 0 {
			logger.Warn("generated opener failed validation",
				"recipient_id", r.ID, "issues", strings.Join(issues, "; "))
		}
		vars := make(map[string]string, len(base))
		for k, v := range base {
			vars[k] = v
		}
		vars["personalization_sentence"] = opener
		return &Result{Vars: vars, OpenerIssues: issues}, nil

	default: // signal_based and unset
		return &Result{Vars: base}, nil
	}
}

// Opener validation mirrors the review rules for generated first lines:
// a 10 to 30 word budget and a list of overused research-y phrases.
var bannedPhrases = []string{
	"i noticed",
	"i saw",
	"i came across",
	"your team",
	"your operation",
	"your company",
	"after researching",
}

// ValidateOpener returns the list of rule violations for a generated
// opener; empty means it passed.
func ValidateOpener(opener string) []string {
	var issues []string
	words := len(strings.Fields(opener))
	if words < 10 {
		issues = append(issues, fmt.Sprintf("too short: %d words", words))
	}
	if words > 30 {
		issues = append(issues, fmt.Sprintf("too long: %d words", words))
	}
	lower := strings.ToLower(opener)
	for _, phrase := range bannedPhrases {
		if strings.Contains(lower, phrase) {
			issues = append(issues, "banned phrase: "+phrase)
		}
	}
	return issues
}

func openerPrompt(r *domain.Recipient) string {
	var b strings.Builder
	b.WriteString("Write one opening sentence for a cold outreach email.\n")
	b.WriteString("Rules: 10 to 30 words, no greeting, specific to the prospect, ")
	b.WriteString("never use the phrases: i noticed, i saw, i came across, your team, your operation, your company, after researching.\n")
	b.WriteString("Return only the sentence.\n\nProspect:\n")
	writeProspect(&b, r)
	return b.String()
}

func fullBodyPrompt(r *domain.Recipient) string {
	var b strings.Builder
	b.WriteString("Write the body of a short cold outreach email (under 120 words, plain text).\n")
	b.WriteString("Keep {{first_name}} and {{sender_name}} as literal placeholders. ")
	b.WriteString("No subject line, no signature. Specific to the prospect, one clear ask.\n\nProspect:\n")
	writeProspect(&b, r)
	return b.String()
}

func writeProspect(b *strings.Builder, r *domain.Recipient) {
	fmt.Fprintf(b, "- name: %s\n- title: %s\n- company: %s\n- industry: %s\n", r.FullName(), r.Title, r.Company, r.Industry)
	if r.City != "" {
		fmt.Fprintf(b, "- location: %s, %s\n", r.City, r.State)
	}
	for k, v := range r.Attributes {
		fmt.Fprintf(b, "- %s: %s\n", k, v)
	}
}
