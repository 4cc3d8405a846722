// Package personalize derives per-recipient template variables, either from
// a deterministic signal library or from an LLM call, ahead of rendering.
package personalize

import (
	"strconv"
	"strings"

	"github.com/intralog/outreach-engine/internal/domain"
)

// Signal names, strongest first when more than one fires.
const (
	SignalHiring    = "hiring"
	SignalIntent    = "intent"
	SignalEquipment = "equipment"
	SignalDefault   = "default"
)

type signalCopy struct {
	Opener      string
	Pain        string
	Credibility string
}

// The library keys on (industry, signal). Industries fall through to the
// generic row when they have no entry of their own.
var signalLibrary = map[string]map[string]signalCopy{
	"logistics": {
		SignalHiring: {
			Opener:      "Growing the {{company}} fleet means more moving parts to keep on schedule.",
			Pain:        "scaling dispatch without adding back-office headcount",
			Credibility: "We work with regional carriers running 20 to 200 trucks.",
		},
		SignalIntent: {
			Opener:      "Teams at companies like {{company}} have been evaluating routing tools lately.",
			Pain:        "route plans that fall apart by mid-morning",
			Credibility: "Carriers on our platform cut empty miles by double digits.",
		},
		SignalEquipment: {
			Opener:      "Newer equipment at {{company}} deserves scheduling software to match.",
			Pain:        "utilization gaps on recently added units",
			Credibility: "We integrate with the major ELD and telematics providers.",
		},
		SignalDefault: {
			Opener:      "Keeping margins healthy in freight takes more than rate discipline.",
			Pain:        "margin pressure on every lane",
			Credibility: "We work with operators across the freight spectrum.",
		},
	},
	"construction": {
		SignalHiring: {
			Opener:      "Hiring at {{company}} usually means the project pipeline is filling up.",
			Pain:        "keeping crews billable between phases",
			Credibility: "Contractors on our platform keep crew utilization above 85 percent.",
		},
		SignalDefault: {
			Opener:      "Bid season rewards the builders who can commit to dates with confidence.",
			Pain:        "schedule slip eating into retainage",
			Credibility: "We support GCs and specialty trades across the region.",
		},
	},
	"": {
		SignalHiring: {
			Opener:      "Headcount growth at {{company}} tends to surface process gaps fast.",
			Pain:        "processes that stop scaling past a certain team size",
			Credibility: "We help growing teams keep their operations ahead of their hiring.",
		},
		SignalIntent: {
			Opener:      "It looks like {{company}} has been weighing options in this space.",
			Pain:        "evaluating vendors without a clear baseline",
			Credibility: "Happy to share how similar teams ran their evaluation.",
		},
		SignalEquipment: {
			Opener:      "Recent investments at {{company}} suggest operations are a priority.",
			Pain:        "getting full return on new capacity",
			Credibility: "We help operators sweat their assets harder.",
		},
		SignalDefault: {
			Opener:      "Most teams we talk to are trying to do more with the people they have.",
			Pain:        "stretched teams and flat budgets",
			Credibility: "We work with operators in your space every week.",
		},
	},
}

// StrongestSignal picks the best available signal for a recipient from its
// attributes: active hiring beats buyer intent beats recent equipment adds.
func StrongestSignal(r *domain.Recipient) string {
	attrs := r.Attributes
	if n, _ := strconv.Atoi(attrs["job_postings_count"]); n > 0 {
		return SignalHiring
	}
	if score, _ := strconv.ParseFloat(attrs["intent_score"], 64); score >= 0.5 {
		return SignalIntent
	}
	if attrs["equipment_signals"] != "" {
		return SignalEquipment
	}
	return SignalDefault
}

// SignalVars returns the deterministic variable set for a recipient:
// personalization_sentence, pain_statement and credibility_anchor drawn
// from the signal library.
func SignalVars(r *domain.Recipient) map[string]string {
	industry := strings.ToLower(strings.TrimSpace(r.Industry))
	rows, ok := signalLibrary[industry]
	if !ok {
		rows = signalLibrary[""]
	}
	copyRow, ok := rows[StrongestSignal(r)]
	if !ok {
		copyRow = signalLibrary[""][SignalDefault]
	}
	// Library copy is expanded here; the body renderer makes a single pass
	// and never re-renders substituted values.
	fill := func(s string) string { return strings.ReplaceAll(s, "{{company}}", r.Company) }
	return map[string]string{
		"personalization_sentence": fill(copyRow.Opener),
		"pain_statement":           fill(copyRow.Pain),
		"credibility_anchor":       fill(copyRow.Credibility),
	}
}
