package domain

import (
	"fmt"
	"time"
)

// ValidationError reports a structurally invalid sequence or step. The API
// maps it to the validation error kind.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateSteps checks an ordered step list for structural problems:
// unknown kinds, negative delays, and missing per-kind content.
func ValidateSteps(steps []Step) error {
	if len(steps) == 0 {
		return &ValidationError{Field: "steps", Message: "sequence must have at least one step"}
	}
	for i, s := range steps {
		field := fmt.Sprintf("steps[%d]", i)
		if s.DelayDays < 0 {
			return &ValidationError{Field: field + ".delay_days", Message: "delay must not be negative"}
		}
		switch s.Kind {
		case StepEmail:
			if s.TemplateKey == "" {
				if s.Subject == "" {
					return &ValidationError{Field: field + ".subject", Message: "email step requires a template_key or a subject"}
				}
				if s.Body == "" {
					return &ValidationError{Field: field + ".body", Message: "email step requires a template_key or a body"}
				}
			}
			switch s.Personalization {
			case "", ModeSignalBased, ModeFullyPersonalized, ModeOpenerOnly:
			default:
				return &ValidationError{Field: field + ".personalization", Message: fmt.Sprintf("unknown mode %q", s.Personalization)}
			}
		case StepWait:
			// Zero-day waits are legal and advance immediately.
		case StepCall:
			if s.Script == "" {
				return &ValidationError{Field: field + ".script", Message: "call step requires a script"}
			}
		case StepNetworkConnect:
			// Connect invites may go out without a note.
		case StepNetworkMessage:
			if s.Message == "" {
				return &ValidationError{Field: field + ".message", Message: "network message step requires a message"}
			}
		default:
			return &ValidationError{Field: field + ".kind", Message: fmt.Sprintf("unknown step kind %q", s.Kind)}
		}
	}
	return nil
}

// ValidateWindow checks a send window for out-of-range minutes and an
// unloadable timezone.
func ValidateWindow(w SendWindow) error {
	if w.StartMinute < 0 || w.StartMinute >= 24*60 {
		return &ValidationError{Field: "window.start", Message: "start must be within the day"}
	}
	if w.EndMinute < 0 || w.EndMinute >= 24*60 {
		return &ValidationError{Field: "window.end", Message: "end must be within the day"}
	}
	for _, d := range w.Days {
		if d < time.Sunday || d > time.Saturday {
			return &ValidationError{Field: "window.days", Message: "invalid weekday"}
		}
	}
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			return &ValidationError{Field: "window.timezone", Message: fmt.Sprintf("unknown timezone %q", w.Timezone)}
		}
	}
	return nil
}
