// Package signature appends a sender's signature block to outgoing email
// and derives plain-text alternatives from HTML bodies.
package signature

import (
	"html"
	"regexp"
	"strings"

	"github.com/intralog/outreach-engine/internal/domain"
)

// Email is a composed message body pair ready for the email adapter.
type Email struct {
	HTML string
	Text string
}

// Compose appends the sender's signature to both body forms. A missing
// plain body is derived from the HTML one; a missing plain signature is
// derived from the rich one. Bodies with no HTML at all are passed through
// with the plain signature only.
func Compose(sender *domain.Sender, htmlBody, textBody string) Email {
	sigRich := sender.SignatureRich
	sigPlain := sender.SignaturePlain
	if sigPlain == "" && sigRich != "" {
		sigPlain = HTMLToPlain(sigRich)
	}

	if textBody == "" && htmlBody != "" {
		textBody = HTMLToPlain(htmlBody)
	}

	out := Email{HTML: htmlBody, Text: textBody}
	if sigRich != "" && out.HTML != "" {
		out.HTML = strings.TrimRight(out.HTML, "\n") + "\n<br><br>\n" + sigRich
	}
	if sigPlain != "" {
		out.Text = strings.TrimRight(out.Text, "\n") + "\n\n" + sigPlain
	}
	return out
}

var (
	breakTags  = regexp.MustCompile(`(?i)<\s*(br\s*/?|/p|/div|/tr|/li|/h[1-6])\s*>`)
	anyTag     = regexp.MustCompile(`<[^>]*>`)
	styleBlock = regexp.MustCompile(`(?is)<(style|script)[^>]*>.*?</(style|script)>`)
	spaceRuns  = regexp.MustCompile(`[ \t]+`)
	blankRuns  = regexp.MustCompile(`\n{3,}`)
)

// HTMLToPlain strips markup from an HTML fragment. Block boundaries become
// newlines, entities are decoded, runs of whitespace collapse, and at most
// one blank line separates paragraphs.
func HTMLToPlain(s string) string {
	s = styleBlock.ReplaceAllString(s, "")
	s = breakTags.ReplaceAllString(s, "\n")
	s = anyTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(spaceRuns.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
