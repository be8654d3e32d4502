package notifier

import (
	"fmt"
	"strings"

	"paywatch/internal/tenant"
)

const (
	separator     = "━━━━━━━━━━━━━━━━━━━━"
	maxShownMatch = 6
)

// Format renders the alert text for a tenant.
func Format(t tenant.Tenant, a Alert) string {
	subject := a.Subject
	if strings.TrimSpace(subject) == "" {
		subject = "(no subject)"
	}

	shown := a.Matches
	more := 0
	if len(shown) > maxShownMatch {
		more = len(shown) - maxShownMatch
		shown = shown[:maxShownMatch]
	}
	matchLine := strings.Join(shown, ", ")
	if more > 0 {
		matchLine += fmt.Sprintf(" (+%d more)", more)
	}

	var b strings.Builder
	b.WriteString("🚨 Billing Alert\n")
	b.WriteString(separator + "\n")
	b.WriteString("🏢 Company: " + t.Name + "\n")
	b.WriteString("📧 Sender: " + a.From + "\n")
	b.WriteString("📌 Subject: " + subject + "\n")
	b.WriteString("🔎 Matched: " + matchLine + "\n")
	b.WriteString(separator + "\n")
	b.WriteString("📝 Email text:\n" + a.Excerpt + "\n")

	if tags := strings.TrimSpace(strings.Join(t.Tags, " ")); tags != "" {
		b.WriteString(separator + "\n" + tags)
	}
	return b.String()
}
