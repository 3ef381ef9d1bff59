// ABOUTME: Renders alert payloads into email subject/body text.
// ABOUTME: Templates parsed once at package init; rendered per delivery.
package notify

import (
	"bytes"
	"fmt"
	"strings"
	texttpl "text/template"
)

var bodyTemplate = texttpl.Must(texttpl.New("alert_email").Parse(
	`{{if .Escalation}}[ESCALATION] {{end}}Alert: {{.RuleName}}
Severity: {{.Severity}}

{{.Message}}

Triggered value: {{printf "%.2f" .TriggeredValue}}
{{- if .KPIName}}
Metric: {{.KPIType}}/{{.KPIName}}
{{- end}}
{{- if .ThresholdType}}
Threshold: {{.ThresholdType}} {{printf "%.2f" .ThresholdValue}}
{{- end}}
Triggered at: {{.TriggeredAt.Format "2006-01-02 15:04:05 MST"}}
Alert ID: {{.AlertID}}
`))

// RenderEmail produces the subject line and plaintext body for an alert
// email. Rendering failures fall back to an unformatted dump so a template
// bug can never suppress a notification.
func RenderEmail(p AlertPayload) (subject, body string) {
	prefix := ""
	if p.Escalation {
		prefix = "[ESCALATION] "
	}
	subject = fmt.Sprintf("%s[%s] %s", prefix, strings.ToUpper(p.Severity), p.RuleName)

	var buf bytes.Buffer
	if err := bodyTemplate.Execute(&buf, p); err != nil {
		return subject, fmt.Sprintf("%s\n\n%s (value %.2f)", subject, p.Message, p.TriggeredValue)
	}
	return subject, buf.String()
}
