package mail

import (
	"fmt"
	"sort"
	"time"

	"github.com/khanghh/kguard/model"
	"github.com/valyala/bytebufferpool"
)

func AlertSubject(alert *model.SecurityAlert) string {
	subject := fmt.Sprintf("[kguard][%s] %s", alert.ThreatLevel, alert.EventType)
	if alert.SourceIP != "" {
		subject += " from " + alert.SourceIP
	}
	return subject
}

// RenderAlertBody renders a plain text summary of the alert.
func RenderAlertBody(alert *model.SecurityAlert) string {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	fmt.Fprintf(buf, "Alert ID:     %s\n", alert.AlertID)
	fmt.Fprintf(buf, "Threat level: %s\n", alert.ThreatLevel)
	fmt.Fprintf(buf, "Event type:   %s\n", alert.EventType)
	fmt.Fprintf(buf, "Rule:         %s\n", alert.RuleID)
	fmt.Fprintf(buf, "Created at:   %s\n", alert.CreatedAt.UTC().Format(time.RFC3339))
	if alert.SourceIP != "" {
		fmt.Fprintf(buf, "Source IP:    %s\n", alert.SourceIP)
	}
	if alert.UserID != "" {
		fmt.Fprintf(buf, "User ID:      %s\n", alert.UserID)
	}
	fmt.Fprintf(buf, "\n%s\n", alert.Description)

	if len(alert.Details) > 0 {
		keys := make([]string, 0, len(alert.Details))
		for k := range alert.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteString("\nDetails:\n")
		for _, k := range keys {
			fmt.Fprintf(buf, "  %s: %v\n", k, alert.Details[k])
		}
	}
	return buf.String()
}

func SendAlert(sender MailSender, to []string, alert *model.SecurityAlert) error {
	return sender.Send(&Message{
		To:       to,
		Subject:  AlertSubject(alert),
		Body:     RenderAlertBody(alert),
		Priority: alert.Priority,
	})
}
