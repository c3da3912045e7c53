package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event Event) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event Event) ([]byte, error) {
	return json.Marshal(event)
}

func title(event Event) string {
	if event.Decision != "" {
		return fmt.Sprintf("kalpana-core: %s %s", event.Type, event.Decision)
	}
	return fmt.Sprintf("kalpana-core: %s", event.Type)
}

func formatSlack(event Event) ([]byte, error) {
	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": title(event),
				},
			},
			map[string]any{
				"type": "section",
				"fields": []any{
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Principal:* %s", event.Principal)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Action:* %s", event.Action)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Rule:* %s", event.RuleID)},
					map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Reason:* %s", event.Reason)},
				},
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event Event) ([]byte, error) {
	summary := title(event)
	if event.Summary != "" {
		summary += ": " + event.Summary
	}
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  summary,
			"severity": event.Severity(),
			"source":   event.Host,
			"custom_details": map[string]any{
				"principal":      event.Principal,
				"action":         event.Action,
				"rule_id":        event.RuleID,
				"reason":         event.Reason,
				"session_id":     event.SessionID,
				"correlation_id": event.CorrelationID,
				"audit_seq":      event.Seq,
			},
		},
	}
	return json.Marshal(payload)
}
