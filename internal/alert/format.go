package alert

import (
	"encoding/json"
	"fmt"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return formatSlack(event)
	case "pagerduty":
		return formatPagerDuty(event)
	default:
		return formatGeneric(event)
	}
}

func formatGeneric(event AlertEvent) ([]byte, error) {
	return json.Marshal(event)
}

func formatSlack(event AlertEvent) ([]byte, error) {
	fields := []any{
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Room:* %s", event.RoomCode)},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Severity:* %s", severityFor(event))},
		map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Detail:* %s", event.Message)},
	}
	if event.Count > 0 {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Count:* %d", event.Count)})
	}

	payload := map[string]any{
		"blocks": []any{
			map[string]any{
				"type": "header",
				"text": map[string]any{
					"type": "plain_text",
					"text": fmt.Sprintf("proctorguard: %s", event.Type),
				},
			},
			map[string]any{
				"type":   "section",
				"fields": fields,
			},
		},
	}
	return json.Marshal(payload)
}

func formatPagerDuty(event AlertEvent) ([]byte, error) {
	payload := map[string]any{
		"event_action": "trigger",
		"payload": map[string]any{
			"summary":  fmt.Sprintf("proctorguard %s in room %s", event.Type, event.RoomCode),
			"severity": severityFor(event),
			"source":   "proctorguard",
			"custom_details": map[string]any{
				"kind":      event.Kind,
				"message":   event.Message,
				"count":     event.Count,
				"room_code": event.RoomCode,
			},
		},
	}
	return json.Marshal(payload)
}

func severityFor(event AlertEvent) string {
	switch {
	case event.Terminal:
		return "critical"
	case event.Count > 0:
		return "warning"
	default:
		return "info"
	}
}
