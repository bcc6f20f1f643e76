package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"meetingbot/internal/logging"
	"meetingbot/pkg/meeting"
)

// webhookPayload mirrors what an external system needs to record that a
// meeting finished, without leaking internal row shape (DataJSON, ids).
type webhookPayload struct {
	Platform         meeting.Platform         `json:"platform"`
	NativeMeetingID  string                   `json:"native_meeting_id"`
	Status           meeting.Status           `json:"status"`
	StartTime        *time.Time               `json:"start_time,omitempty"`
	EndTime          *time.Time               `json:"end_time,omitempty"`
	CompletionReason meeting.CompletionReason `json:"completion_reason,omitempty"`
	FailureStage     meeting.FailureStage     `json:"failure_stage,omitempty"`
}

// NewWebhookTask builds a Task that POSTs a terminal meeting's summary to
// an operator-configured URL, the same fire-and-forget notification shape
// as the teacher's internal/deploy webhook step, adapted here to run off
// an FSM transition instead of a deployment event.
func NewWebhookTask(url string, client *http.Client) Task {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context, m *meeting.Meeting) error {
		if url == "" {
			return nil
		}
		data := meeting.DecodeData(m.DataJSON)
		payload := webhookPayload{
			Platform:        m.Platform,
			NativeMeetingID: m.PlatformSpecificID,
			Status:          m.Status,
			StartTime:       m.StartTime,
			EndTime:         m.EndTime,
		}
		if len(data.StatusTransition) > 0 {
			last := data.StatusTransition[len(data.StatusTransition)-1]
			payload.CompletionReason = last.CompletionReason
			payload.FailureStage = last.FailureStage
		}
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("dispatcher: marshal webhook payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("dispatcher: build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("dispatcher: webhook request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return fmt.Errorf("dispatcher: webhook returned status %d", resp.StatusCode)
		}
		return nil
	}
}

// NewAuditLogTask builds a Task that records a structured log line for
// every terminal meeting, a minimal stand-in for the teacher's audit-log
// persistence layer: this domain has no separate audit table, so the
// structured logger itself is the audit trail.
func NewAuditLogTask() Task {
	return func(_ context.Context, m *meeting.Meeting) error {
		logging.S().Infow("meeting reached terminal state",
			"meeting_id", m.ID,
			"user_id", m.UserID,
			"platform", m.Platform,
			"native_meeting_id", m.PlatformSpecificID,
			"status", m.Status,
		)
		return nil
	}
}
