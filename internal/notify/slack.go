package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/disputeflow/disputeflow/internal/database"
)

// SlackNotifier posts operational events to a Slack incoming webhook.
// With an empty webhook URL every call is a no-op.
type SlackNotifier struct {
	webhookURL string
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL}
}

func (n *SlackNotifier) NotifyIntakeDropped(intake *database.Intake) {
	missing := strings.Join(intake.MissingFields(), ", ")
	n.post(fmt.Sprintf(":warning: Intake %s dropped after %d clarifications. Still missing: %s. Thread: %s",
		intake.ID, intake.ClarificationCount, missing, intake.ThreadID))
}

func (n *SlackNotifier) NotifyTransportFailure(recipient, subject string, err error) {
	n.post(fmt.Sprintf(":rotating_light: Failed to send reply to %s (%q): %v", recipient, subject, err))
}

func (n *SlackNotifier) post(text string) {
	if n.webhookURL == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg := &slack.WebhookMessage{Text: text}
	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		log.Printf("Failed to post Slack notification: %v", err)
	}
}
