package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Slack posts events to a Slack incoming webhook.
type Slack struct {
	WebhookURL string
}

// Notify posts ev as a single colored attachment.
func (s *Slack) Notify(ctx context.Context, ev Event) error {
	msg := &slack.WebhookMessage{
		Text: ev.Title,
		Attachments: []slack.Attachment{{
			Color:     stateColor(ev.State),
			Fallback:  ev.Title,
			Title:     ev.Title,
			TitleLink: ev.URL,
			Text:      ev.Body,
		}},
	}
	if err := slack.PostWebhookContext(ctx, s.WebhookURL, msg); err != nil {
		return fmt.Errorf("notify: slack: %w", err)
	}
	return nil
}
