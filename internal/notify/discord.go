package notify

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// webhookExecutor is the discordgo method we use, split out for test fakes.
type webhookExecutor interface {
	WebhookExecute(webhookID, token string, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts events to a Discord webhook.
type Discord struct {
	ID    string
	Token string

	client webhookExecutor
}

// NewDiscord parses a webhook URL of the form
// https://discord.com/api/webhooks/<id>/<token>.
func NewDiscord(webhookURL string) (*Discord, error) {
	id, token, err := parseDiscordWebhook(webhookURL)
	if err != nil {
		return nil, err
	}
	s, err := discordgo.New("")
	if err != nil {
		return nil, fmt.Errorf("notify: discord: %w", err)
	}
	return &Discord{ID: id, Token: token, client: s}, nil
}

func parseDiscordWebhook(raw string) (id, token string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("notify: discord webhook url: %w", err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "webhooks" {
			return parts[i+1], parts[i+2], nil
		}
	}
	return "", "", fmt.Errorf("notify: discord webhook url %q: expected .../webhooks/<id>/<token>", raw)
}

// Notify posts ev as an embed. The discordgo call has no context parameter,
// so a cancelled ctx is only checked up front.
func (d *Discord) Notify(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	color, _ := strconv.ParseInt(strings.TrimPrefix(stateColor(ev.State), "#"), 16, 32)
	params := &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       ev.Title,
			URL:         ev.URL,
			Description: ev.Body,
			Color:       int(color),
		}},
	}
	if _, err := d.client.WebhookExecute(d.ID, d.Token, false, params); err != nil {
		return fmt.Errorf("notify: discord: %w", err)
	}
	return nil
}
