// Package notify delivers build events to the desktop, Slack, and Discord.
package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/zulandar/kite/internal/buildkite"
	"github.com/zulandar/kite/internal/config"
	"github.com/zulandar/kite/internal/logging"
	"go.uber.org/zap"
)

// Event is a single notification.
type Event struct {
	Title        string
	Body         string
	State        string // build state, empty for non-build events
	URL          string
	Organization string
	Pipeline     string
	Number       int
}

// Notifier delivers events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Command runs a shell command template for each event.
type Command struct {
	Template string
	Shell    string
}

// Notify runs the templated command and returns its output on failure.
func (c *Command) Notify(ctx context.Context, ev Event) error {
	shell := c.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", templateEvent(c.Template, ev))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify: command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// templateEvent replaces placeholders in the command template with event
// values. Each value is substituted as a single shell-quoted word; quotes the
// template already puts around a placeholder are replaced along with it.
func templateEvent(command string, ev Event) string {
	values := []struct{ name, value string }{
		{"Title", ev.Title},
		{"Body", ev.Body},
		{"State", ev.State},
		{"URL", ev.URL},
		{"Organization", ev.Organization},
		{"Pipeline", ev.Pipeline},
		{"Number", numberString(ev.Number)},
	}
	var oldnew []string
	for _, v := range values {
		placeholder := "{{." + v.name + "}}"
		quoted := shellescape.Quote(v.value)
		oldnew = append(oldnew,
			"'"+placeholder+"'", quoted,
			`"`+placeholder+`"`, quoted,
			placeholder, quoted,
		)
	}
	return strings.NewReplacer(oldnew...).Replace(command)
}

func numberString(n int) string {
	if n == 0 {
		return ""
	}
	return fmt.Sprint(n)
}

// Multi fans an event out to every notifier. Delivery is best-effort: each
// failure is logged and the first one is returned.
type Multi struct {
	Notifiers []Notifier
	Logger    *zap.Logger
}

// Notify delivers ev to all notifiers.
func (m *Multi) Notify(ctx context.Context, ev Event) error {
	logger := logging.OrNop(m.Logger)
	var first error
	for _, n := range m.Notifiers {
		if err := n.Notify(ctx, ev); err != nil {
			logger.Warn("notification failed", zap.String("title", ev.Title), zap.Error(err))
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Len returns the number of configured notifiers.
func (m *Multi) Len() int { return len(m.Notifiers) }

// FromConfig builds a Multi from the notify section of the config. With
// nothing configured the result delivers nowhere.
func FromConfig(cfg config.NotifyConfig, logger *zap.Logger) (*Multi, error) {
	m := &Multi{Logger: logger}
	var errs []error
	if cfg.Command != "" {
		m.Notifiers = append(m.Notifiers, &Command{Template: cfg.Command})
	}
	if cfg.SlackWebhookURL != "" {
		m.Notifiers = append(m.Notifiers, &Slack{WebhookURL: cfg.SlackWebhookURL})
	}
	if cfg.DiscordWebhookURL != "" {
		d, err := NewDiscord(cfg.DiscordWebhookURL)
		if err != nil {
			errs = append(errs, err)
		} else {
			m.Notifiers = append(m.Notifiers, d)
		}
	}
	return m, errors.Join(errs...)
}

// stateColor maps a build state to a hex color used by chat attachments.
func stateColor(state string) string {
	switch state {
	case "passed":
		return "#2eb886"
	case "failed", "failing", "canceled", "canceling":
		return "#e01e5a"
	case "running", "scheduled", "creating":
		return "#ecb22e"
	default:
		return "#888888"
	}
}

// BuildEvent describes a build for notifiers.
func BuildEvent(org, pipeline string, b *buildkite.Build) Event {
	title := fmt.Sprintf("%s/%s #%d %s", org, pipeline, b.Number, b.State)
	body := b.Message
	if b.Branch != "" {
		body = fmt.Sprintf("%s (%s)", firstLine(b.Message), b.Branch)
	}
	return Event{
		Title:        title,
		Body:         body,
		State:        b.State,
		URL:          b.WebURL,
		Organization: org,
		Pipeline:     pipeline,
		Number:       b.Number,
	}
}

// ErrorEvent describes a failed API request.
func ErrorEvent(op string, err error) Event {
	return Event{Title: "kite: " + op + " failed", Body: buildkite.Describe(err)}
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
