// Package notify sends critical operator alerts to Slack. It is a thin,
// one-way sender: no inbound events, interactions, or slash commands, since
// fleetctl has no conversational surface to drive.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Alert is a single operator-facing notification.
type Alert struct {
	EventType string
	Severity  string
	Message   string
	AgentID   string
}

// Notifier posts critical SystemEvents to a configured Slack channel.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If botToken is empty, the notifier is a
// noop (logging only) — Slack alerting is optional.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled returns true if the notifier has a valid Slack client and
// destination channel configured.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// PostAlert sends a critical alert to the configured channel. A disabled
// notifier logs the alert instead of posting, so callers never need to
// branch on configuration.
func (n *Notifier) PostAlert(ctx context.Context, a Alert) error {
	if !n.IsEnabled() {
		n.logger.Warn("slack notifier disabled, logging alert instead",
			"event_type", a.EventType, "severity", a.Severity, "message", a.Message, "agent_id", a.AgentID)
		return nil
	}

	text := fmt.Sprintf("%s [%s] %s", emojiFor(a.Severity), a.EventType, a.Message)
	opts := []goslack.MsgOption{
		goslack.MsgOptionText(text, false),
		goslack.MsgOptionBlocks(alertBlocks(a)...),
	}

	_, ts, err := n.client.PostMessageContext(ctx, n.channel, opts...)
	if err != nil {
		return fmt.Errorf("posting alert to slack: %w", err)
	}

	n.logger.Info("posted alert to slack", "event_type", a.EventType, "channel", n.channel, "ts", ts)
	return nil
}

func emojiFor(severity string) string {
	switch severity {
	case "critical":
		return ":rotating_light:"
	case "error":
		return ":x:"
	case "warning":
		return ":warning:"
	default:
		return ":information_source:"
	}
}

func alertBlocks(a Alert) []goslack.Block {
	fields := []*goslack.TextBlockObject{
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Event:*\n%s", a.EventType), false, false),
		goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Severity:*\n%s", a.Severity), false, false),
	}
	if a.AgentID != "" {
		fields = append(fields, goslack.NewTextBlockObject(goslack.MarkdownType, fmt.Sprintf("*Agent:*\n%s", a.AgentID), false, false))
	}

	return []goslack.Block{
		goslack.NewSectionBlock(
			goslack.NewTextBlockObject(goslack.MarkdownType, a.Message, false, false),
			fields, nil,
		),
	}
}
