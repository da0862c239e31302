// Package notify posts operational reports to Slack. Unconfigured, it
// is a silent no-op so the core never depends on chat being up.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// Notifier posts messages to one channel.
type Notifier struct {
	client  *slack.Client
	channel string
}

// New creates a Notifier. An empty token disables posting.
func New(token, channel string) *Notifier {
	n := &Notifier{channel: channel}
	if token != "" {
		n.client = slack.New(token)
	}
	return n
}

// Enabled reports whether posting is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.client != nil && n.channel != ""
}

// Post sends one message.
func (n *Notifier) Post(ctx context.Context, text string) error {
	if !n.Enabled() {
		return nil
	}
	_, _, err := n.client.PostMessageContext(ctx, n.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("posting to %s: %w", n.channel, err)
	}
	return nil
}
