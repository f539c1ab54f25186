// Package notify sends operational events (breaker transitions, model
// deprecations) to a Slack channel. Adapted from the teacher's alert
// notifier, simplified to plain text messages since there is no
// interactive alert workflow in this domain.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"
)

// Notifier posts ops events to a single Slack channel. With no bot token
// configured it is a no-op that only logs.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

func New(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

func (n *Notifier) IsEnabled() bool {
	return n.client != nil && n.channel != ""
}

// BreakerTransition notifies that a named circuit breaker changed state.
func (n *Notifier) BreakerTransition(ctx context.Context, name, state string) {
	n.post(ctx, fmt.Sprintf(":warning: circuit breaker *%s* is now *%s*", name, state))
}

// ModelDeprecated notifies that a catalogue entry was marked deprecated
// after missing consecutive sync cycles.
func (n *Notifier) ModelDeprecated(ctx context.Context, modelID string, missedSyncs int) {
	n.post(ctx, fmt.Sprintf(":bell: model *%s* marked deprecated after %d missed catalogue syncs", modelID, missedSyncs))
}

func (n *Notifier) post(ctx context.Context, text string) {
	if !n.IsEnabled() {
		n.logger.Debug("notify: slack disabled, dropping event", "text", text)
		return
	}
	if _, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false)); err != nil {
		n.logger.Error("notify: posting to slack failed", "error", err)
	}
}
