package notify

import (
	"context"
	"fmt"

	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/decisionlog"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackNotifier posts session summaries to a Slack channel.
type SlackNotifier struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackNotifier creates a notifier using a bot token (xoxb-...).
func NewSlackNotifier(botToken, channel string, logger *zap.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger,
	}
}

func (n *SlackNotifier) Name() string { return "slack" }

// SessionFinished posts the terminal summary message.
func (n *SlackNotifier) SessionFinished(ctx context.Context, sum decisionlog.Summary) error {
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(FormatSummary(sum), false))
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	n.logger.Debug("slack notification sent", zap.String("session", sum.SessionID))
	return nil
}
