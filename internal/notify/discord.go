package notify

import (
	"context"
	"fmt"

	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/decisionlog"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordNotifier posts session summaries to a Discord channel over the
// REST API. No gateway websocket is opened; this is send-only.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	logger    *zap.Logger
}

// NewDiscordNotifier creates a notifier using a bot token.
func NewDiscordNotifier(botToken, channelID string, logger *zap.Logger) (*DiscordNotifier, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordNotifier{
		session:   session,
		channelID: channelID,
		logger:    logger,
	}, nil
}

func (n *DiscordNotifier) Name() string { return "discord" }

// SessionFinished posts the terminal summary message.
func (n *DiscordNotifier) SessionFinished(ctx context.Context, sum decisionlog.Summary) error {
	_, err := n.session.ChannelMessageSend(n.channelID, FormatSummary(sum),
		discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	n.logger.Debug("discord notification sent", zap.String("session", sum.SessionID))
	return nil
}
