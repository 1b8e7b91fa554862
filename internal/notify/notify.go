// Package notify posts terminal session summaries to operator channels.
// Notifiers are outbound-only; chat ingress stays with the HTTP API and
// the CLI.
package notify

import (
	"context"
	"fmt"

	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/decisionlog"
)

// Notifier delivers a finished session's summary to one channel.
type Notifier interface {
	Name() string
	SessionFinished(ctx context.Context, sum decisionlog.Summary) error
}

// FormatSummary renders a summary as a short operator message.
func FormatSummary(sum decisionlog.Summary) string {
	status := "✅"
	if sum.State != "succeeded" {
		status = "❌"
	}
	msg := fmt.Sprintf("%s forecast session %s (%s, %d iterations)\nGoal: %s\n%s",
		status, shortID(sum.SessionID), sum.State, sum.Iterations, sum.Goal, sum.Reason)
	if sum.ForecastID != "" {
		msg += fmt.Sprintf("\nForecast candidate: %s", shortID(sum.ForecastID))
	}
	return msg
}

// shortID abbreviates UUIDs for chat messages. Summaries round-trip
// through external storage, so the ID length is not guaranteed.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
