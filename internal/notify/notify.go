// Package notify sends operator alerts for events that need a human:
// rollout auto-pause, evidence chain invariant violations. There is no
// other home in this specification's scope for a chat-alerting dependency,
// so it lives here as a thin wrapper rather than spread across callers.
package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Notifier posts operator alerts to a single Slack webhook. A nil
// webhook URL makes every call a no-op, logged instead of sent, so
// deployments without Slack configured still run.
type Notifier struct {
	webhookURL string
	log        *zap.Logger
}

func New(webhookURL string, log *zap.Logger) *Notifier {
	return &Notifier{webhookURL: webhookURL, log: log}
}

func (n *Notifier) post(ctx context.Context, text string) {
	if n.webhookURL == "" {
		n.log.Info("operator alert (slack disabled)", zap.String("text", text))
		return
	}
	msg := &slack.WebhookMessage{Text: text}
	if err := slack.PostWebhookContext(ctx, n.webhookURL, msg); err != nil {
		n.log.Error("slack webhook post failed", zap.Error(err))
	}
}

// RolloutPaused alerts that a staged rollout auto-paused for exceeding its
// failure threshold.
func (n *Notifier) RolloutPaused(ctx context.Context, rolloutID string, stage int, failedRatio float64, threshold float64) {
	n.post(ctx, fmt.Sprintf(
		":warning: rollout `%s` paused at stage %d: failure ratio %.1f%% exceeds threshold %.1f%%",
		rolloutID, stage, failedRatio*100, threshold,
	))
}

// ChainIntegrityViolation alerts that a site's evidence chain failed
// verification (spec §7 InvariantViolation, surfaced unredacted to operators).
func (n *Notifier) ChainIntegrityViolation(ctx context.Context, siteID string, position int64, detail string) {
	n.post(ctx, fmt.Sprintf(
		":rotating_light: evidence chain integrity violation: site `%s` position %d: %s",
		siteID, position, detail,
	))
}
