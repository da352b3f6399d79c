// Package notify delivers deployment outcome messages. Notification
// failures are logged and swallowed: a deployment's outcome never depends
// on the messenger.
package notify

import (
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"fleet-cd/internal/config"
	"fleet-cd/internal/history"
	"fleet-cd/internal/types"
)

// Notifier is what the orchestrator calls after a job finishes.
type Notifier interface {
	SendOutcome(rec history.DeploymentRecord)
}

// TelegramNotifier posts outcome summaries to a chat. Disabled (a no-op)
// when no token is configured.
type TelegramNotifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier returns a nil notifier when the token is empty;
// callers treat nil as disabled.
func NewTelegramNotifier(cfg *config.TelegramConfig) (*TelegramNotifier, error) {
	if cfg.Token == "" {
		logrus.Warn("telegram token not configured, notifications disabled")
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	logrus.Infof("telegram notifier ready as @%s", bot.Self.UserName)
	return &TelegramNotifier{bot: bot, chatID: cfg.ChatID}, nil
}

func (n *TelegramNotifier) SendOutcome(rec history.DeploymentRecord) {
	if n == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, formatOutcome(rec))
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := n.bot.Send(msg); err != nil {
		logrus.Errorf("telegram notification failed: %v", err)
		return
	}
	logrus.Info("📱 telegram notification sent")
}

func formatOutcome(rec history.DeploymentRecord) string {
	icon := "✅"
	verdict := "succeeded"
	if rec.State != types.StateSuccess {
		icon = "❌"
		verdict = string(rec.State)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s *Deployment %s*\n", icon, verdict)
	fmt.Fprintf(&b, "Service: `%s`\n", rec.Service)
	fmt.Fprintf(&b, "Environment: `%s`\n", rec.Environment)
	fmt.Fprintf(&b, "Release: `%s`\n", rec.ReleaseID)
	fmt.Fprintf(&b, "Hosts: %d\n", len(rec.Hosts))
	fmt.Fprintf(&b, "Duration: %s", rec.FinishedAt.Sub(rec.StartedAt).Round(time.Second))
	return b.String()
}
