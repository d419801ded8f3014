// Package alert delivers operator notifications over Telegram.
//
// Alerting is strictly best-effort: Send logs failures and returns
// nothing, so no trading path can ever block or abort on a messaging
// problem. The alerter is active only when the enable flag and both
// credentials are present; otherwise Send is a no-op.
package alert

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"algo-runner/internal/config"
)

// Alerter posts messages to a Telegram chat.
type Alerter struct {
	http    *resty.Client
	chatID  string
	enabled bool
	logger  *slog.Logger
}

// New builds the alerter from config.
func New(cfg config.AlertsConfig, logger *slog.Logger) *Alerter {
	enabled := cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != ""
	a := &Alerter{
		chatID:  cfg.ChatID,
		enabled: enabled,
		logger:  logger.With("component", "alert"),
	}
	if enabled {
		a.http = resty.New().
			SetBaseURL("https://api.telegram.org/bot" + cfg.BotToken).
			SetTimeout(10 * time.Second)
	} else {
		a.logger.Info("alerting disabled")
	}
	return a
}

// Send delivers one message. Failures are logged, never propagated.
func (a *Alerter) Send(ctx context.Context, text string) {
	if !a.enabled {
		return
	}
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id": a.chatID,
			"text":    text,
		}).
		Post("/sendMessage")
	if err != nil {
		a.logger.Error("alert delivery failed", "error", err)
		return
	}
	if resp.StatusCode() != http.StatusOK {
		a.logger.Error("alert rejected",
			"status", resp.StatusCode(), "body", truncate(resp.String(), 200))
	}
}

// Sendf formats and delivers one message.
func (a *Alerter) Sendf(ctx context.Context, format string, args ...any) {
	a.Send(ctx, fmt.Sprintf(format, args...))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
