package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v4"

	"video-uploader/internal/config"
	"video-uploader/internal/models"
)

// Telegram sends an HTML message per event to a single chat.
type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
	log  *zap.Logger
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Offline skips the getMe round trip; this bot only sends.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, log: log.Named("telegram")}, nil
}

func (t *Telegram) Notify(ctx context.Context, e Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, FormatMessage(e), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	t.log.Debug("notification sent", zap.String("task_id", e.TaskID))
	return nil
}

// FormatMessage renders the HTML body for an event.
func FormatMessage(e Event) string {
	var b strings.Builder
	switch e.Status {
	case models.StatusCompleted:
		b.WriteString("✅ <b>Uploaded</b>")
	case models.StatusFailed:
		b.WriteString("❌ <b>Upload failed</b>")
	case models.StatusCancelled:
		b.WriteString("🚫 <b>Upload cancelled</b>")
	default:
		fmt.Fprintf(&b, "<b>%s</b>", html.EscapeString(string(e.Status)))
	}
	fmt.Fprintf(&b, " to %s\n", html.EscapeString(e.Platform))
	fmt.Fprintf(&b, "🎬 %s\n", html.EscapeString(e.Title))
	if e.VideoPath != "" {
		fmt.Fprintf(&b, "📁 <code>%s</code>\n", html.EscapeString(filepath.Base(e.VideoPath)))
	}
	if e.RemoteID != "" {
		fmt.Fprintf(&b, "🔗 %s\n", html.EscapeString(e.RemoteID))
	}
	if e.RetryCount > 0 {
		fmt.Fprintf(&b, "🔁 retries: %d\n", e.RetryCount)
	}
	if e.LastError != "" {
		fmt.Fprintf(&b, "⚠️ <i>%s</i>\n", html.EscapeString(e.LastError))
	}
	fmt.Fprintf(&b, "<code>%s</code>", html.EscapeString(e.TaskID))
	return b.String()
}
