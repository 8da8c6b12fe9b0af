package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramNotifier sends messages to Telegram chats. The contact is the
// numeric chat ID.
type TelegramNotifier struct {
	API *tgbotapi.BotAPI
}

func NewTelegramNotifier(token string) (*TelegramNotifier, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return &TelegramNotifier{API: bot}, nil
}

func (n *TelegramNotifier) Send(ctx context.Context, contact string, msg Message) error {
	fail := func(err error) error { return &DeliveryError{Channel: "telegram", Contact: contact, Err: err} }

	chatID, err := strconv.ParseInt(strings.TrimSpace(contact), 10, 64)
	if err != nil {
		return fail(fmt.Errorf("contact is not a chat id: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	m := tgbotapi.NewMessage(chatID, escapeMarkdown(msg.Text))
	m.ParseMode = tgbotapi.ModeMarkdownV2
	m.DisableWebPagePreview = true
	if _, err := n.API.Send(m); err != nil {
		return fail(fmt.Errorf("failed to send message: %w", err))
	}
	return nil
}

func escapeMarkdown(text string) string {
	replacer := strings.NewReplacer(
		"\\", "\\\\",
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"(", "\\(",
		")", "\\)",
		"~", "\\~",
		"`", "\\`",
		">", "\\>",
		"#", "\\#",
		"+", "\\+",
		"-", "\\-",
		"=", "\\=",
		"|", "\\|",
		"{", "\\{",
		"}", "\\}",
		".", "\\.",
		"!", "\\!",
	)
	return replacer.Replace(text)
}
