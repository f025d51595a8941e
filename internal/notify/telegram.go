package notify

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
)

// telegramMaxLen is the Bot API limit for one message.
const telegramMaxLen = 4096

// TelegramSender delivers notifications via the Telegram Bot API.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for the given bot token and chat.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		baseURL: "https://api.telegram.org",
		token:   token,
		chatID:  chatID,
		client:  defaultHTTPClient(),
	}
}

// Send posts title (bold) and message as HTML. Long messages are split on
// line boundaries into several sendMessage calls.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	text := "<b>" + html.EscapeString(title) + "</b>\n" + html.EscapeString(message)

	for _, chunk := range splitMessage(text, telegramMaxLen) {
		err := postJSON(ctx, t.client, "telegram", url, map[string]any{
			"chat_id":                  t.chatID,
			"text":                     chunk,
			"parse_mode":               "HTML",
			"disable_web_page_preview": true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string { return "telegram" }

// splitMessage cuts s into pieces of at most limit bytes, preferring to break
// after a newline.
func splitMessage(s string, limit int) []string {
	var out []string
	for len(s) > limit {
		cut := strings.LastIndexByte(s[:limit], '\n')
		if cut <= 0 {
			cut = limit
		} else {
			cut++
		}
		out = append(out, s[:cut])
		s = s[cut:]
	}
	if s != "" || len(out) == 0 {
		out = append(out, s)
	}
	return out
}
