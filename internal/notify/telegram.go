package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"applyflow-engine/internal/domain"
)

// Telegram sends digests through the Bot API. The token comes from the OS
// keychain, never from config.
type Telegram struct {
	Token  string
	ChatID string
	HC     *http.Client
}

func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		Token:  token,
		ChatID: chatID,
		HC:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Telegram) Send(ctx context.Context, d domain.Digest) error {
	if t.Token == "" || t.ChatID == "" {
		return fmt.Errorf("telegram notifier not configured")
	}

	body, err := json.Marshal(map[string]string{
		"chat_id": t.ChatID,
		"text":    FormatDigest(d.SessionID.String(), d),
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := t.HC.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("telegram send status %d", res.StatusCode)
	}
	return nil
}
