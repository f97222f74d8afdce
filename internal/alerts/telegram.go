package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/voltx/vault-engine/internal/config"
)

const telegramBaseURL = "https://api.telegram.org"

// Notifier delivers operator alerts.
type Notifier interface {
	Send(ctx context.Context, message string) error
}

// Telegram posts alerts to a chat. Identical messages are suppressed for
// the repeat window so a stuck intent does not flood the channel on every
// reconcile pass.
type Telegram struct {
	enabled bool
	token   string
	chatID  string
	baseURL string
	client  *http.Client
	log     *zap.Logger

	repeat time.Duration
	mu     sync.Mutex
	sent   map[string]time.Time
	now    func() time.Time
}

func NewTelegram(cfg config.TelegramConfig, log *zap.Logger) *Telegram {
	return newTelegram(cfg, log, telegramBaseURL, &http.Client{Timeout: 10 * time.Second})
}

func newTelegram(cfg config.TelegramConfig, log *zap.Logger, baseURL string, client *http.Client) *Telegram {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Telegram{
		enabled: cfg.Enabled,
		token:   strings.TrimSpace(cfg.Token),
		chatID:  strings.TrimSpace(cfg.ChatID),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		log:     log,
		repeat:  time.Hour,
		sent:    make(map[string]time.Time),
		now:     time.Now,
	}
}

func (t *Telegram) Send(ctx context.Context, message string) error {
	if !t.enabled {
		return nil
	}
	if t.token == "" || t.chatID == "" {
		return errors.New("telegram token and chat_id are required")
	}
	if strings.TrimSpace(message) == "" {
		return errors.New("telegram message is empty")
	}
	if t.suppressed(message) {
		t.log.Debug("telegram alert suppressed", zap.String("message", message))
		return nil
	}
	body, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    message,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		t.forget(message)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.forget(message)
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("telegram send failed: http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		t.forget(message)
		desc := strings.TrimSpace(result.Description)
		if desc == "" {
			desc = "unknown telegram error"
		}
		return fmt.Errorf("telegram send failed: %s", desc)
	}
	return nil
}

// suppressed reports whether message went out within the repeat window and
// otherwise records it as sent.
func (t *Telegram) suppressed(message string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.sent[message]; ok && now.Sub(last) < t.repeat {
		return true
	}
	for msg, at := range t.sent {
		if now.Sub(at) >= t.repeat {
			delete(t.sent, msg)
		}
	}
	t.sent[message] = now
	return false
}

func (t *Telegram) forget(message string) {
	t.mu.Lock()
	delete(t.sent, message)
	t.mu.Unlock()
}

// Nop discards alerts.
type Nop struct{}

func (Nop) Send(context.Context, string) error { return nil }

var (
	_ Notifier = (*Telegram)(nil)
	_ Notifier = Nop{}
)
