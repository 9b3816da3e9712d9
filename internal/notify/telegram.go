// Package notify delivers chat messages through the Telegram Bot API.
// Producers enqueue onto a bounded queue; worker goroutines drain it so
// a slow Telegram round-trip never stalls signal detection.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Nike5170/Screener/internal/config"
	"github.com/Nike5170/Screener/internal/telemetry"
)

const (
	sendWorkers = 3
	maxAttempts = 4
	retryPause  = 200 * time.Millisecond
)

type message struct {
	chatID string
	text   string
}

type tgPayload struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview,omitempty"`
}

type tgResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// Notifier fans messages out to Telegram chats. With no bot token it
// runs disabled and drops everything silently, so the rest of the
// process never has to check.
type Notifier struct {
	apiURL  string
	admin   string
	client  *http.Client
	queue   chan message
	metrics *telemetry.Metrics
	enabled bool
	wg      sync.WaitGroup
}

func NewNotifier(cfg config.TelegramConfig, queueCap int, metrics *telemetry.Metrics) *Notifier {
	n := &Notifier{
		admin:   cfg.AdminChatID,
		client:  &http.Client{Timeout: 30 * time.Second},
		queue:   make(chan message, queueCap),
		metrics: metrics,
		enabled: cfg.BotToken != "",
	}
	if n.enabled {
		n.apiURL = fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", cfg.BotToken)
	} else {
		log.Warn().Msg("no telegram bot token, chat delivery disabled")
	}
	return n
}

// Start launches the delivery workers. They exit when ctx is canceled.
func (n *Notifier) Start(ctx context.Context) {
	if !n.enabled {
		return
	}
	for i := 0; i < sendWorkers; i++ {
		n.wg.Add(1)
		go n.worker(ctx)
	}
}

// Wait blocks until all workers have exited.
func (n *Notifier) Wait() { n.wg.Wait() }

// Send targets the admin chat.
func (n *Notifier) Send(text string) { n.SendTo(n.admin, text) }

// SendTo enqueues one message for chatID. Overflow drops the message
// rather than blocking the caller.
func (n *Notifier) SendTo(chatID, text string) {
	if !n.enabled || chatID == "" || text == "" {
		return
	}
	select {
	case n.queue <- message{chatID: chatID, text: text}:
		if n.metrics != nil {
			n.metrics.NotifierQueueDepth.Set(float64(len(n.queue)))
		}
	default:
		if n.metrics != nil {
			n.metrics.NotifierDropped.Inc()
		}
		log.Warn().Str("chat_id", chatID).Msg("notifier queue full, message dropped")
	}
}

func (n *Notifier) worker(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.queue:
			if n.metrics != nil {
				n.metrics.NotifierQueueDepth.Set(float64(len(n.queue)))
			}
			n.deliver(ctx, msg)
		}
	}
}

// deliver posts one message, retrying transient failures.
func (n *Notifier) deliver(ctx context.Context, msg message) {
	body, err := json.Marshal(tgPayload{
		ChatID:                msg.chatID,
		Text:                  msg.text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	})
	if err != nil {
		log.Error().Err(err).Msg("telegram payload marshal failed")
		return
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ok, wait := n.postOnce(ctx, body, msg.chatID)
		if ok {
			return
		}
		if wait <= 0 {
			wait = retryPause
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Error().Str("chat_id", msg.chatID).Int("attempts", maxAttempts).
		Msg("telegram message abandoned")
}

// postOnce performs one API call. On 429 the returned wait carries
// Telegram's retry_after.
func (n *Notifier) postOnce(ctx context.Context, body []byte, chatID string) (bool, time.Duration) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiURL, bytes.NewReader(body))
	if err != nil {
		log.Error().Err(err).Msg("telegram request build failed")
		return false, 0
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		log.Error().Err(err).Msg("telegram send failed")
		return false, 0
	}
	defer resp.Body.Close()

	var tg tgResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&tg); err != nil {
		log.Error().Err(err).Int("status", resp.StatusCode).Msg("telegram response decode failed")
		return false, 0
	}
	if resp.StatusCode != http.StatusOK || !tg.OK {
		log.Error().Int("status", resp.StatusCode).Int("error_code", tg.ErrorCode).
			Str("description", tg.Description).Msg("telegram rejected message")
		return false, time.Duration(tg.Parameters.RetryAfter) * time.Second
	}

	log.Debug().Str("chat_id", chatID).Msg("telegram message sent")
	return true, 0
}
