package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"nocwatch/internal/config"
	"nocwatch/internal/domain"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
)

// SendResult returns channel-specific metadata after successful delivery.
// Params: sender-specific metadata fields.
// Returns: optional message identifiers.
type SendResult struct {
	MessageID int
}

// ChannelSender sends one outbound alert to one channel.
// Params: context and alert payload.
// Returns: channel send metadata and transport error when send fails.
type ChannelSender interface {
	Channel() string
	Send(ctx context.Context, event domain.AlertEvent) (SendResult, error)
}

// Dispatcher delivers alerts to all enabled channels with retry/backoff.
// Params: sender list and per-channel retry policy.
// Returns: send helper for manager layer.
type Dispatcher struct {
	senders  map[string]ChannelSender
	channels []string
	retries  map[string]config.NotifyRetry
	logger   *slog.Logger
}

// NewDispatcher builds alert dispatcher from enabled channels.
// Params: global notify config and optional logger.
// Returns: configured dispatcher with available senders.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger) *Dispatcher {
	senders := make(map[string]ChannelSender)
	retries := make(map[string]config.NotifyRetry)
	if cfg.Telegram.Enabled {
		senders[config.NotifyChannelTelegram] = NewTelegramSender(cfg.Telegram)
		retries[config.NotifyChannelTelegram] = cfg.Telegram.Retry
	}
	if cfg.Webhook.Enabled {
		senders[config.NotifyChannelWebhook] = NewWebhookSender(cfg.Webhook)
		retries[config.NotifyChannelWebhook] = cfg.Webhook.Retry
	}
	channels := make([]string, 0, len(senders))
	for channel := range senders {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return &Dispatcher{
		senders:  senders,
		channels: channels,
		retries:  retries,
		logger:   logger,
	}
}

// Broadcast sends one alert event to every enabled channel.
// Params: context and alert payload.
// Returns: nil when at least one channel delivered, joined errors otherwise.
func (d *Dispatcher) Broadcast(ctx context.Context, event domain.AlertEvent) error {
	if len(d.channels) == 0 {
		return errors.New("no notify channels are configured")
	}

	var errs []error
	delivered := 0
	for _, channel := range d.channels {
		sender := d.senders[channel]
		if _, err := d.sendWithRetry(ctx, sender, event, d.retries[channel]); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", channel, err))
			continue
		}
		delivered++
	}
	if delivered > 0 {
		if len(errs) > 0 && d.logger != nil {
			d.logger.Warn("alert delivered partially", "device", event.DeviceID, "class", event.Class, "failed", len(errs))
		}
		return nil
	}
	return errors.Join(errs...)
}

// Send sends one alert event to one channel with its retry policy.
// Params: destination channel and alert payload.
// Returns: channel metadata and final error after retries.
func (d *Dispatcher) Send(ctx context.Context, channel string, event domain.AlertEvent) (SendResult, error) {
	sender, ok := d.senders[channel]
	if !ok {
		return SendResult{}, fmt.Errorf("notify channel %q is not configured", channel)
	}
	return d.sendWithRetry(ctx, sender, event, d.retries[channel])
}

// sendWithRetry sends one alert with channel-specific retry policy.
// Params: sender, payload, and retry policy for the sender channel.
// Returns: channel metadata and final error after retries.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, event domain.AlertEvent, retry config.NotifyRetry) (SendResult, error) {
	if !retry.Enabled {
		return sender.Send(ctx, event)
	}

	attempt := 0
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	var timer *time.Timer
	stopTimer := func() {
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}

	for {
		attempt++
		result, err := sender.Send(ctx, event)
		if err == nil {
			stopTimer()
			if attempt > 1 && d.logger != nil {
				d.logger.Info("alert send recovered after retries", "channel", sender.Channel(), "attempt", attempt)
			}
			return result, nil
		}
		if d.logger != nil {
			d.logger.Warn("alert send attempt failed", "channel", sender.Channel(), "attempt", attempt, "error", err.Error())
		}

		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			stopTimer()
			return SendResult{}, fmt.Errorf("failed after %d attempts: %w", attempt, err)
		}

		if timer == nil {
			timer = time.NewTimer(backoff)
		} else {
			stopTimer()
			timer.Reset(backoff)
		}
		select {
		case <-ctx.Done():
			stopTimer()
			return SendResult{}, ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// Channels returns configured channel list.
// Params: none.
// Returns: deterministic sender keys.
func (d *Dispatcher) Channels() []string {
	return d.channels
}

// TelegramSender sends alerts to Telegram Bot API.
// Params: bot token, chat id, and base URL.
// Returns: Telegram channel sender.
type TelegramSender struct {
	client  *tgbot.Bot
	chatID  any
	initErr error
}

// NewTelegramSender creates Telegram sender with HTTP client.
// Params: Telegram notifier config.
// Returns: initialized sender.
func NewTelegramSender(cfg config.TelegramNotifier) *TelegramSender {
	sender := &TelegramSender{
		chatID: normalizeChatID(cfg.ChatID),
	}

	if strings.TrimSpace(cfg.BotToken) == "" {
		sender.initErr = errors.New("telegram bot token is required")
		return sender
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		sender.initErr = errors.New("telegram chat_id is required")
		return sender
	}

	options := []tgbot.Option{
		tgbot.WithSkipGetMe(),
	}
	if apiBase := strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"); apiBase != "" {
		options = append(options, tgbot.WithServerURL(apiBase))
	}
	botClient, err := tgbot.New(cfg.BotToken, options...)
	if err != nil {
		sender.initErr = fmt.Errorf("init telegram bot: %w", err)
		return sender
	}
	sender.client = botClient
	return sender
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *TelegramSender) Channel() string {
	return config.NotifyChannelTelegram
}

// Send posts one alert message to Telegram chat.
// Params: context and alert payload.
// Returns: transport or HTTP error.
func (s *TelegramSender) Send(ctx context.Context, event domain.AlertEvent) (SendResult, error) {
	if s.initErr != nil {
		return SendResult{}, s.initErr
	}
	if s.client == nil {
		return SendResult{}, errors.New("telegram client is not initialized")
	}

	request := &tgbot.SendMessageParams{
		ChatID:    s.chatID,
		Text:      formatTelegramText(event),
		ParseMode: tgmodels.ParseModeHTML,
	}

	sent, err := s.client.SendMessage(ctx, request)
	if err != nil {
		return SendResult{}, fmt.Errorf("telegram send: %w", err)
	}
	if sent == nil || sent.ID <= 0 {
		return SendResult{}, errors.New("telegram send returned empty message id")
	}
	return SendResult{MessageID: sent.ID}, nil
}

// formatTelegramText renders one alert event as HTML message body.
// Params: alert payload.
// Returns: Telegram HTML text with severity marker.
func formatTelegramText(event domain.AlertEvent) string {
	marker := severityMarker(event.Class, event.Severity)
	header := html.EscapeString(event.DeviceName)
	if event.RoleLabel != "" {
		header = header + " (" + event.RoleLabel + ")"
	}
	return marker + " <b>" + header + "</b>\n" + event.Message
}

// severityMarker maps alert class/severity pair to a message prefix.
// Params: alert class and severity.
// Returns: static marker string.
func severityMarker(class domain.AlertClass, severity string) string {
	if class == domain.AlertClassRecovery {
		return "✅"
	}
	switch severity {
	case domain.SeverityCritical:
		return "🔴"
	case domain.SeverityWarning:
		return "🟠"
	default:
		return "ℹ️"
	}
}

// normalizeChatID converts numeric chat IDs to int64 and keeps non-numeric IDs as string.
// Params: configured chat ID value from TOML.
// Returns: Telegram API chat id union value.
func normalizeChatID(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if numeric, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return numeric
	}
	return trimmed
}

// WebhookSender posts alert payload to configured HTTP endpoint.
// Params: endpoint URL, method, timeout, and headers.
// Returns: generic HTTP sender.
type WebhookSender struct {
	cfg    config.WebhookNotifier
	client *http.Client
}

// NewWebhookSender creates generic HTTP sender.
// Params: webhook notifier config.
// Returns: initialized sender.
func NewWebhookSender(cfg config.WebhookNotifier) *WebhookSender {
	return &WebhookSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
	}
}

// Channel returns sender channel name.
// Params: none.
// Returns: static channel key.
func (s *WebhookSender) Channel() string {
	return config.NotifyChannelWebhook
}

// Send delivers JSON alert payload to configured HTTP endpoint.
// Params: context and alert payload.
// Returns: transport or HTTP error.
func (s *WebhookSender) Send(ctx context.Context, event domain.AlertEvent) (SendResult, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return SendResult{}, fmt.Errorf("encode webhook payload: %w", err)
	}

	method := strings.ToUpper(strings.TrimSpace(s.cfg.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("build webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range s.cfg.Headers {
		request.Header.Set(key, value)
	}

	response, err := s.client.Do(request)
	if err != nil {
		return SendResult{}, fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return SendResult{}, unexpectedHTTPStatusError("webhook", response)
	}
	return SendResult{}, nil
}

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	if response == nil {
		return fmt.Errorf("%s status=0", prefix)
	}
	rawBody, readErr := io.ReadAll(response.Body)
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}
