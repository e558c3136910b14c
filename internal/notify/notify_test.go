package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nocwatch/internal/config"
	"nocwatch/internal/domain"
)

type fakeSender struct {
	channel  string
	failures int32
	sent     int32
}

func (s *fakeSender) Channel() string {
	return s.channel
}

func (s *fakeSender) Send(_ context.Context, _ domain.AlertEvent) (SendResult, error) {
	if atomic.AddInt32(&s.failures, -1) >= 0 {
		return SendResult{}, errors.New("transport down")
	}
	atomic.AddInt32(&s.sent, 1)
	return SendResult{}, nil
}

func testEvent() domain.AlertEvent {
	return domain.AlertEvent{
		DeviceID:   "gw-1",
		DeviceName: "core-gw",
		RoleLabel:  "Gateway",
		Class:      domain.AlertClassOutage,
		Message:    "core-gw (Gateway) is offline for 2.0m",
		Severity:   domain.SeverityCritical,
		Timestamp:  time.Now().UTC(),
	}
}

func testDispatcher(senders ...ChannelSender) *Dispatcher {
	d := &Dispatcher{
		senders:  make(map[string]ChannelSender),
		channels: make([]string, 0, len(senders)),
		retries:  make(map[string]config.NotifyRetry),
	}
	for _, sender := range senders {
		d.senders[sender.Channel()] = sender
		d.channels = append(d.channels, sender.Channel())
		d.retries[sender.Channel()] = config.NotifyRetry{
			Enabled:     true,
			MaxAttempts: 3,
			InitialMS:   1,
			MaxMS:       2,
			Backoff:     "exponential",
		}
	}
	return d
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{channel: "telegram", failures: 2}
	dispatcher := testDispatcher(sender)

	if err := dispatcher.Broadcast(context.Background(), testEvent()); err != nil {
		t.Fatalf("expected delivery after retries, got %v", err)
	}
	if atomic.LoadInt32(&sender.sent) != 1 {
		t.Fatalf("expected one successful send, got %d", sender.sent)
	}
}

func TestDispatcherFailsAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	sender := &fakeSender{channel: "telegram", failures: 10}
	dispatcher := testDispatcher(sender)

	if err := dispatcher.Broadcast(context.Background(), testEvent()); err == nil {
		t.Fatalf("expected error after exhausted retries")
	}
}

func TestDispatcherPartialDeliveryCounts(t *testing.T) {
	t.Parallel()

	healthy := &fakeSender{channel: "telegram"}
	broken := &fakeSender{channel: "webhook", failures: 10}
	dispatcher := testDispatcher(healthy, broken)

	// At least one channel delivered, so the broadcast is a success.
	if err := dispatcher.Broadcast(context.Background(), testEvent()); err != nil {
		t.Fatalf("expected partial delivery to succeed, got %v", err)
	}
	if atomic.LoadInt32(&healthy.sent) != 1 {
		t.Fatalf("expected healthy channel delivery")
	}
}

func TestDispatcherWithoutChannels(t *testing.T) {
	t.Parallel()

	dispatcher := NewDispatcher(config.NotifyConfig{}, nil)
	if got := len(dispatcher.Channels()); got != 0 {
		t.Fatalf("expected no channels, got %d", got)
	}
	if err := dispatcher.Broadcast(context.Background(), testEvent()); err == nil {
		t.Fatalf("expected error when no channel is configured")
	}
}

func TestWebhookSenderPostsJSON(t *testing.T) {
	t.Parallel()

	var received domain.AlertEvent
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodPost {
			t.Errorf("unexpected method %s", request.Method)
		}
		if got := request.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("unexpected content type %q", got)
		}
		if got := request.Header.Get("X-Monitor"); got != "nocwatch" {
			t.Errorf("unexpected custom header %q", got)
		}
		if err := json.NewDecoder(request.Body).Decode(&received); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		writer.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	sender := NewWebhookSender(config.WebhookNotifier{
		Enabled:    true,
		URL:        server.URL,
		TimeoutSec: 5,
		Headers:    map[string]string{"X-Monitor": "nocwatch"},
	})
	event := testEvent()
	if _, err := sender.Send(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if received.DeviceID != event.DeviceID || received.Class != event.Class {
		t.Fatalf("unexpected payload %+v", received)
	}
}

func TestWebhookSenderRejectsErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusBadGateway)
		_, _ = writer.Write([]byte("upstream broken"))
	}))
	defer server.Close()

	sender := NewWebhookSender(config.WebhookNotifier{URL: server.URL, TimeoutSec: 5})
	_, err := sender.Send(context.Background(), testEvent())
	if err == nil {
		t.Fatalf("expected error for non-2xx status")
	}
	if !strings.Contains(err.Error(), "status=502") || !strings.Contains(err.Error(), "upstream broken") {
		t.Fatalf("expected status and body in error, got %v", err)
	}
}

func TestTelegramSenderRequiresCredentials(t *testing.T) {
	t.Parallel()

	sender := NewTelegramSender(config.TelegramNotifier{ChatID: "42"})
	if _, err := sender.Send(context.Background(), testEvent()); err == nil {
		t.Fatalf("expected init error without bot token")
	}

	sender = NewTelegramSender(config.TelegramNotifier{BotToken: "token"})
	if _, err := sender.Send(context.Background(), testEvent()); err == nil {
		t.Fatalf("expected init error without chat id")
	}
}

func TestNormalizeChatID(t *testing.T) {
	t.Parallel()

	if got := normalizeChatID(" -10012345 "); got != int64(-10012345) {
		t.Fatalf("expected numeric chat id, got %#v", got)
	}
	if got := normalizeChatID("@noc_channel"); got != "@noc_channel" {
		t.Fatalf("expected string chat id, got %#v", got)
	}
}

func TestSeverityMarkerByClass(t *testing.T) {
	t.Parallel()

	if got := severityMarker(domain.AlertClassRecovery, domain.SeverityInfo); got != "✅" {
		t.Fatalf("unexpected recovery marker %q", got)
	}
	if got := severityMarker(domain.AlertClassOutage, domain.SeverityCritical); got != "🔴" {
		t.Fatalf("unexpected critical marker %q", got)
	}
	if got := severityMarker(domain.AlertClassFlapping, domain.SeverityWarning); got != "🟠" {
		t.Fatalf("unexpected warning marker %q", got)
	}
}
