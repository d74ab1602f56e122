package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ppiankov/proctorguard/internal/monitor"
)

func countingServer(t *testing.T, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called.Add(1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &called
}

func TestDispatchMatchesKind(t *testing.T) {
	srv, called := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"screenshot_attempt"}},
	}, nil)

	d.Dispatch(AlertEvent{RoomCode: "R1", Kind: "screenshot_attempt", Terminal: true})
	time.Sleep(200 * time.Millisecond)

	if called.Load() != 1 {
		t.Errorf("expected 1 call, got %d", called.Load())
	}
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	srv, called := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"screenshot_attempt"}},
	}, nil)

	d.Dispatch(AlertEvent{RoomCode: "R1", Kind: "focus_loss"})
	time.Sleep(200 * time.Millisecond)

	if called.Load() != 0 {
		t.Errorf("expected 0 calls for non-matching event, got %d", called.Load())
	}
}

func TestDispatchTerminalWildcard(t *testing.T) {
	srv, called := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Format: "generic", Events: []string{"terminal"}},
	}, nil)

	d.Dispatch(AlertEvent{Kind: "suspicious_activity", Terminal: true})
	d.Dispatch(AlertEvent{Kind: "forbidden_key_press", Count: 1})
	time.Sleep(200 * time.Millisecond)

	if called.Load() != 1 {
		t.Errorf("expected only the terminal event, got %d calls", called.Load())
	}
}

func TestDispatchWaitBlocksUntilSent(t *testing.T) {
	srv, called := countingServer(t, http.StatusOK)

	d := NewDispatcher([]AlertConfig{
		{URL: srv.URL, Events: []string{"binary_tamper"}},
		{URL: srv.URL, Events: []string{"focus_loss"}},
	}, nil)

	d.DispatchWait(AlertEvent{Kind: "binary_tamper", Terminal: true})
	if called.Load() != 1 {
		t.Errorf("expected 1 call on return, got %d", called.Load())
	}
}

func TestNewDispatcherEmpty(t *testing.T) {
	if d := NewDispatcher(nil, nil); d != nil {
		t.Error("expected nil dispatcher for empty config")
	}
}

func TestAlertSinkSendsViolation(t *testing.T) {
	got := make(chan AlertEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Token") != "secret" {
			t.Errorf("custom header not forwarded")
		}
		var ev AlertEvent
		_ = json.NewDecoder(r.Body).Decode(&ev)
		got <- ev
	}))
	defer srv.Close()

	var sink monitor.AlertSink = NewDispatcher([]AlertConfig{
		{URL: srv.URL, Events: []string{"forbidden_key_press"}, Headers: map[string]string{"X-Token": "secret"}},
	}, nil)

	v := monitor.ViolationEvent{Kind: monitor.ForbiddenKeyPress, Message: "Ctrl", Count: 2, OccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	if err := sink.Alert("R1", v); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-got:
		if ev.RoomCode != "R1" || ev.Type != "Ctrl Key Pressed" || ev.Count != 2 || ev.Terminal {
			t.Errorf("unexpected payload %+v", ev)
		}
		if ev.Timestamp != "2026-01-02T03:04:05.000Z" {
			t.Errorf("unexpected timestamp %q", ev.Timestamp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not called")
	}
}

func TestSendRejectedNotRetried(t *testing.T) {
	srv, called := countingServer(t, http.StatusBadRequest)

	err := Send(AlertConfig{URL: srv.URL}, AlertEvent{Kind: "focus_loss"})
	if err == nil {
		t.Fatal("expected error for 4xx")
	}
	if called.Load() != 1 {
		t.Errorf("4xx must not be retried, got %d calls", called.Load())
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	var called atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if called.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	if err := Send(AlertConfig{URL: srv.URL}, AlertEvent{Kind: "focus_loss"}); err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if called.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", called.Load())
	}
}

func TestSendContextCancelledDuringBackoff(t *testing.T) {
	srv, called := countingServer(t, http.StatusServiceUnavailable)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := SendContext(ctx, AlertConfig{URL: srv.URL}, AlertEvent{Kind: "focus_loss"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if called.Load() != 1 {
		t.Errorf("expected one attempt before cancellation, got %d", called.Load())
	}
}

func TestFailedWebhookLogged(t *testing.T) {
	srv, _ := countingServer(t, http.StatusForbidden)
	core, logs := observer.New(zap.WarnLevel)

	d := NewDispatcher([]AlertConfig{{URL: srv.URL, Events: []string{"focus_loss"}}}, zap.New(core))
	d.Dispatch(AlertEvent{Kind: "focus_loss"})

	deadline := time.Now().Add(2 * time.Second)
	for logs.FilterMessage("violation webhook failed").Len() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("webhook failure not logged")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFormatSlack(t *testing.T) {
	body, err := FormatPayload("slack", AlertEvent{RoomCode: "R1", Type: "Screenshot Attempt", Terminal: true})
	if err != nil {
		t.Fatal(err)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatal(err)
	}
	blocks := payload["blocks"].([]any)
	header := blocks[0].(map[string]any)["text"].(map[string]any)
	if header["text"] != "proctorguard: Screenshot Attempt" {
		t.Errorf("unexpected header %v", header["text"])
	}
}

func TestFormatPagerDutySeverity(t *testing.T) {
	tests := []struct {
		event AlertEvent
		want  string
	}{
		{AlertEvent{Terminal: true}, "critical"},
		{AlertEvent{Count: 1}, "warning"},
		{AlertEvent{}, "info"},
	}
	for _, tt := range tests {
		body, err := FormatPayload("pagerduty", tt.event)
		if err != nil {
			t.Fatal(err)
		}
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		if got := payload["payload"].(map[string]any)["severity"]; got != tt.want {
			t.Errorf("%+v: expected %s, got %v", tt.event, tt.want, got)
		}
	}
}
