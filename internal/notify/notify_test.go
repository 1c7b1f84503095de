package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Lunary1/lunar-bot/internal/logging"
)

func TestSlackNotifier_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(context.Background(), Notification{
		Title:   "Price drop",
		Message: "Console now 399.00",
		Level:   LevelSuccess,
		URL:     "https://shop.example/p/1",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got.Text != "Price drop" {
		t.Errorf("Text = %q", got.Text)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Color != "good" || got.Attachments[0].TitleLink == "" {
		t.Errorf("Attachments = %+v", got.Attachments)
	}
}

func TestSlackNotifier_Non200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	if err := NewSlackNotifier(server.URL).Send(context.Background(), Notification{Title: "x"}); err == nil {
		t.Error("expected error for 403")
	}
}

func TestSlackNotifier_DisabledWithoutWebhook(t *testing.T) {
	if err := NewSlackNotifier("").Send(context.Background(), Notification{}); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}

func TestSlackColor(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelSuccess, "good"},
		{LevelWarning, "warning"},
		{LevelError, "danger"},
		{LevelInfo, "#439FE0"},
	}

	for _, tt := range tests {
		if got := SlackColor(tt.level); got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestMultiNotifier(t *testing.T) {
	var called []string
	mock1 := &mockNotifier{name: "mock1", calls: &called}
	mock2 := &mockNotifier{name: "mock2", calls: &called, err: errors.New("down")}

	err := NewMultiNotifier(mock1, mock2).Send(context.Background(), Notification{Title: "Test"})

	if len(called) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(called))
	}
	if err == nil {
		t.Error("expected joined error")
	}
}

func TestAsync_SwallowsErrors(t *testing.T) {
	var called []string
	failing := &mockNotifier{name: "slack", calls: &called, err: errors.New("timeout")}

	async := NewAsync(failing, logging.Discard())
	if err := async.Send(context.Background(), Notification{Title: "x"}); err != nil {
		t.Errorf("Async.Send = %v, want nil", err)
	}
	async.Wait()

	if len(called) != 1 {
		t.Errorf("Expected 1 delivery, got %d", len(called))
	}
}

type mockNotifier struct {
	mu    sync.Mutex
	name  string
	calls *[]string
	err   error
}

func (m *mockNotifier) Send(_ context.Context, n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.calls = append(*m.calls, m.name)
	return m.err
}
