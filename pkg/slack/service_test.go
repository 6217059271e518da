package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formscout/formscout/pkg/config"
	"github.com/formscout/formscout/pkg/models"
)

func TestServiceNilReceiver(t *testing.T) {
	var s *Service
	// Must not panic.
	s.NotifySessionTerminal(context.Background(), "ms_1", models.SessionStatusCompleted, "", "")
}

func TestNewService(t *testing.T) {
	t.Run("nil without token", func(t *testing.T) {
		assert.Nil(t, NewService(&config.NotificationsConfig{SlackChannel: "C123"}))
	})

	t.Run("nil without channel", func(t *testing.T) {
		assert.Nil(t, NewService(&config.NotificationsConfig{SlackToken: "xoxb-test"}))
	})

	t.Run("nil config disables notifications", func(t *testing.T) {
		assert.Nil(t, NewService(nil))
	})

	t.Run("configured service is live", func(t *testing.T) {
		svc := NewService(&config.NotificationsConfig{
			SlackToken:   "xoxb-test",
			SlackChannel: "C123",
			ConsoleURL:   "https://console.example",
		})
		assert.NotNil(t, svc)
	})
}

func TestNotifySessionTerminalPostsMessage(t *testing.T) {
	var posted struct {
		Channel string `json:"channel"`
	}
	calls := 0
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.NoError(t, r.ParseForm())
		posted.Channel = r.FormValue("channel")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": posted.Channel, "ts": "1234.5678"})
	}))
	defer mock.Close()

	client := NewClientWithAPIURL("xoxb-test", "C123", mock.URL+"/")
	svc := NewServiceWithClient(client, "https://console.example")

	svc.NotifySessionTerminal(context.Background(), "ms_1", models.SessionStatusFailed, "page_error", "form never settled")

	assert.Equal(t, 1, calls)
	assert.Equal(t, "C123", posted.Channel)
}

func TestNotifySessionTerminalFailOpen(t *testing.T) {
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer mock.Close()

	client := NewClientWithAPIURL("xoxb-test", "C123", mock.URL+"/")
	svc := NewServiceWithClient(client, "https://console.example")

	// Delivery failure is logged, not returned or panicked.
	svc.NotifySessionTerminal(context.Background(), "ms_1", models.SessionStatusCompleted, "", "")
}
