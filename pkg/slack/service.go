// Package slack delivers terminal-session notifications to a Slack
// channel. The whole package is optional and fail-open: a nil Service is
// a no-op, and delivery errors are logged, never returned.
package slack

import (
	"context"
	"log/slog"
	"time"

	"github.com/formscout/formscout/pkg/config"
	"github.com/formscout/formscout/pkg/models"
)

const postTimeout = 10 * time.Second

// SessionTerminalInput carries the data for one terminal notification.
type SessionTerminalInput struct {
	SessionID   string
	Status      models.SessionStatus
	FailureCode string
	FailureText string
}

// Service posts session outcome messages to the configured channel.
// Nil-safe: all methods are no-ops when service is nil.
type Service struct {
	client     *Client
	consoleURL string
	logger     *slog.Logger
}

// NewService creates a notification service from configuration.
// Returns nil when the token or channel is unset.
func NewService(cfg *config.NotificationsConfig) *Service {
	if cfg == nil || cfg.SlackToken == "" || cfg.SlackChannel == "" {
		return nil
	}
	return &Service{
		client:     NewClient(cfg.SlackToken, cfg.SlackChannel),
		consoleURL: cfg.ConsoleURL,
		logger:     slog.Default().With("component", "slack-service"),
	}
}

// NewServiceWithClient creates a Service backed by a pre-built Client.
// Useful for testing with a mock API server.
func NewServiceWithClient(client *Client, consoleURL string) *Service {
	return &Service{
		client:     client,
		consoleURL: consoleURL,
		logger:     slog.Default().With("component", "slack-service"),
	}
}

// NotifySessionTerminal posts one message per terminal session.
// Satisfies the orchestrator's Notifier surface.
func (s *Service) NotifySessionTerminal(ctx context.Context, sessionID string, status models.SessionStatus, failureCode, failureText string) {
	if s == nil {
		return
	}

	blocks := BuildTerminalMessage(SessionTerminalInput{
		SessionID:   sessionID,
		Status:      status,
		FailureCode: failureCode,
		FailureText: failureText,
	}, s.consoleURL)

	if err := s.client.PostMessage(ctx, blocks, postTimeout); err != nil {
		s.logger.Warn("Failed to deliver session notification",
			"session_id", sessionID,
			"status", status,
			"error", err)
	}
}
