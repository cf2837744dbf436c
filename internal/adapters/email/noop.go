package email

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// NoopSender keeps messages in memory instead of delivering them. The server
// uses it when no provider is configured.
type NoopSender struct {
	mu   sync.Mutex
	sent []SendRequest
}

func NewNoopSender() *NoopSender {
	return &NoopSender{}
}

// Send records req and returns a synthetic message id.
func (s *NoopSender) Send(_ context.Context, req SendRequest) (SendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, req)
	slog.Info("email_event", "event", "held", "provider", "noop", "subject", req.Subject, "recipients", len(req.To))
	return SendResult{MessageID: fmt.Sprintf("noop-%d", len(s.sent)), SentAt: time.Now()}, nil
}

// Sent returns a copy of every request held so far.
func (s *NoopSender) Sent() []SendRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SendRequest(nil), s.sent...)
}
