package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/resend/resend-go/v2"
)

// ResendSender delivers notification emails through the Resend API.
type ResendSender struct {
	client *resend.Client
	from   string
	now    func() time.Time
}

// NewResendSender returns a sender for the public Resend endpoint.
// PRE: apiKey is a Resend API key; from is the chapter's sender address
func NewResendSender(apiKey, from string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey), from: from, now: time.Now}
}

// NewResendSenderWithClient points the sender at baseURL, which must end in "/".
func NewResendSenderWithClient(httpClient *http.Client, apiKey, from, baseURL string) (*ResendSender, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse resend base url: %w", err)
	}
	c := resend.NewCustomClient(httpClient, apiKey)
	c.BaseURL = u
	return &ResendSender{client: c, from: from, now: time.Now}, nil
}

// Send submits one message. The idempotency key lets Resend drop a second
// submission of the same outbox entry.
// PRE: req has at least one recipient and a subject
// POST: returns the Resend message id
func (s *ResendSender) Send(ctx context.Context, req SendRequest) (SendResult, error) {
	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      req.To,
		Subject: req.Subject,
		Html:    req.HTML,
		Text:    req.Text,
		ReplyTo: req.ReplyTo,
		Tags:    resendTags(req.Tags),
	}
	if req.From != "" {
		params.From = req.From
	}

	sent, err := s.client.Emails.SendWithOptions(ctx, params, &resend.SendEmailOptions{IdempotencyKey: req.IdempotencyKey})
	if err != nil {
		slog.Error("email_event", "event", "send_failed", "provider", "resend", "subject", req.Subject, "error", err)
		return SendResult{}, fmt.Errorf("resend: %w", err)
	}
	slog.Info("email_event", "event", "sent", "provider", "resend", "message_id", sent.Id, "recipients", len(req.To))
	return SendResult{MessageID: sent.Id, SentAt: s.now()}, nil
}

// resendTags converts tags to Resend's list form in a stable order.
func resendTags(tags map[string]string) []resend.Tag {
	if len(tags) == 0 {
		return nil
	}
	names := make([]string, 0, len(tags))
	for name := range tags {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]resend.Tag, 0, len(names))
	for _, name := range names {
		out = append(out, resend.Tag{Name: name, Value: tags[name]})
	}
	return out
}
