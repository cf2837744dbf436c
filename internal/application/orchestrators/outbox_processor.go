package orchestrators

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	emailAdapter "duemari/internal/adapters/email"
	domain "duemari/internal/domain/outbox"
	"duemari/internal/obs"
)

// OutboxStore defines the store interface needed by the OutboxProcessor.
type OutboxStore interface {
	GetByID(ctx context.Context, id string) (domain.Entry, error)
	Save(ctx context.Context, e domain.Entry) error
	ListPending(ctx context.Context, limit int) ([]domain.Entry, error)
}

// ActionExecutor executes a specific type of external action.
type ActionExecutor interface {
	// Execute runs the external action with the given payload and returns
	// the provider's id for it.
	Execute(ctx context.Context, payload string) (string, error)
}

// OutboxProcessor delivers queued external actions with exponential backoff.
type OutboxProcessor struct {
	store     OutboxStore
	executors map[string]ActionExecutor
	metrics   *obs.Metrics
	now       func() time.Time
	baseDelay time.Duration
	maxDelay  time.Duration
	batchSize int
}

// NewOutboxProcessor creates a processor dispatching entries by action type.
func NewOutboxProcessor(store OutboxStore, executors map[string]ActionExecutor, metrics *obs.Metrics) *OutboxProcessor {
	return &OutboxProcessor{
		store:     store,
		executors: executors,
		metrics:   metrics,
		now:       time.Now,
		baseDelay: 30 * time.Second,
		maxDelay:  time.Hour,
		batchSize: 10,
	}
}

// ProcessPending attempts every due entry in the next batch.
// PRE: Context is valid
// POST: Attempted entries are saved with their new status
func (p *OutboxProcessor) ProcessPending(ctx context.Context) error {
	entries, err := p.store.ListPending(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("list pending outbox entries: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDue(p.now(), p.baseDelay, p.maxDelay) {
			continue
		}
		if err := p.attempt(ctx, entry); err != nil {
			slog.Error("outbox_process_failed", "entry_id", entry.ID, "action_type", entry.ActionType, "error", err)
		}
	}
	return nil
}

// ProcessSingle attempts one entry immediately, ignoring backoff.
// PRE: entryID is non-empty
// POST: Returns domain.ErrTerminal for done, abandoned or exhausted entries
func (p *OutboxProcessor) ProcessSingle(ctx context.Context, entryID string) error {
	entry, err := p.store.GetByID(ctx, entryID)
	if err != nil {
		return fmt.Errorf("get outbox entry: %w", err)
	}
	if entry.IsTerminal() {
		return fmt.Errorf("entry %s: %w", entryID, domain.ErrTerminal)
	}
	return p.attempt(ctx, entry)
}

// AbandonEntry stops further delivery attempts for an entry.
func (p *OutboxProcessor) AbandonEntry(ctx context.Context, entryID string) error {
	entry, err := p.store.GetByID(ctx, entryID)
	if err != nil {
		return fmt.Errorf("get outbox entry: %w", err)
	}
	entry.MarkAbandoned()
	return p.store.Save(ctx, entry)
}

func (p *OutboxProcessor) attempt(ctx context.Context, entry domain.Entry) error {
	executor, ok := p.executors[entry.ActionType]
	if !ok {
		entry.MarkAttempt(p.now())
		entry.MarkFailed(fmt.Errorf("no executor registered for action type: %s", entry.ActionType))
		p.metrics.OutboxDelivery(entry.ActionType, "unroutable")
		return p.store.Save(ctx, entry)
	}

	entry.MarkAttempt(p.now())
	externalID, err := executor.Execute(ctx, entry.Payload)
	if err != nil {
		entry.MarkFailed(err)
		p.metrics.OutboxDelivery(entry.ActionType, "failed")
		slog.Warn("outbox_action_failed", "entry_id", entry.ID, "attempt", entry.Attempts, "error", err.Error())
	} else {
		entry.MarkSuccess(externalID)
		p.metrics.OutboxDelivery(entry.ActionType, "ok")
		slog.Info("outbox_action_succeeded", "entry_id", entry.ID, "action_type", entry.ActionType, "external_id", externalID)
	}
	return p.store.Save(ctx, entry)
}

// Run processes pending entries every interval until ctx is done.
func (p *OutboxProcessor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			if err := p.ProcessPending(runCtx); err != nil {
				slog.Error("outbox_background_process_failed", "error", err.Error())
			}
			cancel()
		case <-ctx.Done():
			slog.Info("outbox_background_worker_stopped")
			return
		}
	}
}

// --- Email Executor ---

// EmailExecutor delivers EmailPayload entries through a Sender.
type EmailExecutor struct {
	Sender emailAdapter.Sender
}

// Execute renders the Markdown body and sends the email.
// PRE: payload is valid JSON matching EmailPayload
// POST: Returns the provider message id
func (e *EmailExecutor) Execute(ctx context.Context, payload string) (string, error) {
	var p EmailPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return "", fmt.Errorf("unmarshal payload: %w", err)
	}
	if len(p.To) == 0 {
		return "", fmt.Errorf("email payload has no recipients")
	}
	html, err := emailAdapter.RenderMarkdown(p.Markdown)
	if err != nil {
		return "", fmt.Errorf("render body: %w", err)
	}
	res, err := e.Sender.Send(ctx, emailAdapter.SendRequest{
		To:             p.To,
		Subject:        p.Subject,
		HTML:           html,
		Text:           p.Markdown,
		Tags:           p.Tags,
		IdempotencyKey: p.IdempotencyKey,
	})
	if err != nil {
		return "", err
	}
	return res.MessageID, nil
}
