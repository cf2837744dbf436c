// Package dashboard drives the admin registration dashboard from a client:
// it gates access on the session, loads the registration list and applies
// approve/reject actions with a per-row processing guard.
package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"duemari/internal/application/notify"
	"duemari/internal/application/session"
	"duemari/internal/domain/registration"
)

// ErrRowBusy is returned when an action targets a row that already has one in flight.
var ErrRowBusy = errors.New("registration is already being processed")

// Approval describes the account provisioned by an approval.
type Approval struct {
	RegistrationID  string    `json:"registration_id"`
	AccountID       string    `json:"account_id"`
	Email           string    `json:"email"`
	ActivationToken string    `json:"activation_token"`
	ActivationURL   string    `json:"activation_url,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// API is the remote surface the dashboard needs.
type API interface {
	ListRegistrations(ctx context.Context) ([]registration.PendingRegistration, error)
	ApproveRegistration(ctx context.Context, id string) (Approval, error)
	RejectRegistration(ctx context.Context, id, notes string) error
}

// Destination is where the gate sends the viewer.
type Destination int

const (
	// Wait means the session has not settled yet.
	Wait Destination = iota
	Login
	Home
	Allow
)

func (d Destination) String() string {
	switch d {
	case Wait:
		return "wait"
	case Login:
		return "login"
	case Home:
		return "home"
	case Allow:
		return "allow"
	}
	return "unknown"
}

// Gate decides whether the dashboard may be shown for s. It is a navigation
// aid, not a security boundary: the server re-checks the role on every call.
func Gate(s session.Snapshot) Destination {
	switch {
	case s.State == session.StateLoading:
		return Wait
	case s.Session == nil:
		return Login
	case !s.RoleChecked:
		return Wait
	case !s.IsAdmin():
		return Home
	}
	return Allow
}

// View is the dashboard contents.
type View struct {
	All       []registration.PendingRegistration // newest first
	Pending   []registration.PendingRegistration
	Processed []registration.PendingRegistration
	Counts    registration.Counts
}

// NewView splits and counts regs.
func NewView(regs []registration.PendingRegistration) View {
	pending, processed := registration.SplitPending(regs)
	return View{All: regs, Pending: pending, Processed: processed, Counts: registration.Tally(regs)}
}

// Controller holds the dashboard state. Safe for concurrent use.
type Controller struct {
	api      API
	notifier notify.Notifier

	mu         sync.Mutex
	view       View
	processing map[string]bool
}

// New creates a controller. A nil notifier discards notifications.
func New(api API, notifier notify.Notifier) *Controller {
	if notifier == nil {
		notifier = notify.Discard
	}
	return &Controller{api: api, notifier: notifier, processing: make(map[string]bool)}
}

// View returns the last loaded view.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

// Processing reports whether an action for id is in flight.
func (c *Controller) Processing(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processing[id]
}

// Load fetches the registration list and replaces the view.
// POST: on error the previous view is kept and LoadFailed is emitted
func (c *Controller) Load(ctx context.Context) (View, error) {
	regs, err := c.api.ListRegistrations(ctx)
	if err != nil {
		slog.Error("registration_event", "event", "list_failed", "error", err)
		c.notifier.Notify(notify.LoadFailed())
		return c.View(), err
	}
	v := NewView(regs)
	c.mu.Lock()
	c.view = v
	c.mu.Unlock()
	return v, nil
}

// begin marks id in flight.
// POST: returns false if id was already in flight
func (c *Controller) begin(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.processing[id] {
		return false
	}
	c.processing[id] = true
	return true
}

func (c *Controller) end(id string) {
	c.mu.Lock()
	delete(c.processing, id)
	c.mu.Unlock()
}

// Approve approves id and reloads the list.
// INVARIANT: at most one action per row is in flight from this controller
func (c *Controller) Approve(ctx context.Context, id string) (Approval, error) {
	if !c.begin(id) {
		return Approval{}, ErrRowBusy
	}
	defer c.end(id)

	approval, err := c.api.ApproveRegistration(ctx, id)
	if err != nil {
		c.notifier.Notify(notify.ApproveFailed(err))
		return Approval{}, err
	}
	c.notifier.Notify(notify.RegistrationApproved())
	c.reload(ctx)
	return approval, nil
}

// Reject rejects id with notes and reloads the list. Empty notes use the
// default rejection note server-side.
func (c *Controller) Reject(ctx context.Context, id, notes string) error {
	if !c.begin(id) {
		return ErrRowBusy
	}
	defer c.end(id)

	if err := c.api.RejectRegistration(ctx, id, notes); err != nil {
		c.notifier.Notify(notify.RejectFailed(err))
		return err
	}
	c.notifier.Notify(notify.RegistrationRejected())
	c.reload(ctx)
	return nil
}

// reload refreshes the view after a successful action. A failed reload is
// reported by Load and does not fail the action.
func (c *Controller) reload(ctx context.Context) {
	_, _ = c.Load(ctx)
}
