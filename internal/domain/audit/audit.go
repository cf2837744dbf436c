package audit

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Category represents the area of the system an event belongs to.
type Category string

const (
	CategoryRegistration Category = "registration"
	CategoryAccount      Category = "account"
	CategorySession      Category = "session"
	CategorySecurity     Category = "security"
)

// Action represents the action that occurred.
type Action string

const (
	ActionSubmit    Action = "submit"
	ActionApprove   Action = "approve"
	ActionReject    Action = "reject"
	ActionProvision Action = "provision"
	ActionActivate  Action = "activate"
	ActionLogin     Action = "login"
	ActionLogout    Action = "logout"
	ActionDenied    Action = "denied"
)

// Severity represents the severity level of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Resource types referenced by events.
const (
	ResourceRegistration = "pending_registration"
	ResourceAccount      = "account"
)

var (
	ErrEmptyCategory = errors.New("audit event category is required")
	ErrEmptyAction   = errors.New("audit event action is required")
)

// Event is a single append-only audit log entry. IDs are ULIDs so that
// lexical order matches creation order.
type Event struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Category     Category  `json:"category"`
	Action       Action    `json:"action"`
	Severity     Severity  `json:"severity"`
	ActorID      string    `json:"actor_id"`
	ActorEmail   string    `json:"actor_email"`
	ResourceID   string    `json:"resource_id"`
	ResourceType string    `json:"resource_type"`
	Description  string    `json:"description"`
	IPAddress    string    `json:"ip_address"`
	UserAgent    string    `json:"user_agent"`
}

// NewEvent creates a new audit event stamped at now.
// PRE: category and action are non-empty
// POST: Returns an Event with a fresh ULID and info severity
func NewEvent(actorID, actorEmail string, category Category, action Action, now time.Time) Event {
	return Event{
		ID:         NewID(now),
		Timestamp:  now,
		Category:   category,
		Action:     action,
		Severity:   SeverityInfo,
		ActorID:    actorID,
		ActorEmail: actorEmail,
	}
}

// Validate checks that the event can be persisted.
func (e Event) Validate() error {
	if e.Category == "" {
		return ErrEmptyCategory
	}
	if e.Action == "" {
		return ErrEmptyAction
	}
	return nil
}

// WithSeverity sets the severity level.
func (e Event) WithSeverity(s Severity) Event {
	e.Severity = s
	return e
}

// WithResource sets resource information.
// PRE: resourceType and resourceID are non-empty
// POST: Event resource fields are populated
func (e Event) WithResource(resourceType, resourceID string) Event {
	e.ResourceType = resourceType
	e.ResourceID = resourceID
	return e
}

// WithDescription sets the event description.
func (e Event) WithDescription(desc string) Event {
	e.Description = desc
	return e
}

// WithRequest sets IP address and user agent from an HTTP request.
func (e Event) WithRequest(ipAddress, userAgent string) Event {
	e.IPAddress = ipAddress
	e.UserAgent = userAgent
	return e
}

// NewID returns a ULID string for the given instant.
func NewID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}
