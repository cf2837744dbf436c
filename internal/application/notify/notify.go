// Package notify holds the user-facing notifications of the membership
// workflow. Titles and descriptions are shown verbatim, in Italian.
package notify

import "sync"

// Variant selects how a notification is presented.
type Variant string

const (
	VariantDefault     Variant = "default"
	VariantDestructive Variant = "destructive"
)

// Notification is a short title plus description.
type Notification struct {
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Variant     Variant `json:"variant"`
}

// IsError reports whether the notification reports a failure.
func (n Notification) IsError() bool {
	return n.Variant == VariantDestructive
}

// Notifier receives notifications.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) { f(n) }

// Discard drops every notification.
var Discard Notifier = NotifierFunc(func(Notification) {})

// Recorder keeps every notification it receives. Safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	seen []Notification
}

// Notify records n.
func (r *Recorder) Notify(n Notification) {
	r.mu.Lock()
	r.seen = append(r.seen, n)
	r.mu.Unlock()
}

// All returns a copy of the recorded notifications in arrival order.
func (r *Recorder) All() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.seen...)
}

// Last returns the most recent notification.
func (r *Recorder) Last() (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.seen) == 0 {
		return Notification{}, false
	}
	return r.seen[len(r.seen)-1], true
}

// Fixed descriptions that callers compare against.
const (
	UnexpectedError     = "Si è verificato un errore imprevisto"
	DefaultApproveError = "Errore nell'approvazione della registrazione"
	DefaultRejectError  = "Errore nel rifiuto della registrazione"
)

func info(title, desc string) Notification {
	return Notification{Title: title, Description: desc, Variant: VariantDefault}
}

func failure(title, desc string) Notification {
	return Notification{Title: title, Description: desc, Variant: VariantDestructive}
}

func messageOr(err error, fallback string) string {
	if err == nil || err.Error() == "" {
		return fallback
	}
	return err.Error()
}

// SignedIn is shown after a successful sign-in.
func SignedIn() Notification {
	return info("Accesso effettuato", "Benvenuto nel Due Mari Chapter!")
}

// SignInFailed carries the sign-in error message.
func SignInFailed(err error) Notification {
	return failure("Errore durante l'accesso", messageOr(err, UnexpectedError))
}

// SignedOut is shown after sign-out.
func SignedOut() Notification {
	return info("Disconnesso", "Arrivederci!")
}

// SignOutFailed is shown when the provider rejects sign-out.
func SignOutFailed() Notification {
	return failure("Errore", "Errore durante la disconnessione")
}

// Unexpected reports a transient failure without detail.
func Unexpected() Notification {
	return failure("Errore", UnexpectedError)
}

// RegistrationSubmitted confirms a registration request.
func RegistrationSubmitted() Notification {
	return info("Richiesta inviata!", "La tua richiesta di registrazione è stata inviata. Riceverai una conferma quando sarà approvata dall'amministratore.")
}

// RegistrationFailed carries the intake error message.
func RegistrationFailed(err error) Notification {
	return failure("Errore durante la registrazione", messageOr(err, UnexpectedError))
}

// RegistrationApproved confirms an approval.
func RegistrationApproved() Notification {
	return info("Registrazione approvata", "L'utente è stato registrato con successo")
}

// ApproveFailed carries the approval error or the default message.
func ApproveFailed(err error) Notification {
	return failure("Errore", messageOr(err, DefaultApproveError))
}

// RegistrationRejected confirms a rejection.
func RegistrationRejected() Notification {
	return info("Registrazione rifiutata", "La richiesta è stata rifiutata")
}

// RejectFailed carries the rejection error or the default message.
func RejectFailed(err error) Notification {
	return failure("Errore", messageOr(err, DefaultRejectError))
}

// LoadFailed is shown when the registration list cannot be fetched.
func LoadFailed() Notification {
	return failure("Errore", "Errore nel caricamento delle registrazioni")
}
