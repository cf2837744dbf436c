// Package session keeps the client's view of who is signed in and whether
// they are an administrator. All state changes are applied by one loop
// goroutine; role lookups run detached and report back through it.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"duemari/internal/application/notify"
	"duemari/internal/application/orchestrators"
	"duemari/internal/domain/role"
	"duemari/internal/identity"
)

// State is the coarse auth state shown to the user.
type State int

const (
	StateLoading State = iota
	StateUnauthenticated
	StateUser
	StateAdmin
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateUnauthenticated:
		return "unauthenticated"
	case StateUser:
		return "authenticated-user"
	case StateAdmin:
		return "authenticated-admin"
	}
	return "unknown"
}

// ErrSignInInProgress is returned when a sign-in overlaps another one.
var ErrSignInInProgress = errors.New("sign-in already in progress")

// ErrClosed is returned by operations on a closed Manager.
var ErrClosed = errors.New("session manager closed")

// Snapshot is a consistent view of the manager's state.
type Snapshot struct {
	State   State
	Session *identity.Session
	// RoleChecked is false while the admin lookup for Session is outstanding.
	RoleChecked bool
	Submitting  bool
}

// IsAdmin reports whether the admin role has been confirmed for the session.
func (s Snapshot) IsAdmin() bool { return s.State == StateAdmin }

// User returns the signed-in user, if any.
func (s Snapshot) User() (identity.User, bool) {
	if s.Session == nil {
		return identity.User{}, false
	}
	return s.Session.User, true
}

// RoleLookup answers whether a user holds a role. A missing row is
// (false, nil).
type RoleLookup interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
}

// Config holds the Manager's collaborators.
type Config struct {
	Provider   identity.Provider
	Roles      RoleLookup
	Resolver   orchestrators.FiscalCodeResolver
	AdminEmail string
	Notifier   notify.Notifier // optional: nil discards notifications
}

type update func(*loopState)

type loopState struct {
	snap Snapshot
	gen  uint64
}

// Manager is the session and role cache. Construct one with New and share it.
type Manager struct {
	cfg Config

	ctx    context.Context
	cancel context.CancelFunc

	updates chan update
	done    chan struct{}
	loopWG  sync.WaitGroup
	spawned sync.WaitGroup

	unsubscribe func()
	closeOnce   sync.Once
	submitting  atomic.Bool

	mu       sync.RWMutex
	current  Snapshot
	watchers map[int]chan Snapshot
	nextID   int
}

// New starts the manager. The initial state is StateLoading until the
// existing session has been fetched from the provider.
// POST: caller must Close the manager
func New(cfg Config) *Manager {
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		updates:  make(chan update),
		done:     make(chan struct{}),
		current:  Snapshot{State: StateLoading},
		watchers: make(map[int]chan Snapshot),
	}

	m.loopWG.Add(1)
	go m.loop()

	m.unsubscribe = cfg.Provider.OnAuthStateChange(func(ev identity.Event, sess *identity.Session) {
		m.send(m.authChanged(ev, sess))
	})

	m.spawn(func() {
		sess, err := cfg.Provider.GetSession(m.ctx)
		if err != nil {
			slog.Warn("auth_event", "event", "initial_session_failed", "error", err)
			sess = nil
		}
		m.send(func(ls *loopState) {
			// A sign-in or sign-out may already have settled the state.
			if ls.snap.State != StateLoading {
				return
			}
			m.authChanged(identity.EventInitialSession, sess)(ls)
		})
	})
	return m
}

func (m *Manager) loop() {
	defer m.loopWG.Done()
	ls := &loopState{snap: Snapshot{State: StateLoading}}
	for {
		select {
		case <-m.done:
			return
		case u := <-m.updates:
			u(ls)
			m.publish(ls.snap)
		}
	}
}

// send hands u to the loop. It gives up once the manager is closed.
func (m *Manager) send(u update) bool {
	select {
	case m.updates <- u:
		return true
	case <-m.done:
		return false
	}
}

// spawn runs fn on a tracked goroutine.
func (m *Manager) spawn(fn func()) {
	m.spawned.Add(1)
	go func() {
		defer m.spawned.Done()
		fn()
	}()
}

// authChanged returns the update applying an auth-state event.
// INVARIANT: the admin flag is never carried over to a different session
func (m *Manager) authChanged(ev identity.Event, sess *identity.Session) update {
	return func(ls *loopState) {
		if sess == nil {
			ls.gen++
			ls.snap.Session = nil
			ls.snap.State = StateUnauthenticated
			ls.snap.RoleChecked = true
			slog.Debug("auth_event", "event", "state_change", "auth_event", ev, "state", ls.snap.State)
			return
		}
		if ls.snap.Session != nil && ls.snap.Session.AccessToken == sess.AccessToken {
			return
		}
		ls.gen++
		s := *sess
		ls.snap.Session = &s
		ls.snap.State = StateUser
		ls.snap.RoleChecked = false
		slog.Debug("auth_event", "event", "state_change", "auth_event", ev, "state", ls.snap.State, "user_id", s.User.ID)
		m.lookupRole(ls.gen, s.User.ID)
	}
}

// lookupRole checks the admin role on a detached goroutine and applies the
// result only if the session is still generation gen.
func (m *Manager) lookupRole(gen uint64, userID string) {
	m.spawn(func() {
		isAdmin, err := m.cfg.Roles.HasRole(m.ctx, userID, role.RoleAdmin)
		if err != nil {
			slog.Warn("auth_event", "event", "role_lookup_failed", "user_id", userID, "error", err)
			isAdmin = false
		}
		m.send(func(ls *loopState) {
			if ls.gen != gen || ls.snap.Session == nil {
				return
			}
			ls.snap.RoleChecked = true
			if isAdmin {
				ls.snap.State = StateAdmin
			} else {
				ls.snap.State = StateUser
			}
		})
	})
}

func (m *Manager) publish(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
	for _, ch := range m.watchers {
		// Keep only the latest snapshot in each watcher's buffer.
		select {
		case <-ch:
		default:
		}
		ch <- m.withSubmitting(s)
	}
}

func (m *Manager) withSubmitting(s Snapshot) Snapshot {
	s.Submitting = m.submitting.Load()
	if s.Session != nil {
		c := *s.Session
		s.Session = &c
	}
	return s
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.withSubmitting(m.current)
}

// Watch returns a channel that always holds the most recent snapshot and a
// function to stop watching. The current snapshot is delivered first.
func (m *Manager) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.watchers[id] = ch
	ch <- m.withSubmitting(m.current)
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

// WaitFor blocks until a snapshot satisfies pred or ctx is done.
func (m *Manager) WaitFor(ctx context.Context, pred func(Snapshot) bool) (Snapshot, error) {
	ch, stop := m.Watch()
	defer stop()
	for {
		select {
		case s := <-ch:
			if pred(s) {
				return s, nil
			}
		case <-ctx.Done():
			return m.Snapshot(), ctx.Err()
		case <-m.done:
			return m.Snapshot(), ErrClosed
		}
	}
}

// Settled reports whether the state is no longer loading and no role lookup
// for the current session could still promote it.
func Settled(s Snapshot) bool {
	return s.State != StateLoading && s.RoleChecked
}

// SignIn resolves identifier, signs in with password and applies the new
// session. Overlapping calls fail fast with ErrSignInInProgress and emit no
// notification.
// POST: on success the state is at least StateUser
func (m *Manager) SignIn(ctx context.Context, identifier, password string) error {
	if !m.submitting.CompareAndSwap(false, true) {
		return ErrSignInInProgress
	}
	defer m.submitting.Store(false)

	sess, err := orchestrators.ExecuteSignIn(ctx, orchestrators.SignInInput{Identifier: identifier, Password: password},
		orchestrators.SignInDeps{Resolver: m.cfg.Resolver, Auth: m.cfg.Provider, AdminEmail: m.cfg.AdminEmail})
	if err != nil {
		m.cfg.Notifier.Notify(notify.SignInFailed(err))
		return err
	}
	if !m.send(m.authChanged(identity.EventSignedIn, sess)) {
		return ErrClosed
	}
	m.cfg.Notifier.Notify(notify.SignedIn())
	return nil
}

// SignOut ends the session at the provider and clears session and role.
func (m *Manager) SignOut(ctx context.Context) error {
	if err := m.cfg.Provider.SignOut(ctx); err != nil {
		slog.Warn("auth_event", "event", "sign_out_failed", "error", err)
		m.cfg.Notifier.Notify(notify.SignOutFailed())
		return err
	}
	if !m.send(m.authChanged(identity.EventSignedOut, nil)) {
		return ErrClosed
	}
	m.cfg.Notifier.Notify(notify.SignedOut())
	return nil
}

// Close unsubscribes from the provider, stops the loop and waits for every
// goroutine the manager started. It is safe to call more than once.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		if m.unsubscribe != nil {
			m.unsubscribe()
		}
		m.cancel()
		close(m.done)
		m.loopWG.Wait()
		m.spawned.Wait()
	})
}
