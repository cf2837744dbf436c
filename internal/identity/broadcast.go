package identity

import (
	"context"
	"sort"
	"sync"
)

// Broadcaster fans auth-state events out to subscribed listeners.
// Listeners are called synchronously in subscription order.
type Broadcaster struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func(Event, *Session)
}

// Subscribe registers fn and returns a function that removes it.
// Calling the returned function more than once is a no-op.
func (b *Broadcaster) Subscribe(fn func(Event, *Session)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listeners == nil {
		b.listeners = make(map[int]func(Event, *Session))
	}
	id := b.next
	b.next++
	b.listeners[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

// Publish delivers ev to every listener. Each listener receives its own copy
// of the session.
func (b *Broadcaster) Publish(ev Event, sess *Session) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.listeners))
	for id := range b.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event, *Session), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.listeners[id])
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev, copySession(sess))
	}
}

// Len returns the number of subscribed listeners.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

func copySession(s *Session) *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

// LocalClient is an in-process Provider backed directly by a Service.
// It holds at most one session at a time.
type LocalClient struct {
	svc *Service
	bus Broadcaster

	mu      sync.Mutex
	current *Session
}

// NewLocalClient creates a signed-out client for svc.
func NewLocalClient(svc *Service) *LocalClient {
	return &LocalClient{svc: svc}
}

// GetSession returns the held session if it still verifies. A session that
// no longer verifies is dropped.
func (c *LocalClient) GetSession(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, nil
	}
	if _, err := c.svc.Verify(c.current.AccessToken); err != nil {
		c.current = nil
		return nil, nil
	}
	return copySession(c.current), nil
}

// SignInWithPassword signs in and publishes EventSignedIn.
func (c *LocalClient) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	sess, err := c.svc.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.current = &sess
	c.mu.Unlock()
	c.bus.Publish(EventSignedIn, &sess)
	return copySession(&sess), nil
}

// SignOut revokes the held session and publishes EventSignedOut.
func (c *LocalClient) SignOut(ctx context.Context) error {
	c.mu.Lock()
	held := c.current
	c.current = nil
	c.mu.Unlock()
	if held != nil {
		if err := c.svc.SignOut(held.AccessToken); err != nil && err != ErrInvalidToken {
			return err
		}
	}
	c.bus.Publish(EventSignedOut, nil)
	return nil
}

// Refresh exchanges the held session for a new one and publishes
// EventTokenRefreshed.
func (c *LocalClient) Refresh(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	held := c.current
	c.mu.Unlock()
	if held == nil {
		return nil, ErrInvalidToken
	}
	sess, err := c.svc.Refresh(held.AccessToken)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.current = &sess
	c.mu.Unlock()
	c.bus.Publish(EventTokenRefreshed, &sess)
	return copySession(&sess), nil
}

// OnAuthStateChange subscribes fn to auth-state events.
func (c *LocalClient) OnAuthStateChange(fn func(Event, *Session)) func() {
	return c.bus.Subscribe(fn)
}
