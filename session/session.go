// Package session implements the Session entity of spec.md §3: a
// session belongs to one Connection, carries the datastore a
// subscription operation is scoped to (it carries no event-type tag),
// and holds weak
// back-references to every SubscriptionContext it has added
// subscriptions into, purely to cascade teardown when the session
// itself closes.
package session

import (
	"sync"

	"github.com/sysrepo-subs/subscore"
	"github.com/sysrepo-subs/subscore/conn"
	"github.com/sysrepo-subs/subscore/registry"
)

// ID uniquely identifies a session, used as the `session` owner key the
// registry's sub_id index groups by for SessionDel cascades.
type ID uint64

// Session belongs to one Connection and is scoped to one Datastore.
type Session struct {
	ID        ID
	Conn      *conn.Connection
	Datastore subcore.Datastore

	mu       sync.Mutex
	contexts map[*registry.SubscriptionContext]struct{}
	closed   bool
}

// New creates a session scoped to ds on c.
func New(id ID, c *conn.Connection, ds subcore.Datastore) *Session {
	return &Session{
		ID:        id,
		Conn:      c,
		Datastore: ds,
		contexts:  make(map[*registry.SubscriptionContext]struct{}),
	}
}

// Attach records that this session has added at least one subscription
// to ctx, so Close knows to cascade a SessionDel into it. Safe to call
// more than once for the same ctx.
func (s *Session) Attach(ctx *registry.SubscriptionContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.contexts[ctx] = struct{}{}
}

// Detach implements registry.SessionRef: called by a SubscriptionContext
// tearing itself down, to remove this session's back-reference without
// touching anything the context owns. It must never be called by the
// session itself — that would be the strong-ownership direction the
// weak-reference pattern is built to avoid.
func (s *Session) Detach(ctx *registry.SubscriptionContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, ctx)
}

// Close cascades removal of every subscription this session owns,
// across every SubscriptionContext it has touched, then clears its own
// back-references. It does not destroy any SubscriptionContext — those
// are owned by their Connection, not by sessions.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	contexts := make([]*registry.SubscriptionContext, 0, len(s.contexts))
	for ctx := range s.contexts {
		contexts = append(contexts, ctx)
	}
	s.contexts = nil
	s.mu.Unlock()

	var firstErr error
	for _, ctx := range contexts {
		if err := ctx.SessionDel(uint64(s.ID)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
