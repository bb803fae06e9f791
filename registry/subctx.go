package registry

import (
	"sync"
	"time"

	"github.com/sysrepo-subs/subscore"
	"github.com/sysrepo-subs/subscore/errs"
	"github.com/sysrepo-subs/subscore/internal/rwlock"
	"github.com/sysrepo-subs/subscore/internal/schema"
	"github.com/sysrepo-subs/subscore/internal/shm"
)

// SessionRef is the narrow interface a Session implements so a
// SubscriptionContext can notify it of teardown without importing the
// session package — the two-sided weak-reference pattern for the
// session <-> subscription-context cycle (Design Notes §9). The context
// never holds a strong, typed reference to a Session; it only ever
// calls Detach on the owners it has seen, to remove the other side's
// link, never to read or free memory the session owns.
type SessionRef interface {
	Detach(ctx *SubscriptionContext)
}

// defaultLockTimeout is used by New when the caller never overrides it
// via SetLockTimeouts, matching config.Default's subscr_lock_timeout.
const defaultLockTimeout = 5 * time.Second

// SubscriptionContext is the per-client aggregate of spec.md §3: five
// kind-tables of module-groups (oper-poll has no mailbox, per the
// preserved asymmetry), a single SUBS rwlock protecting the whole
// aggregate, and the sub_id auxiliary index. Every map below is SUBS-
// protected: Add acquires Write, Find acquires Read, Del acquires
// ReadUpgrade and performs its own brief relock to Write.
type SubscriptionContext struct {
	Lock *rwlock.RWLock

	dir     *shm.ModuleDirectory
	engine  schema.Engine
	connCID uint64

	lockTimeout    time.Duration // SUBS lock timeout (subscr_lock_timeout)
	shmLockTimeout time.Duration // per-object ext-SHM lock timeout (shmext_sub_lock_timeout)

	changeGroups  map[groupKey]*group
	operGetGroups map[groupKey]*group
	operPollSubs  map[subcore.SubID]*operPollSub
	notifGroups   map[groupKey]*group
	rpcGroups     map[groupKey]*group

	lastSubID subcore.SubID
	index     *subIndex

	ownersMu sync.Mutex
	owners   map[uint64]SessionRef
}

// New creates an empty Subscription Context attached to dir (the
// module SHM simulation) and engine (the schema collaborator). connCID
// identifies the owning connection for ext-SHM descriptors and is also
// used as the rwlock Owner tag for both the SUBS lock and every
// per-object ext-SHM lock this context touches.
func New(dir *shm.ModuleDirectory, engine schema.Engine, connCID uint64) *SubscriptionContext {
	return &SubscriptionContext{
		Lock:           rwlock.New(),
		dir:            dir,
		engine:         engine,
		connCID:        connCID,
		lockTimeout:    defaultLockTimeout,
		shmLockTimeout: defaultLockTimeout,
		changeGroups:   make(map[groupKey]*group),
		operGetGroups:  make(map[groupKey]*group),
		operPollSubs:   make(map[subcore.SubID]*operPollSub),
		notifGroups:    make(map[groupKey]*group),
		rpcGroups:      make(map[groupKey]*group),
		index:          newSubIndex(),
		owners:         make(map[uint64]SessionRef),
	}
}

// SetLockTimeouts overrides the SUBS and per-object ext-SHM lock
// timeouts from their 5s default, for callers wiring in config.Config's
// subscr_lock_timeout / shmext_sub_lock_timeout.
func (c *SubscriptionContext) SetLockTimeouts(subscr, shmext time.Duration) {
	c.lockTimeout = subscr
	c.shmLockTimeout = shmext
}

// owner is this context's rwlock.Owner tag, shared by the SUBS lock and
// every per-object ext-SHM lock it acquires.
func (c *SubscriptionContext) owner() rwlock.Owner {
	return rwlock.Owner(c.connCID)
}

// unlockAny releases whichever of {Write, ReadUpgrade, Read} owner
// still holds. A relock dance that fails partway can leave the caller
// holding a different mode than the one it started with (spec.md §4.2:
// a failed relock leaves the mode exactly where rwlock left it), so
// cleanup can't assume a fixed mode to release.
func (c *SubscriptionContext) unlockAny(owner rwlock.Owner) {
	for _, m := range [...]rwlock.Mode{rwlock.Write, rwlock.ReadUpgrade, rwlock.Read} {
		if c.Lock.Unlock(m, owner) == nil {
			return
		}
	}
}

func (c *SubscriptionContext) nextSubID() subcore.SubID {
	c.lastSubID++
	return c.lastSubID
}

// recordOwner remembers session as an owner of at least one
// subscription in this context, and registers ref so Destroy can
// Detach every owner it has seen. A session already recorded is a
// no-op: the weak-reference set is per-session, not per-subscription.
func (c *SubscriptionContext) recordOwner(session uint64, ref SessionRef) {
	if ref == nil {
		return
	}
	c.ownersMu.Lock()
	defer c.ownersMu.Unlock()
	c.owners[session] = ref
}

// forgetOwnerIfIdle drops the weak back-reference for session once it
// no longer owns any subscription in this context. It does not check
// the index itself; SessionDel calls it only after every one of the
// session's subscriptions has been removed.
func (c *SubscriptionContext) forgetOwnerIfIdle(session uint64) {
	c.ownersMu.Lock()
	defer c.ownersMu.Unlock()
	delete(c.owners, session)
}

// Destroy tears down the whole context in two lock phases: every
// notification subscription gets a synthetic TERMINATED delivery while
// SUBS is only held at READ-UPGRADE, then relockOrReturn upgrades to
// WRITE and every group (including change/oper-get/rpc, which have no
// terminal notification of their own) is closed and cleared. There is
// no separate WRITE drain phase before the delivery. Every
// owning session's weak back-reference is detached last, without
// touching the session's own memory.
func (c *SubscriptionContext) Destroy() {
	owner := c.owner()
	if err := c.Lock.Lock(rwlock.ReadUpgrade, c.lockTimeout, owner); err != nil {
		return
	}
	defer c.unlockAny(owner)

	for _, g := range c.notifGroups {
		deliverTerminated(g)
	}

	_ = c.relockOrReturn(owner, c.lockTimeout, func() error {
		for _, g := range c.notifGroups {
			g.close()
		}
		for _, g := range c.changeGroups {
			g.close()
		}
		for _, g := range c.operGetGroups {
			g.close()
		}
		for _, g := range c.rpcGroups {
			g.close()
		}
		c.changeGroups = map[groupKey]*group{}
		c.operGetGroups = map[groupKey]*group{}
		c.operPollSubs = map[subcore.SubID]*operPollSub{}
		c.notifGroups = map[groupKey]*group{}
		c.rpcGroups = map[groupKey]*group{}
		return nil
	})

	c.ownersMu.Lock()
	owners := make([]SessionRef, 0, len(c.owners))
	for _, ref := range c.owners {
		owners = append(owners, ref)
	}
	c.owners = map[uint64]SessionRef{}
	c.ownersMu.Unlock()

	for _, ref := range owners {
		ref.Detach(c)
	}
}

// SessionCount returns the number of subscriptions owned by session
// across every kind, via the auxiliary index.
func (c *SubscriptionContext) SessionCount(session uint64) int {
	return len(c.index.bySession(session))
}

// SessionDel cascades removal of every subscription owned by session,
// across all five kinds, then forgets the weak back-reference. It
// acquires SUBS in READ-UPGRADE itself and holds it for the whole
// cascade; each kind's *Del call (hasLock=true) performs its own brief
// relock to WRITE as documented in spec.md §4.2, skipping the
// READ-UPGRADE acquisition it would otherwise need (reacquiring
// READ-UPGRADE while already holding it would deadlock).
func (c *SubscriptionContext) SessionDel(session uint64) error {
	owner := c.owner()
	if err := c.Lock.Lock(rwlock.ReadUpgrade, c.lockTimeout, owner); err != nil {
		return err
	}
	defer c.unlockAny(owner)

	entries := c.index.bySession(session)
	for _, e := range entries {
		var err error
		switch e.Kind {
		case subcore.KindChange:
			err = c.ChangeDel(subcore.SubID(e.SubID), true)
		case subcore.KindOperGet:
			err = c.OperGetDel(subcore.SubID(e.SubID), true)
		case subcore.KindOperPoll:
			err = c.OperPollDel(subcore.SubID(e.SubID), true)
		case subcore.KindNotif:
			err = c.NotifDel(subcore.SubID(e.SubID), true)
		case subcore.KindRPC:
			err = c.RPCDel(subcore.SubID(e.SubID), true)
		}
		if err != nil && err != errs.ErrNotFound {
			return err
		}
	}
	c.forgetOwnerIfIdle(session)
	return nil
}

// relockOrReturn performs the WRITE<->READ-UPGRADE dance every remove
// path needs (spec.md §4.2: "after each relock the function must
// re-validate the current lock mode because relock may fail"). It
// upgrades to WRITE, runs fn, then relocks back to READ-UPGRADE; if
// either relock times out the caller's lock mode is whatever rwlock
// left it at, and that error propagates unchanged.
func (c *SubscriptionContext) relockOrReturn(owner rwlock.Owner, timeout time.Duration, fn func() error) error {
	if err := c.Lock.Relock(rwlock.ReadUpgrade, rwlock.Write, timeout, owner); err != nil {
		return err
	}
	fnErr := fn()
	if err := c.Lock.Relock(rwlock.Write, rwlock.ReadUpgrade, timeout, owner); err != nil {
		if fnErr != nil {
			return fnErr
		}
		return err
	}
	return fnErr
}

// relockDrainDeliverFinalize performs the three-phase dance spec.md
// §4.2 describes for a remove that must emit a synthetic terminal
// notification rather than a plain unsubscribe (used by stop-time
// expiry): upgrade to WRITE and drain, downgrade to
// READ-UPGRADE and deliver TERMINATED, upgrade to WRITE again and
// finalize the removal, then downgrade back to READ-UPGRADE. The
// caller must already hold READ-UPGRADE and still holds it on return,
// success or failure; each relock's error is re-checked before moving
// to the next phase, so a timeout partway leaves the lock exactly where
// rwlock left it rather than assuming the dance completed.
func (c *SubscriptionContext) relockDrainDeliverFinalize(owner rwlock.Owner, timeout time.Duration, drain, deliver func(), finalize func() error) error {
	if err := c.Lock.Relock(rwlock.ReadUpgrade, rwlock.Write, timeout, owner); err != nil {
		return err
	}
	drain()
	if err := c.Lock.Relock(rwlock.Write, rwlock.ReadUpgrade, timeout, owner); err != nil {
		return err
	}
	deliver()
	if err := c.Lock.Relock(rwlock.ReadUpgrade, rwlock.Write, timeout, owner); err != nil {
		return err
	}
	finalizeErr := finalize()
	if err := c.Lock.Relock(rwlock.Write, rwlock.ReadUpgrade, timeout, owner); err != nil {
		if finalizeErr != nil {
			return finalizeErr
		}
		return err
	}
	return finalizeErr
}
