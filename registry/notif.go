package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/sysrepo-subs/subscore"
	"github.com/sysrepo-subs/subscore/errs"
	"github.com/sysrepo-subs/subscore/internal/mailbox"
	"github.com/sysrepo-subs/subscore/internal/rwlock"
	"github.com/sysrepo-subs/subscore/internal/shm"
	"github.com/sysrepo-subs/subscore/validate"
)

// NotifSub is a notification-listener subscription.
type NotifSub struct {
	Subscription
	Module          string
	XPath           string
	ListenSinceReal time.Time
	ListenSinceMono time.Time
	Start           time.Time
	Stop            time.Time // zero means "no expiry"
}

func notifKey(module string) groupKey {
	return groupKey(fmt.Sprintf("notif|%s", module))
}

// Live reports whether now falls in [Start, Stop]; a zero Stop means no
// upper bound.
func (s *NotifSub) Live(now time.Time) bool {
	if now.Before(s.Start) {
		return false
	}
	if !s.Stop.IsZero() && now.After(s.Stop) {
		return false
	}
	return true
}

// NotifAdd registers a notification-listener subscription.
func (c *SubscriptionContext) NotifAdd(session uint64, module, xpath string, start, stop time.Time, ownerRef SessionRef) (subcore.SubID, error) {
	if err := validate.Notif(c.engine, module, xpath); err != nil {
		return 0, err
	}

	owner := c.owner()
	if err := c.Lock.Lock(rwlock.Write, c.lockTimeout, owner); err != nil {
		return 0, err
	}
	defer c.Lock.Unlock(rwlock.Write, owner)

	key := notifKey(module)
	g, created := c.notifGroups[key]
	var undo []func()
	if !created {
		anchor := c.dir.Module(module).Notif
		g = newGroup(key, anchor, mailbox.Path(module, "notif", -1))
		undo = append(undo, func() { g.close() })
	}

	subID := c.nextSubID()
	desc := &shm.Descriptor{CID: c.connCID, SubID: uint32(subID), Selector: xpath}
	extent := c.dir.Arena.Alloc(desc)
	// This is the fix for the source's mem[3] rollback bug (Design
	// Notes §9, Open Question #2): every undo step pushed here runs on
	// any later failure, including ones that in the original only had a
	// SR_CHECK_MEM_RET bail-out that skipped freeing this extent.
	undo = append(undo, func() { c.dir.Arena.Free(extent) })

	now := time.Now()
	sub := &NotifSub{
		Subscription:    Subscription{SubID: subID, Session: session, Selector: xpath, Extent: extent},
		Module:          module,
		XPath:           xpath,
		ListenSinceReal: now,
		ListenSinceMono: now,
		Start:           start,
		Stop:            stop,
	}

	if err := c.index.insert(indexEntry{SubID: uint64(subID), Kind: subcore.KindNotif, GroupKey: string(key), Session: session}); err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return 0, errs.NewError(errs.CodeNoMemory, "registry: failed to index subscription: "+err.Error())
	}

	if err := anchorWrite(g.anchor, c.shmLockTimeout, owner, func() { g.anchor.AddExtent(extent) }); err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		_ = c.index.remove(subID)
		return 0, err
	}
	g.subs = append(g.subs, sub)
	c.notifGroups[key] = g
	c.recordOwner(session, ownerRef)

	return subID, nil
}

// NotifDel removes a notification subscription by sub_id. It does not
// itself emit a TERMINATED signal — that is only synthetic on context
// teardown (Destroy) and stop-time expiry (housekeeper); a plain
// unsubscribe is a graceful cancellation, not a termination.
func (c *SubscriptionContext) NotifDel(subID subcore.SubID, hasLock bool) error {
	owner := c.owner()
	if !hasLock {
		if err := c.Lock.Lock(rwlock.ReadUpgrade, c.lockTimeout, owner); err != nil {
			return err
		}
		defer c.unlockAny(owner)
	}
	return c.relockOrReturn(owner, c.lockTimeout, func() error {
		return c.notifDelLocked(subID, owner)
	})
}

func (c *SubscriptionContext) notifDelLocked(subID subcore.SubID, owner rwlock.Owner) error {
	for key, g := range c.notifGroups {
		for i, raw := range g.subs {
			sub := raw.(*NotifSub)
			if sub.SubID != subID {
				continue
			}
			g.mbox.Unregister(uint32(subID))
			_ = anchorWrite(g.anchor, c.shmLockTimeout, owner, func() { g.anchor.RemoveExtent(sub.Extent) })
			c.dir.Arena.Free(sub.Extent)
			_ = c.index.remove(subID)

			last := len(g.subs) - 1
			g.subs[i] = g.subs[last]
			g.subs = g.subs[:last]
			if len(g.subs) == 0 {
				g.close()
				delete(c.notifGroups, key)
			}
			return nil
		}
	}
	return errs.ErrNotFound
}

// NotifFind locates a notification subscription by sub_id.
func (c *SubscriptionContext) NotifFind(subID subcore.SubID) (*NotifSub, error) {
	owner := c.owner()
	if err := c.Lock.Lock(rwlock.Read, c.lockTimeout, owner); err != nil {
		return nil, err
	}
	defer c.Lock.Unlock(rwlock.Read, owner)
	for _, g := range c.notifGroups {
		for _, raw := range g.subs {
			if sub := raw.(*NotifSub); sub.SubID == subID {
				return sub, nil
			}
		}
	}
	return nil, errs.ErrNotFound
}

// ExpireStopped scans every notif group for subscriptions whose Stop
// has passed, sends each a synthetic TERMINATED reply, and removes it,
// via the three-phase drain/deliver/finalize dance (spec.md §4.2) since
// expiry — like Destroy — synthesizes a terminal notification rather
// than performing a plain unsubscribe.
func (c *SubscriptionContext) ExpireStopped(now time.Time) []subcore.SubID {
	owner := c.owner()
	if err := c.Lock.Lock(rwlock.ReadUpgrade, c.lockTimeout, owner); err != nil {
		return nil
	}
	defer c.unlockAny(owner)

	var expired []*NotifSub
	for _, g := range c.notifGroups {
		for _, raw := range g.subs {
			sub := raw.(*NotifSub)
			if !sub.Stop.IsZero() && now.After(sub.Stop) {
				expired = append(expired, sub)
			}
		}
	}

	var removed []subcore.SubID
	for _, sub := range expired {
		g, ok := c.notifGroups[notifKey(sub.Module)]
		err := c.relockDrainDeliverFinalize(owner, c.lockTimeout,
			func() {},
			func() {
				if ok {
					deliverTerminatedOne(g, sub.SubID)
				}
			},
			func() error { return c.notifDelLocked(sub.SubID, owner) },
		)
		if err != nil {
			break
		}
		removed = append(removed, sub.SubID)
	}
	return removed
}

// deliverTerminated sends a synthetic TERMINATED event to every
// subscriber still registered in g, used on full context teardown.
func deliverTerminated(g *group) {
	if g.mbox == nil {
		return
	}
	targets := make([]uint32, 0, len(g.subs))
	for _, raw := range g.subs {
		targets = append(targets, uint32(raw.(*NotifSub).SubID))
	}
	if len(targets) == 0 {
		return
	}
	_, _ = g.mbox.Deliver(context.Background(), mailbox.EventTerminated, targets, nil, time.Second)
}

func deliverTerminatedOne(g *group, subID subcore.SubID) {
	if g.mbox == nil {
		return
	}
	_, _ = g.mbox.Deliver(context.Background(), mailbox.EventTerminated, []uint32{uint32(subID)}, nil, time.Second)
}
