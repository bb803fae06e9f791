package registry

import (
	"fmt"

	"github.com/sysrepo-subs/subscore"
	"github.com/sysrepo-subs/subscore/errs"
	"github.com/sysrepo-subs/subscore/internal/mailbox"
	"github.com/sysrepo-subs/subscore/internal/rwlock"
	"github.com/sysrepo-subs/subscore/internal/shm"
	"github.com/sysrepo-subs/subscore/validate"
)

// ChangeSub is a configuration-change subscription: xpath, module,
// datastore, priority and the opts bitmask (ENABLED/UPDATE/...).
type ChangeSub struct {
	Subscription
	Module    string
	Datastore subcore.Datastore
	XPath     string
	Opts      ChangeOpts
}

// ChangeOpts mirrors the change-subscription option flags (spec.md
// §4.2's "opts" parameter): whether this subscriber wants the UPDATE
// phase and whether it runs against the running datastore's "enabled"
// initial snapshot.
type ChangeOpts struct {
	WantUpdate bool
	Enabled    bool
}

func changeKey(module string, ds subcore.Datastore) groupKey {
	return groupKey(fmt.Sprintf("change|%s|%d", module, ds))
}

// ChangeAdd registers a configuration-change subscription against ds
// (startup/running/candidate/operational). It acquires SUBS in Write
// mode for the duration of the call.
func (c *SubscriptionContext) ChangeAdd(session uint64, module string, xpath string, ds subcore.Datastore, priority subcore.Priority, opts ChangeOpts, ownerRef SessionRef) (subcore.SubID, error) {
	if xpath != "" {
		if err := validate.Change(c.engine, xpath); err != nil {
			return 0, err
		}
	}

	owner := c.owner()
	if err := c.Lock.Lock(rwlock.Write, c.lockTimeout, owner); err != nil {
		return 0, err
	}
	defer c.Lock.Unlock(rwlock.Write, owner)

	key := changeKey(module, ds)
	g, created := c.changeGroups[key]
	var undo []func()
	if !created {
		anchor := c.dir.Module(module).Change[ds]
		g = newGroup(key, anchor, mailbox.Path(module, ds.String(), -1))
		undo = append(undo, func() { g.close() })
	}

	subID := c.nextSubID()
	desc := &shm.Descriptor{CID: c.connCID, SubID: uint32(subID), Priority: uint32(priority), Selector: xpath}
	extent := c.dir.Arena.Alloc(desc)
	undo = append(undo, func() { c.dir.Arena.Free(extent) })

	sub := &ChangeSub{
		Subscription: Subscription{SubID: subID, Session: session, Priority: priority, Selector: xpath, Extent: extent},
		Module:       module,
		Datastore:    ds,
		XPath:        xpath,
		Opts:         opts,
	}

	if err := c.index.insert(indexEntry{SubID: uint64(subID), Kind: subcore.KindChange, GroupKey: string(key), Session: session}); err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return 0, errs.NewError(errs.CodeNoMemory, "registry: failed to index subscription: "+err.Error())
	}

	// Publish last: the group becomes visible to producers only once
	// every fallible step above has succeeded. AddExtent happens under
	// the anchor's own Write lock, taken while SUBS Write is already
	// held (spec.md §5's SUBS-then-per-object order).
	if err := anchorWrite(g.anchor, c.shmLockTimeout, owner, func() { g.anchor.AddExtent(extent) }); err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		_ = c.index.remove(subID)
		return 0, err
	}
	g.subs = append(g.subs, sub)
	c.changeGroups[key] = g
	c.recordOwner(session, ownerRef)

	return subID, nil
}

// ChangeDel removes a change subscription by sub_id, following the
// drain-in-flight / relock protocol of spec.md §4.2. hasLock indicates
// the caller already holds SUBS in ReadUpgrade (set by SessionDel's
// cascade); callers that don't must let this function acquire it.
func (c *SubscriptionContext) ChangeDel(subID subcore.SubID, hasLock bool) error {
	owner := c.owner()
	if !hasLock {
		if err := c.Lock.Lock(rwlock.ReadUpgrade, c.lockTimeout, owner); err != nil {
			return err
		}
		defer c.unlockAny(owner)
	}

	return c.relockOrReturn(owner, c.lockTimeout, func() error {
		for key, g := range c.changeGroups {
			for i, raw := range g.subs {
				sub := raw.(*ChangeSub)
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
					delete(c.changeGroups, key)
				}
				return nil
			}
		}
		return errs.ErrNotFound
	})
}

// ChangeFind locates a change subscription by sub_id.
func (c *SubscriptionContext) ChangeFind(subID subcore.SubID) (*ChangeSub, error) {
	owner := c.owner()
	if err := c.Lock.Lock(rwlock.Read, c.lockTimeout, owner); err != nil {
		return nil, err
	}
	defer c.Lock.Unlock(rwlock.Read, owner)
	for _, g := range c.changeGroups {
		for _, raw := range g.subs {
			if sub := raw.(*ChangeSub); sub.SubID == subID {
				return sub, nil
			}
		}
	}
	return nil, errs.ErrNotFound
}

// changeGroupSubs returns the live subscriptions for (module, ds)
// sorted by descending priority, for the dispatcher in dispatch.go. It
// takes its own Read lock on SUBS.
func (c *SubscriptionContext) changeGroupSubs(module string, ds subcore.Datastore) (*group, []*ChangeSub) {
	owner := c.owner()
	if err := c.Lock.Lock(rwlock.Read, c.lockTimeout, owner); err != nil {
		return nil, nil
	}
	defer c.Lock.Unlock(rwlock.Read, owner)
	g, ok := c.changeGroups[changeKey(module, ds)]
	if !ok {
		return nil, nil
	}
	out := make([]*ChangeSub, 0, len(g.subs))
	for _, raw := range g.subs {
		out = append(out, raw.(*ChangeSub))
	}
	return g, out
}
