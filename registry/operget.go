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

// OperGetSub is an operational-data provider (pull) subscription.
type OperGetSub struct {
	Subscription
	Module string
	Path   string
	Class  validate.OperClass
}

func operGetKey(module, path string, priority subcore.Priority) groupKey {
	return groupKey(fmt.Sprintf("operget|%s|%s|%d", module, path, priority))
}

// OperGetAdd registers an operational-data pull subscription. Unlike
// change groups, an oper-get group is keyed by (module, path, priority)
// — the discriminator spec.md §4.2 hashes into the mailbox path is only
// meaningful if distinct (path, priority) pairs get distinct mailboxes,
// so each is its own group here, typically holding a single
// subscription.
func (c *SubscriptionContext) OperGetAdd(session uint64, module, path string, priority subcore.Priority, ownerRef SessionRef) (subcore.SubID, error) {
	class, err := validate.Oper(c.engine, path)
	if err != nil {
		return 0, err
	}

	owner := c.owner()
	if err := c.Lock.Lock(rwlock.Write, c.lockTimeout, owner); err != nil {
		return 0, err
	}
	defer c.Lock.Unlock(rwlock.Write, owner)

	key := operGetKey(module, path, priority)
	g, created := c.operGetGroups[key]
	var undo []func()
	if !created {
		anchor := c.dir.Module(module).OperGet
		mboxPath := mailbox.Path(module, "oper", mailboxDiscriminator(path, priority))
		g = newGroup(key, anchor, mboxPath)
		undo = append(undo, func() { g.close() })
	}

	subID := c.nextSubID()
	desc := &shm.Descriptor{CID: c.connCID, SubID: uint32(subID), Priority: uint32(priority), Selector: path}
	extent := c.dir.Arena.Alloc(desc)
	undo = append(undo, func() { c.dir.Arena.Free(extent) })

	sub := &OperGetSub{
		Subscription: Subscription{SubID: subID, Session: session, Priority: priority, Selector: path, Extent: extent},
		Module:       module,
		Path:         path,
		Class:        class,
	}

	if err := c.index.insert(indexEntry{SubID: uint64(subID), Kind: subcore.KindOperGet, GroupKey: string(key), Session: session}); err != nil {
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
	c.operGetGroups[key] = g
	c.recordOwner(session, ownerRef)

	return subID, nil
}

// OperGetDel removes an oper-get subscription by sub_id.
func (c *SubscriptionContext) OperGetDel(subID subcore.SubID, hasLock bool) error {
	owner := c.owner()
	if !hasLock {
		if err := c.Lock.Lock(rwlock.ReadUpgrade, c.lockTimeout, owner); err != nil {
			return err
		}
		defer c.unlockAny(owner)
	}

	return c.relockOrReturn(owner, c.lockTimeout, func() error {
		for key, g := range c.operGetGroups {
			for i, raw := range g.subs {
				sub := raw.(*OperGetSub)
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
					delete(c.operGetGroups, key)
				}
				return nil
			}
		}
		return errs.ErrNotFound
	})
}

// OperGetFind locates an oper-get subscription by sub_id.
func (c *SubscriptionContext) OperGetFind(subID subcore.SubID) (*OperGetSub, error) {
	owner := c.owner()
	if err := c.Lock.Lock(rwlock.Read, c.lockTimeout, owner); err != nil {
		return nil, err
	}
	defer c.Lock.Unlock(rwlock.Read, owner)
	for _, g := range c.operGetGroups {
		for _, raw := range g.subs {
			if sub := raw.(*OperGetSub); sub.SubID == subID {
				return sub, nil
			}
		}
	}
	return nil, errs.ErrNotFound
}
