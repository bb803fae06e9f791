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

// RPCSub is an RPC/action handler subscription.
type RPCSub struct {
	Subscription
	Path  string
	IsExt bool
}

func rpcKey(canonicalPath string) groupKey {
	return groupKey(fmt.Sprintf("rpc|%s", canonicalPath))
}

func rpcExtKey(module string) groupKey {
	return groupKey(fmt.Sprintf("rpcext|%s", module))
}

// RPCAdd registers an RPC/action subscription. The path is validated
// and canonicalized (predicates stripped); if it resolves to a
// schema-mount extension node, every subscription against that module's
// extension RPCs shares one group keyed by module (routed to
// ModuleRecord.RPCExt), matching the per-module rpc_ext_lock spec.md
// §4.3 describes. Non-extension RPCs each get their own per-path group.
func (c *SubscriptionContext) RPCAdd(session uint64, module, path string, priority subcore.Priority, ownerRef SessionRef) (subcore.SubID, canonical string, err error) {
	canonical, isExt, err := validate.RPC(c.engine, path)
	if err != nil {
		return 0, "", err
	}

	owner := c.owner()
	if err := c.Lock.Lock(rwlock.Write, c.lockTimeout, owner); err != nil {
		return 0, "", err
	}
	defer c.Lock.Unlock(rwlock.Write, owner)

	var key groupKey
	if isExt {
		key = rpcExtKey(module)
	} else {
		key = rpcKey(canonical)
	}

	g, created := c.rpcGroups[key]
	var undo []func()
	if !created {
		var anchor *shm.Anchor
		var mboxPath string
		if isExt {
			anchor = c.dir.Module(module).RPCExt
			mboxPath = mailbox.Path(module, "rpc", mailboxDiscriminator(canonical, 0))
		} else {
			anchor = c.dir.Module(module).RPC(canonical)
			mboxPath = mailbox.Path(module, "rpc", mailboxDiscriminator(canonical, 0))
		}
		g = newGroup(key, anchor, mboxPath)
		undo = append(undo, func() { g.close() })
	}

	subID := c.nextSubID()
	desc := &shm.Descriptor{CID: c.connCID, SubID: uint32(subID), Priority: uint32(priority), Selector: canonical}
	extent := c.dir.Arena.Alloc(desc)
	undo = append(undo, func() { c.dir.Arena.Free(extent) })

	sub := &RPCSub{
		Subscription: Subscription{SubID: subID, Session: session, Priority: priority, Selector: canonical, Extent: extent},
		Path:         canonical,
		IsExt:        isExt,
	}

	if err := c.index.insert(indexEntry{SubID: uint64(subID), Kind: subcore.KindRPC, GroupKey: string(key), Session: session}); err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return 0, "", errs.NewError(errs.CodeNoMemory, "registry: failed to index subscription: "+err.Error())
	}

	if err := anchorWrite(g.anchor, c.shmLockTimeout, owner, func() { g.anchor.AddExtent(extent) }); err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		_ = c.index.remove(subID)
		return 0, "", err
	}
	g.subs = append(g.subs, sub)
	c.rpcGroups[key] = g
	c.recordOwner(session, ownerRef)

	return subID, canonical, nil
}

// RPCDel removes an RPC subscription by sub_id.
func (c *SubscriptionContext) RPCDel(subID subcore.SubID, hasLock bool) error {
	owner := c.owner()
	if !hasLock {
		if err := c.Lock.Lock(rwlock.ReadUpgrade, c.lockTimeout, owner); err != nil {
			return err
		}
		defer c.unlockAny(owner)
	}

	return c.relockOrReturn(owner, c.lockTimeout, func() error {
		for key, g := range c.rpcGroups {
			for i, raw := range g.subs {
				sub := raw.(*RPCSub)
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
					delete(c.rpcGroups, key)
				}
				return nil
			}
		}
		return errs.ErrNotFound
	})
}

// RPCFind locates an RPC subscription by sub_id.
func (c *SubscriptionContext) RPCFind(subID subcore.SubID) (*RPCSub, error) {
	owner := c.owner()
	if err := c.Lock.Lock(rwlock.Read, c.lockTimeout, owner); err != nil {
		return nil, err
	}
	defer c.Lock.Unlock(rwlock.Read, owner)
	for _, g := range c.rpcGroups {
		for _, raw := range g.subs {
			if sub := raw.(*RPCSub); sub.SubID == subID {
				return sub, nil
			}
		}
	}
	return nil, errs.ErrNotFound
}
