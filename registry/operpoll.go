package registry

import (
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/sysrepo-subs/subscore"
	"github.com/sysrepo-subs/subscore/errs"
	"github.com/sysrepo-subs/subscore/internal/rwlock"
	"github.com/sysrepo-subs/subscore/validate"
)

// operPollSub is an operational-data poller (cached pull) subscription.
// Unlike every other kind, it opens no mailbox: polling is a client-side
// timer, not an event-driven path (Design Notes §9, preserved verbatim
// from the original implementation).
type operPollSub struct {
	Subscription
	Module  string
	Path    string
	Class   validate.OperClass
	ValidMS uint32
}

// operPollCacheSize bounds the cached-pull LRU so a pathological number
// of distinct poll paths cannot grow it unbounded; eviction here only
// means the next poll recomputes instead of reusing a cached value.
const operPollCacheSize = 4096

type operPollCacheEntry struct {
	value    any
	cachedAt time.Time
}

// pollCache backs the "cached pull" behavior implied by valid_ms: a
// poller's last fetched value is kept warm for up to ValidMS
// milliseconds so repeated polls inside that window skip re-invoking
// the provider.
var pollCache, _ = lru.New(operPollCacheSize)

func operPollCacheKey(module, path string) string {
	return fmt.Sprintf("%s|%s", module, path)
}

// OperPollAdd registers an operational-data poller.
func (c *SubscriptionContext) OperPollAdd(session uint64, module, path string, validMS uint32, ownerRef SessionRef) (subcore.SubID, error) {
	class, err := validate.Oper(c.engine, path)
	if err != nil {
		return 0, err
	}

	owner := c.owner()
	if err := c.Lock.Lock(rwlock.Write, c.lockTimeout, owner); err != nil {
		return 0, err
	}
	defer c.Lock.Unlock(rwlock.Write, owner)

	subID := c.nextSubID()
	sub := &operPollSub{
		Subscription: Subscription{SubID: subID, Session: session, Selector: path},
		Module:       module,
		Path:         path,
		Class:        class,
		ValidMS:      validMS,
	}

	if err := c.index.insert(indexEntry{SubID: uint64(subID), Kind: subcore.KindOperPoll, GroupKey: module, Session: session}); err != nil {
		return 0, errs.NewError(errs.CodeNoMemory, "registry: failed to index subscription: "+err.Error())
	}

	c.operPollSubs[subID] = sub
	c.recordOwner(session, ownerRef)
	return subID, nil
}

// OperPollDel removes a poller by sub_id.
func (c *SubscriptionContext) OperPollDel(subID subcore.SubID, hasLock bool) error {
	owner := c.owner()
	if !hasLock {
		if err := c.Lock.Lock(rwlock.ReadUpgrade, c.lockTimeout, owner); err != nil {
			return err
		}
		defer c.unlockAny(owner)
	}

	return c.relockOrReturn(owner, c.lockTimeout, func() error {
		sub, ok := c.operPollSubs[subID]
		if !ok {
			return errs.ErrNotFound
		}
		delete(c.operPollSubs, subID)
		_ = c.index.remove(subID)
		pollCache.Remove(operPollCacheKey(sub.Module, sub.Path))
		return nil
	})
}

// OperPollFind locates a poller by sub_id.
func (c *SubscriptionContext) OperPollFind(subID subcore.SubID) (*operPollSub, error) {
	owner := c.owner()
	if err := c.Lock.Lock(rwlock.Read, c.lockTimeout, owner); err != nil {
		return nil, err
	}
	defer c.Lock.Unlock(rwlock.Read, owner)
	sub, ok := c.operPollSubs[subID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return sub, nil
}

// PollFetch returns a cached value for (module, path) if it is still
// within its ValidMS window, otherwise invokes fetch and caches the
// result. This is the "cached pull" the oper-poll kind exists for.
func (c *SubscriptionContext) PollFetch(module, path string, validMS uint32, fetch func() (any, error)) (any, error) {
	key := operPollCacheKey(module, path)
	if raw, ok := pollCache.Get(key); ok {
		entry := raw.(operPollCacheEntry)
		if time.Since(entry.cachedAt) < time.Duration(validMS)*time.Millisecond {
			return entry.value, nil
		}
	}
	value, err := fetch()
	if err != nil {
		return nil, err
	}
	pollCache.Add(key, operPollCacheEntry{value: value, cachedAt: time.Now()})
	return value, nil
}
