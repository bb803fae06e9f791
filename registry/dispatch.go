package registry

import (
	"context"
	"sort"
	"time"

	"github.com/sysrepo-subs/subscore"
	"github.com/sysrepo-subs/subscore/errs"
	"github.com/sysrepo-subs/subscore/internal/mailbox"
	"github.com/sysrepo-subs/subscore/internal/rwlock"
)

// ChangeResult is the outcome of one DispatchChange call.
type ChangeResult struct {
	Aborted bool
	Replies map[uint32]mailbox.Reply
}

// DispatchChange runs the full change-event lifecycle (spec.md §4.4) for
// one module+datastore: an optional sequential UPDATE phase, then
// priority-bucketed parallel CHANGE phases with abort-on-failure, then a
// best-effort DONE phase. Grounded on the teacher's eventbus publish
// loop (per-subscriber fan-out, wait, then advance), generalized to
// sysrepo's multi-phase protocol.
func (c *SubscriptionContext) DispatchChange(ctx context.Context, module string, ds subcore.Datastore, payload any, timeout time.Duration) (*ChangeResult, error) {
	g, subs := c.changeGroupSubs(module, ds)
	if g == nil || len(subs) == 0 {
		return &ChangeResult{}, nil
	}
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].Priority > subs[j].Priority })

	for _, sub := range subs {
		if !sub.Opts.WantUpdate || sub.suspended.Get() {
			continue
		}
		replies, err := g.mbox.Deliver(ctx, mailbox.EventUpdate, []uint32{uint32(sub.SubID)}, payload, timeout)
		if err != nil {
			return &ChangeResult{Replies: replies}, err
		}
		if r := replies[uint32(sub.SubID)]; r.Outcome == mailbox.OutcomeFailed {
			return &ChangeResult{Replies: replies}, errs.ErrCallbackFailed
		}
	}

	allReplies := make(map[uint32]mailbox.Reply, len(subs))
	succeeded := make([]uint32, 0, len(subs))
	for _, bucket := range bucketChangeByPriority(subs) {
		targets := liveChangeTargets(bucket)
		if len(targets) == 0 {
			continue
		}
		replies, _ := g.mbox.Deliver(ctx, mailbox.EventChange, targets, payload, timeout)
		failed := false
		for _, t := range targets {
			r := replies[t]
			allReplies[t] = r
			switch r.Outcome {
			case mailbox.OutcomeOK:
				succeeded = append(succeeded, t)
			case mailbox.OutcomeFailed:
				failed = true
			}
		}
		if failed {
			// ABORT fans out only to subscribers that already
			// succeeded on CHANGE, highest priority first; the
			// subscriber that failed is never aborted (spec.md §3).
			for _, id := range succeeded {
				_, _ = g.mbox.Deliver(ctx, mailbox.EventAbort, []uint32{id}, payload, timeout)
			}
			return &ChangeResult{Aborted: true, Replies: allReplies}, errs.ErrCallbackFailed
		}
	}

	if len(succeeded) > 0 {
		_, _ = g.mbox.Deliver(ctx, mailbox.EventDone, succeeded, payload, timeout)
	}
	return &ChangeResult{Replies: allReplies}, nil
}

func bucketChangeByPriority(subs []*ChangeSub) [][]*ChangeSub {
	var buckets [][]*ChangeSub
	var cur []*ChangeSub
	for i, s := range subs {
		if i > 0 && s.Priority != subs[i-1].Priority {
			buckets = append(buckets, cur)
			cur = nil
		}
		cur = append(cur, s)
	}
	if len(cur) > 0 {
		buckets = append(buckets, cur)
	}
	return buckets
}

func liveChangeTargets(bucket []*ChangeSub) []uint32 {
	out := make([]uint32, 0, len(bucket))
	for _, s := range bucket {
		if !s.suspended.Get() {
			out = append(out, uint32(s.SubID))
		}
	}
	return out
}

// DispatchRPC runs the single priority-ordered RPC lifecycle, lowest
// priority first: the first failed reply stops delivery to the later
// subscribers and sends ABORT to the earlier successful ones.
func (c *SubscriptionContext) DispatchRPC(ctx context.Context, canonicalPath string, isExt bool, module string, payload any, timeout time.Duration) (map[uint32]mailbox.Reply, error) {
	owner := c.owner()
	if err := c.Lock.Lock(rwlock.Read, c.lockTimeout, owner); err != nil {
		return nil, err
	}
	var g *group
	if isExt {
		g = c.rpcGroups[rpcExtKey(module)]
	} else {
		g = c.rpcGroups[rpcKey(canonicalPath)]
	}
	var subs []*RPCSub
	if g != nil {
		subs = make([]*RPCSub, 0, len(g.subs))
		for _, raw := range g.subs {
			subs = append(subs, raw.(*RPCSub))
		}
	}
	c.Lock.Unlock(rwlock.Read, owner)
	if g == nil || len(subs) == 0 {
		return nil, nil
	}
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].Priority < subs[j].Priority })

	allReplies := make(map[uint32]mailbox.Reply, len(subs))
	succeeded := make([]uint32, 0, len(subs))
	for _, sub := range subs {
		if sub.suspended.Get() {
			continue
		}
		replies, _ := g.mbox.Deliver(ctx, mailbox.EventRPC, []uint32{uint32(sub.SubID)}, payload, timeout)
		r := replies[uint32(sub.SubID)]
		allReplies[uint32(sub.SubID)] = r
		if r.Outcome == mailbox.OutcomeFailed {
			if len(succeeded) > 0 {
				_, _ = g.mbox.Deliver(ctx, mailbox.EventAbort, succeeded, payload, timeout)
			}
			return allReplies, errs.ErrCallbackFailed
		}
		succeeded = append(succeeded, uint32(sub.SubID))
	}
	return allReplies, nil
}

// DispatchNotif fans NOTIF out to every live subscriber (suspended
// excluded) whose window [Start, Stop] contains now. It is
// fire-and-forget: the caller does not need to inspect replies beyond
// logging, unlike change/RPC.
//
// Subscriber xpath matching here is exact-match-or-module-wide, a
// simplification of the schema-backed xpath selection validate.Notif
// already performed at subscribe time; full predicate evaluation
// against the event payload is the schema engine's job, out of scope
// for this module (spec.md §1).
func (c *SubscriptionContext) DispatchNotif(ctx context.Context, module, xpath string, payload any, timeout time.Duration, now time.Time) (map[uint32]mailbox.Reply, error) {
	owner := c.owner()
	if err := c.Lock.Lock(rwlock.Read, c.lockTimeout, owner); err != nil {
		return nil, err
	}
	g, ok := c.notifGroups[notifKey(module)]
	var targets []uint32
	if ok {
		for _, raw := range g.subs {
			sub := raw.(*NotifSub)
			if sub.suspended.Get() || !sub.Live(now) {
				continue
			}
			if sub.XPath != "" && sub.XPath != xpath {
				continue
			}
			targets = append(targets, uint32(sub.SubID))
		}
	}
	c.Lock.Unlock(rwlock.Read, owner)
	if !ok || len(targets) == 0 {
		return nil, nil
	}
	return g.mbox.Deliver(ctx, mailbox.EventNotif, targets, payload, timeout)
}
