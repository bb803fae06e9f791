package registry

import (
	"github.com/sysrepo-subs/subscore"
	"github.com/sysrepo-subs/subscore/internal/rwlock"
)

// SubSummary is a read-only view of one concrete subscription, for the
// admin introspection surface. It deliberately does not expose
// callbacks or private data.
type SubSummary struct {
	SubID    subcore.SubID `json:"sub_id"`
	Kind     subcore.Kind  `json:"kind"`
	Group    string        `json:"group"`
	Selector string        `json:"selector"`
	Priority subcore.Priority `json:"priority"`
}

// Snapshot lists every live subscription in this context across all
// five kinds, for read-only introspection (never for making locking
// decisions: the view is stale the instant it is returned).
func (c *SubscriptionContext) Snapshot() []SubSummary {
	owner := c.owner()
	if err := c.Lock.Lock(rwlock.Read, c.lockTimeout, owner); err != nil {
		return nil
	}
	defer c.Lock.Unlock(rwlock.Read, owner)

	var out []SubSummary
	for key, g := range c.changeGroups {
		for _, raw := range g.subs {
			s := raw.(*ChangeSub)
			out = append(out, SubSummary{SubID: s.SubID, Kind: subcore.KindChange, Group: string(key), Selector: s.XPath, Priority: s.Priority})
		}
	}
	for key, g := range c.operGetGroups {
		for _, raw := range g.subs {
			s := raw.(*OperGetSub)
			out = append(out, SubSummary{SubID: s.SubID, Kind: subcore.KindOperGet, Group: string(key), Selector: s.Path, Priority: s.Priority})
		}
	}
	for _, s := range c.operPollSubs {
		out = append(out, SubSummary{SubID: s.SubID, Kind: subcore.KindOperPoll, Group: s.Module, Selector: s.Path})
	}
	for key, g := range c.notifGroups {
		for _, raw := range g.subs {
			s := raw.(*NotifSub)
			out = append(out, SubSummary{SubID: s.SubID, Kind: subcore.KindNotif, Group: string(key), Selector: s.XPath})
		}
	}
	for key, g := range c.rpcGroups {
		for _, raw := range g.subs {
			s := raw.(*RPCSub)
			out = append(out, SubSummary{SubID: s.SubID, Kind: subcore.KindRPC, Group: string(key), Selector: s.Path, Priority: s.Priority})
		}
	}
	return out
}
