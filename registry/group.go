// Package registry implements the subscription registry: the per-client
// aggregate of active subscriptions grouped by kind and by module (or
// RPC path), with add/remove/find operations under the lock discipline
// and publish-last rollback described for a Subscription Context.
package registry

import (
	"fmt"
	"time"

	"github.com/sysrepo-subs/subscore"
	"github.com/sysrepo-subs/subscore/internal/mailbox"
	"github.com/sysrepo-subs/subscore/internal/rwlock"
	"github.com/sysrepo-subs/subscore/internal/shm"
)

// groupKey identifies a module-group: module name (+ datastore for
// change), or the canonical RPC path for rpc groups.
type groupKey string

// Subscription is one concrete subscription: the fields common to all
// five kinds. Kind-specific fields live in the *Sub wrapper types in
// change.go/operget.go/operpoll.go/notif.go/rpc.go.
type Subscription struct {
	SubID    subcore.SubID
	Session  uint64
	Priority subcore.Priority
	Selector string
	Extent   shm.Extent

	suspended boolFlag
}

// boolFlag avoids importing sync/atomic into every kind-specific record;
// group-level mutation already happens under the SUBS lock, so a plain
// bool guarded by the caller's lock discipline is enough here (the
// ext-SHM descriptor, not this in-process record, is what concurrent
// producers read lock-free — see shm.Descriptor.Suspended).
type boolFlag struct{ v bool }

func (b *boolFlag) Set(v bool) { b.v = v }
func (b *boolFlag) Get() bool  { return b.v }

// group is the lazily-created, lazily-destroyed aggregate shared by
// every concrete subscription with the same (kind, module[, datastore])
// or RPC-path key: its own ext-SHM anchor and mailbox.
type group struct {
	key     groupKey
	anchor  *shm.Anchor
	mbox    *mailbox.Mailbox
	mboxKey string

	// subs holds the kind-specific subscription records, stored as
	// `any` here and type-asserted by the kind-specific Add/Del/Find
	// in change.go etc. so this one group type serves all five kinds
	// exactly like the module-group in spec.md §3.
	subs []any
}

func newGroup(key groupKey, anchor *shm.Anchor, mboxKey string) *group {
	return &group{key: key, anchor: anchor, mbox: mailbox.Open(mboxKey), mboxKey: mboxKey}
}

// close releases this group's mailbox handle. Call only once the last
// subscription in the group has been removed. A group with no mailbox
// (oper-poll has none, per the preserved asymmetry) is a no-op.
func (g *group) close() {
	if g.mbox != nil {
		g.mbox.Close()
	}
}

// mailboxDiscriminator hashes (selector, priority) into the discriminator
// sysrepo's mailbox path convention appends for oper-get and RPC groups
// (spec.md §6); change and notif pass -1 and get no hash segment.
func mailboxDiscriminator(selector string, priority subcore.Priority) int64 {
	h := fnv32(selector) ^ uint32(priority)
	return int64(h)
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

func rollbackf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}

// anchorWrite takes a's per-object ext-SHM lock in Write mode and runs
// fn with it held, releasing it before returning. Call sites only reach
// this while SUBS is already held (Write for an add, the Write phase of
// a remove's relock dance for a removal), preserving the SUBS-then-
// per-object lock order spec.md §5 documents.
func anchorWrite(a *shm.Anchor, timeout time.Duration, owner rwlock.Owner, fn func()) error {
	if err := a.Lock.Lock(rwlock.Write, timeout, owner); err != nil {
		return err
	}
	defer a.Lock.Unlock(rwlock.Write, owner)
	fn()
	return nil
}
