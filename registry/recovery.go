package registry

import (
	"time"

	"github.com/sysrepo-subs/subscore/internal/rwlock"
	"github.com/sysrepo-subs/subscore/internal/shm"
)

// RecoveryOwner is the rwlock.Owner tag a dead-subscriber sweep locks
// anchors under. It is the all-ones uint64, a value conn.NextCID's
// sequential counter (which starts at 1) will never reach, so a sweep's
// own Write hold can never be confused with a real connection's.
const RecoveryOwner rwlock.Owner = ^rwlock.Owner(0)

// Reclaimed describes one ext-SHM descriptor a recovery sweep freed
// because its owning connection had gone dead.
type Reclaimed struct {
	Module string
	SubID  uint32
	CID    uint64
}

// RecoverDead walks every anchor in dir, across every installed module,
// and reclaims any descriptor whose owning connection fails the alive
// check: the anchor's extent is dropped, the arena slot is freed, and
// any lock the dead connection's owner tag still held anywhere in the
// directory is force-released. Each anchor is visited under its own
// Write lock, taken in isolation (never while any SUBS lock is held),
// since a sweep is not acting on behalf of any single subscription
// context.
func RecoverDead(dir *shm.ModuleDirectory, alive func(cid uint64) bool, timeout time.Duration) []Reclaimed {
	var out []Reclaimed
	deadOwners := make(map[uint64]bool)

	for _, name := range dir.Modules() {
		rec := dir.Module(name)
		for _, anchor := range rec.AllAnchors() {
			if err := anchor.Lock.Lock(rwlock.Write, timeout, RecoveryOwner); err != nil {
				continue
			}
			for _, e := range anchor.ExtentsSnapshot() {
				d, err := dir.Arena.Get(e)
				if err != nil {
					continue
				}
				if alive(d.CID) {
					continue
				}
				anchor.RemoveExtent(e)
				dir.Arena.Free(e)
				deadOwners[d.CID] = true
				out = append(out, Reclaimed{Module: name, SubID: d.SubID, CID: d.CID})
			}
			anchor.Lock.Unlock(rwlock.Write, RecoveryOwner)
		}
	}

	// A dead connection may still be holding another anchor's lock it
	// never got to release (a crash mid-critical-section); break those
	// locks now that its descriptors are gone. SUBS locks are not
	// reachable from dir and are not released here.
	for cid := range deadOwners {
		for _, name := range dir.Modules() {
			for _, anchor := range dir.Module(name).AllAnchors() {
				anchor.Lock.ForceRelease(rwlock.Owner(cid))
			}
		}
	}

	return out
}
