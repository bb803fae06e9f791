// Package shm models the two process-shared regions the coordinator
// publishes subscription state into: the ext SHM heap of subscription
// descriptors (this file) and the module SHM directory (moduledir.go).
//
// A real deployment maps these as POSIX shared memory so that sibling
// processes attached to the same segment observe each other's writes
// without any IPC round trip. This repository runs as a single OS
// process, so there is no second process to hand a real mmap'd region
// to; ExtArena instead models the same offset/extent/free-list contract
// over an in-process, mutex-protected slice, and multiple simulated
// connections (goroutines, each with its own conn.CID) attach to the
// same *ExtArena instance — the faithful single-process analogue of
// multiple processes attaching to one SHM segment. See the repository's
// DESIGN.md for why no real mmap syscall wrapper is used here.
package shm

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Descriptor is the fixed-layout record ext SHM carries per concrete
// subscription (spec §3 "Ext-SHM descriptor").
type Descriptor struct {
	CID       uint64
	SubID     uint32
	Priority  uint32
	Selector  string
	suspended atomic.Bool
}

// SetSuspended atomically flips the suspended flag.
func (d *Descriptor) SetSuspended(v bool) { d.suspended.Store(v) }

// Suspended reports the current suspended flag.
func (d *Descriptor) Suspended() bool { return d.suspended.Load() }

// Extent is an offset/length pair into an ExtArena, the shape every
// offset stored in module SHM must resolve to.
type Extent struct {
	Offset uint32
	Length uint32
}

func (e Extent) end() uint32 { return e.Offset + e.Length }

// ExtArena is the growable, append-only descriptor heap with free-list
// coalescing described in spec §6. Every Descriptor occupies exactly
// one slot (Length == 1); coalescing therefore operates on runs of
// adjacent free slot offsets rather than byte ranges, but the contract
// — every live Extent is a valid, non-overlapping range, and freed
// ranges merge with their neighbors — is the same one a byte-addressed
// allocator would have to uphold.
type ExtArena struct {
	mu    sync.Mutex
	slots []*Descriptor
	free  []Extent // sorted, non-overlapping, coalesced
}

// NewExtArena returns an empty arena.
func NewExtArena() *ExtArena {
	return &ExtArena{}
}

// Alloc reserves one slot for d and returns its extent. It reuses the
// first free extent with room before growing the arena, exactly the
// first-fit discipline a real allocator would apply.
func (a *ExtArena) Alloc(d *Descriptor) Extent {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, f := range a.free {
		if f.Length == 0 {
			continue
		}
		offset := f.Offset
		if f.Length == 1 {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = Extent{Offset: f.Offset + 1, Length: f.Length - 1}
		}
		a.slots[offset] = d
		return Extent{Offset: offset, Length: 1}
	}

	offset := uint32(len(a.slots))
	a.slots = append(a.slots, d)
	return Extent{Offset: offset, Length: 1}
}

// Free reclaims e's slot and coalesces it with any adjacent free
// extents so the free list does not fragment into singletons forever.
func (a *ExtArena) Free(e Extent) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(e.Offset) >= len(a.slots) {
		return
	}
	a.slots[e.Offset] = nil
	a.free = append(a.free, e)
	a.coalesce()
}

// Get resolves an extent to its descriptor, validating it against the
// arena's current size the way a reader must validate any offset
// stored in module SHM before dereferencing it.
func (a *ExtArena) Get(e Extent) (*Descriptor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if e.Length == 0 || int(e.end()) > len(a.slots) {
		return nil, fmt.Errorf("shm: extent %+v out of bounds (arena size %d)", e, len(a.slots))
	}
	d := a.slots[e.Offset]
	if d == nil {
		return nil, fmt.Errorf("shm: extent %+v points at a freed slot", e)
	}
	return d, nil
}

// Live returns every non-freed descriptor currently in the arena, in
// offset order. Producers scanning for subscribers call this (or a
// module-scoped equivalent held elsewhere) under the relevant
// per-object read lock.
func (a *ExtArena) Live() []*Descriptor {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Descriptor, 0, len(a.slots))
	for _, d := range a.slots {
		if d != nil {
			out = append(out, d)
		}
	}
	return out
}

// Compact trims a trailing run of free slots off the end of the arena,
// the same way a real allocator gives pages back once nothing beyond
// them is live. It never moves a live descriptor's offset, so extents
// already handed out elsewhere stay valid; it only ever shrinks the
// arena when the free list's tail extent reaches the current end. It
// returns the number of slots trimmed.
func (a *ExtArena) Compact() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.free) == 0 {
		return 0
	}
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].Offset < a.free[j].Offset })
	last := a.free[len(a.free)-1]
	if last.end() != uint32(len(a.slots)) {
		return 0
	}
	a.slots = a.slots[:last.Offset]
	a.free = a.free[:len(a.free)-1]
	return int(last.Length)
}

func (a *ExtArena) coalesce() {
	if len(a.free) < 2 {
		return
	}
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].Offset < a.free[j].Offset })

	merged := a.free[:1]
	for _, f := range a.free[1:] {
		last := &merged[len(merged)-1]
		if last.end() == f.Offset {
			last.Length += f.Length
			continue
		}
		merged = append(merged, f)
	}
	a.free = merged
}
