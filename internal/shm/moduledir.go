package shm

import (
	"sync"

	"github.com/sysrepo-subs/subscore/internal/rwlock"
)

// DatastoreCount is the number of datastore-scoped change-subscription
// tables a module record carries (startup/running/candidate/
// operational).
const DatastoreCount = 4

// Anchor is one module-record slot: the per-object rwlock protecting it
// plus the extent list of live descriptors currently published there.
// Every ext-SHM mutation site in the registry takes Lock in Write mode
// before touching Extents, after SUBS is already held (the
// SUBS-then-per-object order).
type Anchor struct {
	Lock    *rwlock.RWLock
	mu      sync.Mutex
	Extents []Extent
}

func newAnchor() *Anchor { return &Anchor{Lock: rwlock.New()} }

// AddExtent records e as published under this anchor.
func (a *Anchor) AddExtent(e Extent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Extents = append(a.Extents, e)
}

// RemoveExtent drops e (swap-remove; order is not meaningful here,
// individual descriptors carry their own priority).
func (a *Anchor) RemoveExtent(e Extent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, ex := range a.Extents {
		if ex == e {
			last := len(a.Extents) - 1
			a.Extents[i] = a.Extents[last]
			a.Extents = a.Extents[:last]
			return
		}
	}
}

// ExtentsSnapshot returns a copy of the current extent list, safe to
// iterate without holding Anchor's internal mutex (callers are expected
// to already hold Lock in at least Read mode, per the documented lock
// order: SUBS -> per-object ext-SHM lock -> mailbox).
func (a *Anchor) ExtentsSnapshot() []Extent {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Extent, len(a.Extents))
	copy(out, a.Extents)
	return out
}

// ModuleRecord mirrors one module's subscription anchors, one per kind,
// as laid out in module SHM (spec §6): a change anchor per datastore,
// and single anchors for oper-get, notif and extension RPCs.
// Regular (non-extension) RPC paths get their own per-path anchor,
// created lazily in RPCs.
type ModuleRecord struct {
	Name string

	Change  [DatastoreCount]*Anchor
	OperGet *Anchor
	Notif   *Anchor
	RPCExt  *Anchor // shared anchor for RPCs defined via schema-mount extension

	rpcMu sync.Mutex
	rpcs  map[string]*Anchor // per-path anchors for non-extension RPCs

	// OperPoll intentionally has no Anchor/Lock: polled subscriptions
	// are a client-side timer, not an event-driven path, and the
	// source implementation never opens ext-SHM bookkeeping for them
	// beyond the in-process registry. Preserved verbatim from the
	// original implementation (see DESIGN.md open question #3).
}

func newModuleRecord(name string) *ModuleRecord {
	m := &ModuleRecord{
		Name:    name,
		OperGet: newAnchor(),
		Notif:   newAnchor(),
		RPCExt:  newAnchor(),
		rpcs:    make(map[string]*Anchor),
	}
	for i := range m.Change {
		m.Change[i] = newAnchor()
	}
	return m
}

// RPC returns the anchor for a non-extension RPC path, creating it
// lazily on first use.
func (m *ModuleRecord) RPC(path string) *Anchor {
	m.rpcMu.Lock()
	defer m.rpcMu.Unlock()
	a, ok := m.rpcs[path]
	if !ok {
		a = newAnchor()
		m.rpcs[path] = a
	}
	return a
}

// AllAnchors returns every anchor this module record owns across every
// kind, including lazily-created per-path RPC anchors. Sweeps that must
// visit every ext-SHM mutation site (dead-subscriber recovery) use this
// instead of reaching into each kind field by hand.
func (m *ModuleRecord) AllAnchors() []*Anchor {
	m.rpcMu.Lock()
	rpcs := make([]*Anchor, 0, len(m.rpcs))
	for _, a := range m.rpcs {
		rpcs = append(rpcs, a)
	}
	m.rpcMu.Unlock()

	out := make([]*Anchor, 0, len(m.Change)+3+len(rpcs))
	out = append(out, m.Change[:]...)
	out = append(out, m.OperGet, m.Notif, m.RPCExt)
	out = append(out, rpcs...)
	return out
}

// ModuleDirectory is the authoritative, schema-indexed shared-memory
// directory (module SHM): one ModuleRecord per module name, created
// lazily. Real module install/removal is out of scope (spec §1); this
// directory only ever grows for the modules a subscription names.
type ModuleDirectory struct {
	mu      sync.RWMutex
	modules map[string]*ModuleRecord
	Arena   *ExtArena
}

// NewModuleDirectory returns a directory backed by arena for every
// anchor's published extents.
func NewModuleDirectory(arena *ExtArena) *ModuleDirectory {
	return &ModuleDirectory{
		modules: make(map[string]*ModuleRecord),
		Arena:   arena,
	}
}

// Module returns the record for name, creating it on first reference.
func (d *ModuleDirectory) Module(name string) *ModuleRecord {
	d.mu.RLock()
	m, ok := d.modules[name]
	d.mu.RUnlock()
	if ok {
		return m
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if m, ok := d.modules[name]; ok {
		return m
	}
	m = newModuleRecord(name)
	d.modules[name] = m
	return m
}

// Modules lists every module name currently installed in the directory.
func (d *ModuleDirectory) Modules() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.modules))
	for name := range d.modules {
		out = append(out, name)
	}
	return out
}
