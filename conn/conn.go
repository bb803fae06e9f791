// Package conn implements Connection and CID: the process-local handle
// a client holds on the shared module/ext SHM regions, and the opaque,
// globally-unique (within the daemon's lifetime) identifier other
// processes use to test its liveness.
package conn

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sysrepo-subs/subscore/internal/liveness"
	"github.com/sysrepo-subs/subscore/internal/shm"
)

// CID is an opaque connection identifier, unique within the daemon's
// lifetime and used as the rwlock Owner tag.
type CID uint64

var cidSeq uint64

// NextCID hands out a fresh, process-wide unique CID. A real deployment
// would derive this from the lease filename; tests and in-process
// simulations of "another process" call this directly.
func NextCID() CID {
	return CID(atomic.AddUint64(&cidSeq, 1))
}

// Connection is a client's process-local handle onto the shared
// directory (module SHM) and the growable descriptor heap (ext SHM),
// plus the lease that proves it is alive to other connections.
type Connection struct {
	CID      CID
	Token    string // UUIDv7 for humans; lease and mailbox filenames do not carry it
	Dir      *shm.ModuleDirectory
	Arena    *shm.ExtArena
	leaseDir string
	lease    *liveness.Lease
}

// Open attaches to the given module directory / ext arena and takes out
// a liveness lease in leaseDir, the on-disk analogue of sysrepo's
// per-connection pidfile.
func Open(dir *shm.ModuleDirectory, arena *shm.ExtArena, leaseDir string) (*Connection, error) {
	cid := NextCID()
	lease, err := liveness.Acquire(leaseDir, uint64(cid))
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewV7()
	token := id.String()
	if err != nil {
		token = uuid.New().String()
	}
	return &Connection{
		CID:      cid,
		Token:    token,
		Dir:      dir,
		Arena:    arena,
		leaseDir: leaseDir,
		lease:    lease,
	}, nil
}

// Close releases the connection's lease. After Close, IsAlive(c.CID)
// reports false and any process walking ext SHM will reclaim c's
// descriptors on its next pass.
func (c *Connection) Close() error {
	return c.lease.Close()
}

// IsAlive reports whether cid's lease is still held. This is the
// external liveness collaborator referenced throughout ext-SHM
// recovery (spec §6 "Liveness interface").
func (c *Connection) IsAlive(cid CID) bool {
	return liveness.IsAlive(c.leaseDir, uint64(cid))
}
