// Package liveness implements the "is a connection still alive"
// interface that ext-SHM recovery depends on: a lease file per
// connection, advisory-locked for the connection's lifetime, watched
// so a crash (which releases the advisory lock and, typically, removes
// the file) is noticed without waiting for the next directory scan.
package liveness

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
)

// Lease is a held advisory lock on a connection's pidfile. Closing it
// releases the lock and removes the file, the same way a sysrepo
// connection releases its pidfile on clean shutdown.
type Lease struct {
	path string
	file *os.File
}

// Acquire creates (or reuses) dir/<cid>.lease, takes an exclusive
// advisory flock on it, and returns a handle the owning connection
// keeps open for as long as it is alive.
func Acquire(dir string, cid uint64) (*Lease, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("liveness: create lease dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.lease", cid))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("liveness: open lease file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("liveness: lease already held: %w", err)
	}
	return &Lease{path: path, file: f}, nil
}

// Close releases the lease and removes the backing file.
func (l *Lease) Close() error {
	defer os.Remove(l.path)
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// IsAlive reports whether the connection identified by cid still holds
// its lease: the file exists and a non-blocking attempt to take the
// exclusive lock fails (meaning someone, presumably the owner, already
// holds it). A missing file or an uncontested lock means the
// connection is dead and its ext-SHM descriptors can be reclaimed.
func IsAlive(dir string, cid uint64) bool {
	path := filepath.Join(dir, fmt.Sprintf("%d.lease", cid))
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return false
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		// Could not acquire: someone else (the live owner) holds it.
		return true
	}
	// We grabbed the lock uncontested: nobody was alive. Release it so
	// we don't leave a lock dangling on a file that's about to be
	// reclaimed by a recovery path.
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false
}

// Watcher notifies subscribers when a lease file disappears, so
// recovery can be proactive instead of waiting for the next descriptor
// scan to call IsAlive.
type Watcher struct {
	w      *fsnotify.Watcher
	mu     sync.Mutex
	onDead func(cid uint64)
}

// NewWatcher watches dir for lease-file removals and calls onDead with
// the departed connection's CID.
func NewWatcher(dir string, onDead func(cid uint64)) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("liveness: create lease dir: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("liveness: new watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("liveness: watch dir: %w", err)
	}

	w := &Watcher{w: fw, onDead: onDead}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			var cid uint64
			base := filepath.Base(ev.Name)
			if _, err := fmt.Sscanf(base, "%d.lease", &cid); err != nil {
				continue
			}
			w.mu.Lock()
			cb := w.onDead
			w.mu.Unlock()
			if cb != nil {
				cb(cid)
			}
		case _, ok := <-w.w.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.w.Close()
}
