package registry

import (
	"fmt"

	memdb "github.com/hashicorp/go-memdb"
	"github.com/sysrepo-subs/subscore"
)

// indexEntry is the auxiliary sub_id -> (kind, group key, session)
// mapping; it records no slot index within the group. It is
// kept in a go-memdb table instead of a bare map so add/remove get
// transactional snapshot/abort semantics matching the rest of the
// registry's publish-last rollback discipline.
type indexEntry struct {
	SubID    uint64 // subcore.SubID widened; go-memdb's uint indexer wants a fixed width
	Kind     subcore.Kind
	GroupKey string
	Session  uint64
}

var indexSchema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		"sub": {
			Name: "sub",
			Indexes: map[string]*memdb.IndexSchema{
				"id": {
					Name:    "id",
					Unique:  true,
					Indexer: &memdb.UintFieldIndex{Field: "SubID"},
				},
				"session": {
					Name:    "session",
					Unique:  false,
					Indexer: &memdb.UintFieldIndex{Field: "Session"},
				},
			},
		},
	},
}

// subIndex wraps the memdb handle with the narrow set of operations the
// registry needs: insert-on-add, delete-on-remove, lookup-by-id, and
// cascade-lookup-by-session for session_del.
type subIndex struct {
	db *memdb.MemDB
}

func newSubIndex() *subIndex {
	db, err := memdb.NewMemDB(indexSchema)
	if err != nil {
		// The schema above is a fixed literal; a construction error here
		// means the schema itself is malformed, which is a programming
		// error, not a runtime condition callers can recover from.
		panic(fmt.Sprintf("registry: invalid sub index schema: %v", err))
	}
	return &subIndex{db: db}
}

func (x *subIndex) insert(e indexEntry) error {
	txn := x.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert("sub", e); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (x *subIndex) remove(subID subcore.SubID) error {
	txn := x.db.Txn(true)
	defer txn.Abort()
	if _, err := txn.DeleteAll("sub", "id", uint64(subID)); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (x *subIndex) lookup(subID subcore.SubID) (indexEntry, bool) {
	txn := x.db.Txn(false)
	raw, err := txn.First("sub", "id", uint64(subID))
	if err != nil || raw == nil {
		return indexEntry{}, false
	}
	return raw.(indexEntry), true
}

func (x *subIndex) bySession(session uint64) []indexEntry {
	txn := x.db.Txn(false)
	it, err := txn.Get("sub", "session", session)
	if err != nil {
		return nil
	}
	var out []indexEntry
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(indexEntry))
	}
	return out
}
