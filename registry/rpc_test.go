package registry

import (
	"testing"

	"github.com/sysrepo-subs/subscore/errs"
	"github.com/sysrepo-subs/subscore/internal/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRPCAddFindDel(t *testing.T) {
	c, _ := newTestContext(t)
	id, canonical, err := c.RPCAdd(1, "my-mod", "/my-mod:reset", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "/my-mod:reset", canonical)

	sub, err := c.RPCFind(id)
	require.NoError(t, err)
	assert.False(t, sub.IsExt)

	require.NoError(t, c.RPCDel(id, false))
	_, err = c.RPCFind(id)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRPCAddStripsPredicatesToCanonicalPath(t *testing.T) {
	c, eng := newTestContext(t)
	eng.AddNode(schema.Node{Path: "/m:list/leaf", Class: schema.ClassRPC, ModuleName: "m"})

	_, canonical, err := c.RPCAdd(1, "m", "/m:list[k='v']/leaf", 1, nil)
	require.NoError(t, err)
	assert.Equal(t, "/m:list/leaf", canonical)
}

func TestRPCAddRoutesExtensionRPCsToSharedModuleGroup(t *testing.T) {
	c, eng := newTestContext(t)
	eng.AddNode(schema.Node{Path: "/ext-mod:action-a", Class: schema.ClassAction, ModuleName: "ext-mod", ExtensionContext: "mount:1"})
	eng.AddNode(schema.Node{Path: "/ext-mod:action-b", Class: schema.ClassAction, ModuleName: "ext-mod", ExtensionContext: "mount:1"})

	id1, _, err := c.RPCAdd(1, "ext-mod", "/ext-mod:action-a", 1, nil)
	require.NoError(t, err)
	id2, _, err := c.RPCAdd(1, "ext-mod", "/ext-mod:action-b", 1, nil)
	require.NoError(t, err)

	// Both extension RPCs for the same module share one group (the
	// module's rpc_ext_lock), unlike regular per-path RPC groups.
	assert.Len(t, c.rpcGroups, 1)

	sub1, err := c.RPCFind(id1)
	require.NoError(t, err)
	sub2, err := c.RPCFind(id2)
	require.NoError(t, err)
	assert.True(t, sub1.IsExt)
	assert.True(t, sub2.IsExt)
}

func TestRPCAddRejectsNonRPCPath(t *testing.T) {
	c, _ := newTestContext(t)
	_, _, err := c.RPCAdd(1, "mod", "/mod:config-tree", 1, nil)
	assert.Error(t, err)
}
