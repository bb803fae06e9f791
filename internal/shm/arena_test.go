package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocGrowsAndGet(t *testing.T) {
	a := NewExtArena()
	d1 := &Descriptor{SubID: 1}
	d2 := &Descriptor{SubID: 2}

	e1 := a.Alloc(d1)
	e2 := a.Alloc(d2)
	assert.NotEqual(t, e1.Offset, e2.Offset)

	got, err := a.Get(e1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got.SubID)
}

func TestFreeReusesSlotBeforeGrowing(t *testing.T) {
	a := NewExtArena()
	d1 := &Descriptor{SubID: 1}
	d2 := &Descriptor{SubID: 2}
	d3 := &Descriptor{SubID: 3}

	e1 := a.Alloc(d1)
	_ = a.Alloc(d2)
	a.Free(e1)

	e3 := a.Alloc(d3)
	assert.Equal(t, e1.Offset, e3.Offset, "freed slot should be reused first-fit")
}

func TestGetOnFreedExtentErrors(t *testing.T) {
	a := NewExtArena()
	d1 := &Descriptor{SubID: 1}
	e1 := a.Alloc(d1)
	a.Free(e1)

	_, err := a.Get(e1)
	assert.Error(t, err)
}

func TestGetOutOfBoundsErrors(t *testing.T) {
	a := NewExtArena()
	_, err := a.Get(Extent{Offset: 5, Length: 1})
	assert.Error(t, err)
}

func TestLiveExcludesFreedSlots(t *testing.T) {
	a := NewExtArena()
	d1 := &Descriptor{SubID: 1}
	d2 := &Descriptor{SubID: 2}
	e1 := a.Alloc(d1)
	_ = a.Alloc(d2)
	a.Free(e1)

	live := a.Live()
	require.Len(t, live, 1)
	assert.Equal(t, uint32(2), live[0].SubID)
}

func TestFreeCoalescesAdjacentExtents(t *testing.T) {
	a := NewExtArena()
	var extents []Extent
	for i := 0; i < 4; i++ {
		extents = append(extents, a.Alloc(&Descriptor{SubID: uint32(i)}))
	}
	for _, e := range extents {
		a.Free(e)
	}

	require.Len(t, a.free, 1)
	assert.Equal(t, uint32(0), a.free[0].Offset)
	assert.Equal(t, uint32(4), a.free[0].Length)
}

func TestSuspendedFlag(t *testing.T) {
	d := &Descriptor{SubID: 1}
	assert.False(t, d.Suspended())
	d.SetSuspended(true)
	assert.True(t, d.Suspended())
}
