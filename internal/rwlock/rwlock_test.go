package rwlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadersDoNotBlockEachOther(t *testing.T) {
	l := New()
	require.NoError(t, l.Lock(Read, time.Second, 1))
	require.NoError(t, l.Lock(Read, time.Second, 2))
	assert.Equal(t, Read, l.State())
	require.NoError(t, l.Unlock(Read, 1))
	require.NoError(t, l.Unlock(Read, 2))
	assert.Equal(t, Unlocked, l.State())
}

func TestWriteExcludesReaders(t *testing.T) {
	l := New()
	require.NoError(t, l.Lock(Write, time.Second, 1))

	done := make(chan error, 1)
	go func() { done <- l.Lock(Read, 50*time.Millisecond, 2) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrTimeOut)
	case <-time.After(time.Second):
		t.Fatal("reader should have timed out while writer held the lock")
	}

	require.NoError(t, l.Unlock(Write, 1))
}

func TestReadUpgradeCoexistsWithReaders(t *testing.T) {
	l := New()
	require.NoError(t, l.Lock(ReadUpgrade, time.Second, 1))
	require.NoError(t, l.Lock(Read, time.Second, 2))
	assert.Equal(t, ReadUpgrade, l.State())

	// A second upgrader must be refused while one is outstanding.
	err := l.Lock(ReadUpgrade, 50*time.Millisecond, 3)
	assert.ErrorIs(t, err, ErrTimeOut)
}

func TestRelockUpgradeWaitsForReadersToDrain(t *testing.T) {
	l := New()
	require.NoError(t, l.Lock(ReadUpgrade, time.Second, 1))
	require.NoError(t, l.Lock(Read, time.Second, 2))

	relockErr := make(chan error, 1)
	go func() { relockErr <- l.Relock(ReadUpgrade, Write, 200*time.Millisecond, 1) }()

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, l.Unlock(Read, 2))

	require.NoError(t, <-relockErr)
	assert.Equal(t, Write, l.State())
}

func TestRelockTimeoutLeavesCallerModeIntact(t *testing.T) {
	l := New()
	require.NoError(t, l.Lock(ReadUpgrade, time.Second, 1))
	require.NoError(t, l.Lock(Read, time.Second, 2))

	err := l.Relock(ReadUpgrade, Write, 50*time.Millisecond, 1)
	require.ErrorIs(t, err, ErrTimeOut)

	// Owner 1 must still hold ReadUpgrade: it can still downgrade cleanly.
	require.NoError(t, l.Relock(ReadUpgrade, Read, time.Second, 1))
	assert.Equal(t, Read, l.State())
}

func TestForceReleaseRecoversFromDeadOwner(t *testing.T) {
	l := New()
	require.NoError(t, l.Lock(Write, time.Second, 99))

	l.ForceRelease(99)
	assert.Equal(t, Unlocked, l.State())

	require.NoError(t, l.Lock(Write, time.Second, 1))
	require.NoError(t, l.Unlock(Write, 1))
}

func TestConcurrentReadUpgradeWriteCycle(t *testing.T) {
	l := New()
	var counter int64
	var wg sync.WaitGroup
	const workers = 16

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(owner Owner) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				require.NoError(t, l.Lock(ReadUpgrade, time.Second, owner))
				require.NoError(t, l.Relock(ReadUpgrade, Write, time.Second, owner))
				atomic.AddInt64(&counter, 1)
				require.NoError(t, l.Relock(Write, ReadUpgrade, time.Second, owner))
				require.NoError(t, l.Unlock(ReadUpgrade, owner))
			}
		}(Owner(i + 1))
	}
	wg.Wait()
	assert.Equal(t, int64(workers*50), counter)
	assert.Equal(t, Unlocked, l.State())
}
