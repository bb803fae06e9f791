package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathNamingConvention(t *testing.T) {
	assert.Equal(t, "subscriptions/ietf-interfaces.running.mbox", Path("ietf-interfaces", "running", -1))
	assert.Equal(t, "subscriptions/my-mod.oper.42.mbox", Path("my-mod", "oper", 42))
}

func TestOpenIsRefcountedPerPath(t *testing.T) {
	a := Open("subscriptions/m.running.mbox")
	b := Open("subscriptions/m.running.mbox")
	assert.Same(t, a, b)

	a.Close()
	c := Open("subscriptions/m.running.mbox")
	// Still referenced once by b/c's outstanding handle.
	assert.Same(t, b, c)

	b.Close()
	c.Close()
	d := Open("subscriptions/m.running.mbox")
	assert.NotSame(t, a, d)
	d.Close()
}

func TestDeliverFansOutAndCollectsReplies(t *testing.T) {
	mb := Open("subscriptions/test.deliver.mbox")
	defer mb.Close()

	mb.Register(1, func(ctx context.Context, tag EventTag, rid uint64, payload any) (Outcome, error) {
		return OutcomeOK, nil
	})
	mb.Register(2, func(ctx context.Context, tag EventTag, rid uint64, payload any) (Outcome, error) {
		return OutcomeOK, nil
	})

	replies, err := mb.Deliver(context.Background(), EventChange, []uint32{1, 2}, "payload", time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, replies[1].Outcome)
	assert.Equal(t, OutcomeOK, replies[2].Outcome)

	tag, rid := mb.Event()
	assert.Equal(t, EventChange, tag)
	assert.Equal(t, uint64(1), rid)
}

func TestDeliverRequestIDMonotonic(t *testing.T) {
	mb := Open("subscriptions/test.monotonic.mbox")
	defer mb.Close()
	mb.Register(1, func(ctx context.Context, tag EventTag, rid uint64, payload any) (Outcome, error) {
		return OutcomeOK, nil
	})

	_, err := mb.Deliver(context.Background(), EventUpdate, []uint32{1}, nil, time.Second)
	require.NoError(t, err)
	_, rid1 := mb.Event()

	_, err = mb.Deliver(context.Background(), EventChange, []uint32{1}, nil, time.Second)
	require.NoError(t, err)
	_, rid2 := mb.Event()

	assert.Greater(t, rid2, rid1)
}

func TestDeliverTargetWithNoHandlerIsTreatedAsIgnored(t *testing.T) {
	mb := Open("subscriptions/test.nohandler.mbox")
	defer mb.Close()

	replies, err := mb.Deliver(context.Background(), EventRPC, []uint32{99}, nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, replies[99].Outcome)
}

func TestUnregisterDuringInFlightDeliveryInjectsIgnoredReply(t *testing.T) {
	mb := Open("subscriptions/test.unregister.mbox")
	defer mb.Close()

	started := make(chan struct{})
	blockUntil := make(chan struct{})
	mb.Register(1, func(ctx context.Context, tag EventTag, rid uint64, payload any) (Outcome, error) {
		close(started)
		<-ctx.Done()
		return OutcomeIgnored, ctx.Err()
	})

	done := make(chan struct{})
	var replies map[uint32]Reply
	go func() {
		replies, _ = mb.Deliver(context.Background(), EventChange, []uint32{1}, nil, 5*time.Second)
		close(done)
	}()

	<-started
	mb.Unregister(1)
	close(blockUntil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Deliver should have unblocked once the in-flight target was unregistered")
	}
	assert.Equal(t, OutcomeIgnored, replies[1].Outcome)
}

func TestDeliverTimesOutWhenHandlerNeverReplies(t *testing.T) {
	mb := Open("subscriptions/test.timeout.mbox")
	defer mb.Close()

	mb.Register(1, func(ctx context.Context, tag EventTag, rid uint64, payload any) (Outcome, error) {
		<-ctx.Done()
		return OutcomeIgnored, ctx.Err()
	})

	_, err := mb.Deliver(context.Background(), EventRPC, []uint32{1}, nil, 20*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDeliverCallsAreSerialized(t *testing.T) {
	mb := Open("subscriptions/test.serial.mbox")
	defer mb.Close()

	order := make(chan int, 2)
	mb.Register(1, func(ctx context.Context, tag EventTag, rid uint64, payload any) (Outcome, error) {
		time.Sleep(20 * time.Millisecond)
		order <- 1
		return OutcomeOK, nil
	})

	go func() {
		_, _ = mb.Deliver(context.Background(), EventUpdate, []uint32{1}, nil, time.Second)
	}()
	time.Sleep(5 * time.Millisecond)

	_, err := mb.Deliver(context.Background(), EventChange, []uint32{1}, nil, time.Second)
	require.NoError(t, err)
	order <- 2

	first := <-order
	second := <-order
	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}
