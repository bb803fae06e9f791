package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sysrepo-subs/subscore"
	"github.com/sysrepo-subs/subscore/internal/mailbox"
	"github.com/sysrepo-subs/subscore/internal/schema"
	"github.com/sysrepo-subs/subscore/internal/shm"
	"github.com/cucumber/godog"
)

var errDispatchNotRun = errors.New("dispatch has not run yet")

// registryBDDContext holds per-scenario state for the subscription
// dispatch feature files.
type registryBDDContext struct {
	ctx *SubscriptionContext

	mu      sync.Mutex
	order   []uint32
	aborted map[uint32]bool

	changeSubs map[int]subcore.SubID // priority -> most recent sub_id added with that priority
	rpcSubs    map[int]subcore.SubID
	rpcGroup   *group

	notifSubID   subcore.SubID
	notifGroup   *group
	terminated   int
	dispatchErr  error
	changeResult *ChangeResult
}

func (b *registryBDDContext) reset() {
	arena := shm.NewExtArena()
	dir := shm.NewModuleDirectory(arena)
	eng := schema.NewFake()
	eng.AddNode(schema.Node{Path: "/ietf-interfaces:interfaces", Class: schema.ClassConfig, ModuleName: "ietf-interfaces"})
	eng.AddNode(schema.Node{Path: "/my-mod:reset", Class: schema.ClassRPC, ModuleName: "my-mod"})
	eng.AddNode(schema.Node{Path: "/my-mod:event", Class: schema.ClassNotification, ModuleName: "my-mod"})

	b.ctx = New(dir, eng, 1)
	b.order = nil
	b.aborted = make(map[uint32]bool)
	b.changeSubs = make(map[int]subcore.SubID)
	b.rpcSubs = make(map[int]subcore.SubID)
	b.rpcGroup = nil
	b.notifSubID = 0
	b.notifGroup = nil
	b.terminated = 0
	b.dispatchErr = nil
	b.changeResult = nil
}

func (b *registryBDDContext) aFreshSubscriptionContext() error {
	b.reset()
	return nil
}

func (b *registryBDDContext) aChangeSubscriptionWithPriority(priority int) error {
	id, err := b.ctx.ChangeAdd(1, "ietf-interfaces", "", subcore.DatastoreRunning, priority, ChangeOpts{}, nil)
	if err != nil {
		return err
	}
	b.changeSubs[priority] = id

	g, _ := b.ctx.changeGroupSubs("ietf-interfaces", subcore.DatastoreRunning)
	g.mbox.Register(uint32(id), func(ctx context.Context, tag mailbox.EventTag, rid uint64, payload any) (mailbox.Outcome, error) {
		b.mu.Lock()
		b.order = append(b.order, uint32(id))
		b.mu.Unlock()
		if tag == mailbox.EventAbort {
			b.mu.Lock()
			b.aborted[uint32(id)] = true
			b.mu.Unlock()
		}
		return mailbox.OutcomeOK, nil
	})
	return nil
}

func (b *registryBDDContext) aChangeSubscriptionWithPriorityThatFailsOnChange(priority int) error {
	id, err := b.ctx.ChangeAdd(1, "ietf-interfaces", "", subcore.DatastoreRunning, priority, ChangeOpts{}, nil)
	if err != nil {
		return err
	}
	b.changeSubs[priority] = id

	g, _ := b.ctx.changeGroupSubs("ietf-interfaces", subcore.DatastoreRunning)
	g.mbox.Register(uint32(id), func(ctx context.Context, tag mailbox.EventTag, rid uint64, payload any) (mailbox.Outcome, error) {
		b.mu.Lock()
		b.order = append(b.order, uint32(id))
		b.mu.Unlock()
		if tag == mailbox.EventAbort {
			b.mu.Lock()
			b.aborted[uint32(id)] = true
			b.mu.Unlock()
			return mailbox.OutcomeOK, nil
		}
		if tag == mailbox.EventChange {
			return mailbox.OutcomeFailed, errors.New("injected change failure")
		}
		return mailbox.OutcomeOK, nil
	})
	return nil
}

func (b *registryBDDContext) theModulesChangeEventIsDispatched() error {
	result, err := b.ctx.DispatchChange(context.Background(), "ietf-interfaces", subcore.DatastoreRunning, nil, time.Second)
	b.changeResult = result
	if err != nil && !errors.Is(err, errDispatchNotRun) {
		b.dispatchErr = err
	}
	return nil
}

func (b *registryBDDContext) theTwoPriorityTenSubscribersAreNotifiedBeforeThePriorityFiveSubscriber() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.order) < 3 {
		return errors.New("expected 3 delivery callbacks")
	}
	tenBucket := map[uint32]bool{}
	for p, id := range b.changeSubs {
		if p == 10 {
			tenBucket[uint32(id)] = true
		}
	}
	if !tenBucket[b.order[0]] || !tenBucket[b.order[1]] {
		return errors.New("priority-10 subscribers must be notified first")
	}
	if b.order[2] != uint32(b.changeSubs[5]) {
		return errors.New("priority-5 subscriber must be notified last")
	}
	return nil
}

func (b *registryBDDContext) theDispatchIsNotAborted() error {
	if b.changeResult == nil {
		return errDispatchNotRun
	}
	if b.changeResult.Aborted {
		return errors.New("expected dispatch not to be aborted")
	}
	return nil
}

func (b *registryBDDContext) theDispatchReportsAborted() error {
	if b.changeResult == nil || !b.changeResult.Aborted {
		return errors.New("expected dispatch to report aborted")
	}
	return nil
}

func (b *registryBDDContext) thePriorityTenSubscriberReceivesAnAbort() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.aborted[uint32(b.changeSubs[10])] {
		return errors.New("priority-10 subscriber should have received ABORT")
	}
	return nil
}

func (b *registryBDDContext) thePriorityFiveSubscriberNeverReceivesAnAbort() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aborted[uint32(b.changeSubs[5])] {
		return errors.New("the failing subscriber must never receive ABORT")
	}
	return nil
}

func (b *registryBDDContext) anRPCSubscriptionOnWithPriority(path string, priority int) error {
	id, canonical, err := b.ctx.RPCAdd(1, "my-mod", path, priority, nil)
	if err != nil {
		return err
	}
	b.rpcSubs[priority] = id
	b.rpcGroup = b.ctx.rpcGroups[rpcKey(canonical)]

	b.rpcGroup.mbox.Register(uint32(id), func(ctx context.Context, tag mailbox.EventTag, rid uint64, payload any) (mailbox.Outcome, error) {
		if tag == mailbox.EventAbort {
			b.mu.Lock()
			b.aborted[uint32(id)] = true
			b.mu.Unlock()
		}
		return mailbox.OutcomeOK, nil
	})
	return nil
}

func (b *registryBDDContext) anRPCSubscriptionOnWithPriorityThatFails(path string, priority int) error {
	id, canonical, err := b.ctx.RPCAdd(1, "my-mod", path, priority, nil)
	if err != nil {
		return err
	}
	b.rpcSubs[priority] = id
	b.rpcGroup = b.ctx.rpcGroups[rpcKey(canonical)]

	b.rpcGroup.mbox.Register(uint32(id), func(ctx context.Context, tag mailbox.EventTag, rid uint64, payload any) (mailbox.Outcome, error) {
		if tag == mailbox.EventAbort {
			b.mu.Lock()
			b.aborted[uint32(id)] = true
			b.mu.Unlock()
			return mailbox.OutcomeOK, nil
		}
		return mailbox.OutcomeFailed, errors.New("injected rpc failure")
	})
	return nil
}

func (b *registryBDDContext) theRPCIsDispatched() error {
	_, err := b.ctx.DispatchRPC(context.Background(), "/my-mod:reset", false, "my-mod", nil, time.Second)
	b.dispatchErr = err
	return nil
}

func (b *registryBDDContext) thePriorityOneSubscriberReceivesAnAbort() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.aborted[uint32(b.rpcSubs[1])] {
		return errors.New("priority-1 RPC subscriber should have received ABORT")
	}
	return nil
}

func (b *registryBDDContext) thePriorityTwoSubscriberNeverReceivesAnAbort() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aborted[uint32(b.rpcSubs[2])] {
		return errors.New("the failing RPC subscriber must never receive ABORT")
	}
	return nil
}

func (b *registryBDDContext) aNotificationSubscriptionOnModuleThatStoppedMillisecondsAgo(module string, ms int) error {
	stop := time.Now().Add(-time.Duration(ms) * time.Millisecond)
	id, err := b.ctx.NotifAdd(1, module, "/my-mod:event", time.Time{}, stop, nil)
	if err != nil {
		return err
	}
	b.notifSubID = id
	b.notifGroup = b.ctx.notifGroups[notifKey(module)]
	b.notifGroup.mbox.Register(uint32(id), func(ctx context.Context, tag mailbox.EventTag, rid uint64, payload any) (mailbox.Outcome, error) {
		if tag == mailbox.EventTerminated {
			b.mu.Lock()
			b.terminated++
			b.mu.Unlock()
		}
		return mailbox.OutcomeOK, nil
	})
	return nil
}

func (b *registryBDDContext) aNotificationSubscriptionOnModuleWithNoStopTime(module string) error {
	id, err := b.ctx.NotifAdd(1, module, "/my-mod:event", time.Time{}, time.Time{}, nil)
	if err != nil {
		return err
	}
	b.notifSubID = id
	return nil
}

func (b *registryBDDContext) theStopTimeSweepRuns() error {
	b.ctx.ExpireStopped(time.Now())
	return nil
}

func (b *registryBDDContext) exactlyOneTERMINATEDReplyWasSent() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminated != 1 {
		return errors.New("expected exactly one TERMINATED reply")
	}
	return nil
}

func (b *registryBDDContext) noTERMINATEDReplyWasSent() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.terminated != 0 {
		return errors.New("expected no TERMINATED reply")
	}
	return nil
}

func (b *registryBDDContext) theSubscriptionCanNoLongerBeFound() error {
	_, err := b.ctx.NotifFind(b.notifSubID)
	if err == nil {
		return errors.New("expected the expired subscription to be gone")
	}
	return nil
}

func (b *registryBDDContext) theSubscriptionCanStillBeFound() error {
	_, err := b.ctx.NotifFind(b.notifSubID)
	return err
}

// InitializeScenario wires every step used by the registry's feature
// files.
func InitializeScenario(sc *godog.ScenarioContext) {
	b := &registryBDDContext{}

	sc.Before(func(ctx context.Context, s *godog.Scenario) (context.Context, error) {
		b.reset()
		return ctx, nil
	})

	sc.Step(`^a fresh subscription context$`, b.aFreshSubscriptionContext)

	sc.Step(`^a change subscription on module "([^"]*)" with priority (\d+)$`, func(_ string, priority int) error {
		return b.aChangeSubscriptionWithPriority(priority)
	})
	sc.Step(`^a change subscription on module "([^"]*)" with priority (\d+) that fails on CHANGE$`, func(_ string, priority int) error {
		return b.aChangeSubscriptionWithPriorityThatFailsOnChange(priority)
	})
	sc.Step(`^the module's change event is dispatched$`, b.theModulesChangeEventIsDispatched)
	sc.Step(`^the two priority-10 subscribers are notified before the priority-5 subscriber$`, b.theTwoPriorityTenSubscribersAreNotifiedBeforeThePriorityFiveSubscriber)
	sc.Step(`^the dispatch is not aborted$`, b.theDispatchIsNotAborted)
	sc.Step(`^the dispatch reports aborted$`, b.theDispatchReportsAborted)
	sc.Step(`^the priority-10 subscriber receives an ABORT$`, b.thePriorityTenSubscriberReceivesAnAbort)
	sc.Step(`^the priority-5 subscriber never receives an ABORT$`, b.thePriorityFiveSubscriberNeverReceivesAnAbort)

	sc.Step(`^an RPC subscription on "([^"]*)" with priority (\d+)$`, b.anRPCSubscriptionOnWithPriority)
	sc.Step(`^an RPC subscription on "([^"]*)" with priority (\d+) that fails$`, b.anRPCSubscriptionOnWithPriorityThatFails)
	sc.Step(`^the RPC is dispatched$`, b.theRPCIsDispatched)
	sc.Step(`^the priority-1 subscriber receives an ABORT$`, b.thePriorityOneSubscriberReceivesAnAbort)
	sc.Step(`^the priority-2 subscriber never receives an ABORT$`, b.thePriorityTwoSubscriberNeverReceivesAnAbort)

	sc.Step(`^a notification subscription on module "([^"]*)" that stopped (\d+) milliseconds ago$`, b.aNotificationSubscriptionOnModuleThatStoppedMillisecondsAgo)
	sc.Step(`^a notification subscription on module "([^"]*)" with no stop_time$`, b.aNotificationSubscriptionOnModuleWithNoStopTime)
	sc.Step(`^the stop-time sweep runs$`, b.theStopTimeSweepRuns)
	sc.Step(`^exactly one TERMINATED reply was sent$`, b.exactlyOneTERMINATEDReplyWasSent)
	sc.Step(`^no TERMINATED reply was sent$`, b.noTERMINATEDReplyWasSent)
	sc.Step(`^the subscription can no longer be found$`, b.theSubscriptionCanNoLongerBeFound)
	sc.Step(`^the subscription can still be found$`, b.theSubscriptionCanStillBeFound)
}

func TestSubscriptionDispatch(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format: "pretty",
			Paths: []string{
				"features/change_dispatch.feature",
				"features/rpc_dispatch.feature",
				"features/notif_expiry.feature",
			},
			TestingT: t,
			Strict:   true,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
