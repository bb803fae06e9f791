package subcore

import "fmt"

// Datastore names one of the datastore-scoped subscription tables a
// change subscription can target.
type Datastore int

const (
	DatastoreStartup Datastore = iota
	DatastoreRunning
	DatastoreCandidate
	DatastoreOperational

	datastoreCount
)

func (d Datastore) String() string {
	switch d {
	case DatastoreStartup:
		return "startup"
	case DatastoreRunning:
		return "running"
	case DatastoreCandidate:
		return "candidate"
	case DatastoreOperational:
		return "operational"
	default:
		return fmt.Sprintf("datastore(%d)", int(d))
	}
}

// Kind is one of the five subscription kinds the registry tracks.
type Kind int

const (
	KindChange Kind = iota
	KindOperGet
	KindOperPoll
	KindNotif
	KindRPC
)

func (k Kind) String() string {
	switch k {
	case KindChange:
		return "change"
	case KindOperGet:
		return "oper-get"
	case KindOperPoll:
		return "oper-poll"
	case KindNotif:
		return "notif"
	case KindRPC:
		return "rpc"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// DispatchMode distinguishes mailbox-driven (push) subscriptions from
// the oper-poll kind, whose "mailbox" is a client-side timer: the
// source implementation never opens a mailbox for polled subscriptions,
// and this module preserves that asymmetry rather than "fixing" it.
type DispatchMode int

const (
	DispatchPush DispatchMode = iota
	DispatchPoll
)

// SubID identifies a concrete subscription, unique within the
// lifetime of its SubscriptionContext and never reused.
type SubID uint32

// Priority orders subscribers within one module (change, RPC). Zero is
// valid for kinds that do not order (oper-get, oper-poll, notif).
type Priority uint32
