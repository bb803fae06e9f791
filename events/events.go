// Package events mirrors subscription lifecycle — added, removed,
// suspended, terminated, shelved — out to an Observer registry as
// CloudEvents, purely as an audit/monitoring side channel. It is
// modeled directly on the teacher framework's ObservableApplication /
// Observer pattern and is entirely separate from the mailbox wire
// protocol that actually delivers change/RPC/notification events to
// subscribers.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// Lifecycle event types, named the way the teacher names its
// EventTypeModule* constants.
const (
	TypeSubscriptionAdded      = "com.subcore.subscription.added"
	TypeSubscriptionRemoved    = "com.subcore.subscription.removed"
	TypeSubscriptionSuspended  = "com.subcore.subscription.suspended"
	TypeSubscriptionResumed    = "com.subcore.subscription.resumed"
	TypeSubscriptionTerminated = "com.subcore.subscription.terminated"
	TypeSubscriptionShelved    = "com.subcore.subscription.shelved"
	TypeRecoveryReclaimed      = "com.subcore.recovery.reclaimed"
)

// Observer receives lifecycle CloudEvents. Implementations must not
// block the emitting goroutine for long; Registry.Emit invokes every
// observer in its own goroutine with panic recovery.
type Observer interface {
	ObserverID() string
	OnEvent(ctx context.Context, event cloudevents.Event)
}

// Registry is the process-local set of observers subscribed to
// subscription lifecycle events.
type Registry struct {
	source string

	mu        sync.RWMutex
	observers map[string]Observer
}

// NewRegistry returns an empty registry; source identifies this
// process/connection in every CloudEvent's "source" attribute.
func NewRegistry(source string) *Registry {
	return &Registry{source: source, observers: make(map[string]Observer)}
}

// Register adds an observer.
func (r *Registry) Register(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[o.ObserverID()] = o
}

// Unregister removes an observer by ID.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observers, id)
}

// Emit builds a CloudEvent of eventType carrying data and fans it out
// to every registered observer without blocking the caller.
func (r *Registry) Emit(ctx context.Context, eventType string, data map[string]any) {
	if r == nil {
		return
	}
	r.mu.RLock()
	observers := make([]Observer, 0, len(r.observers))
	for _, o := range r.observers {
		observers = append(observers, o)
	}
	r.mu.RUnlock()
	if len(observers) == 0 {
		return
	}

	evt := cloudevents.NewEvent()
	evt.SetID(eventID())
	evt.SetSource(r.source)
	evt.SetType(eventType)
	evt.SetTime(time.Now())
	evt.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		_ = evt.SetData(cloudevents.ApplicationJSON, data)
	}

	for _, o := range observers {
		o := o
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					fmt.Printf("subcore: observer %s panicked: %v\n", o.ObserverID(), rec)
				}
			}()
			o.OnEvent(ctx, evt)
		}()
	}
}

func eventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
