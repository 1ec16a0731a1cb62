// Package queue defines the Queue Adapter contract (C6): the abstraction
// over job delivery that the Dispatcher enqueues onto and the Worker Loop
// claims from. Two implementations are provided in subpackages: memqueue
// (channel-backed, for tests and the in-process default) and natsqueue
// (durable, built on internal/core/natsctx).
package queue

import (
	"context"
	"time"
)

// Message is what travels on the queue: an opaque reference to the plan
// lives alongside the task_id so the queue itself never inspects plan
// contents.
type Message struct {
	TaskID        string
	PlanRef       string
	EnvelopeToken string
	EnqueueTS     time.Time
}

// Lease is time-bounded exclusive ownership of a claimed task.
type Lease struct {
	ID        string
	TaskID    string
	ExpiresAt time.Time
}

// Queue is the delivery abstraction the core runs on top of.
type Queue interface {
	// Enqueue returns once msg is durable to the queue.
	Enqueue(ctx context.Context, msg Message) error

	// Claim blocks up to the adapter's configured wait for the next
	// deliverable message, returning it along with a lease.
	Claim(ctx context.Context) (Message, Lease, error)

	// Renew extends a lease's ownership window.
	Renew(ctx context.Context, lease Lease) (Lease, error)

	// Ack finalizes successful processing of taskID, releasing its lease.
	Ack(ctx context.Context, taskID string) error

	// Nack finalizes failed processing, releasing the lease without
	// requeueing (the caller has already failed the task terminally).
	Nack(ctx context.Context, taskID string, reason string) error

	// Close releases adapter resources.
	Close() error

	// SetReclaimHook registers a callback the adapter invokes when a
	// message is reclaimed — a lease expiring without ack/renew (memqueue)
	// or a broker redelivery (natsqueue) — before the task becomes
	// claimable again. cmd/evalorc wires this to registry.Reclaim so a
	// task abandoned by a dead worker is reset to PENDING instead of being
	// stuck STARTED forever.
	SetReclaimHook(fn func(taskID string))
}

// ErrNoMessage is returned by Claim when the wait elapses with nothing
// deliverable.
type ErrNoMessage struct{}

func (ErrNoMessage) Error() string { return "queue: no message available" }
