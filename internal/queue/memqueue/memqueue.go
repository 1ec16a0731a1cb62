// Package memqueue is a channel-backed, in-process Queue implementation,
// used as the default adapter and for tests that must run without a
// NATS broker (per the core's requirement to run on a pure in-memory
// queue).
package memqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/evalorc/internal/queue"
)

type leaseRecord struct {
	lease queue.Lease
	msg   queue.Message
	timer *time.Timer
}

// Queue is an in-memory channel-backed queue.Queue.
type Queue struct {
	leaseTTL time.Duration
	claimWait time.Duration

	ch chan queue.Message

	mu     sync.Mutex
	leases map[string]*leaseRecord // task_id -> lease
	closed bool
	reclaimed chan struct{} // signals Claim to wake after a reclaim

	onReclaim func(taskID string)
}

// New builds an in-memory queue with the given lease TTL and the duration
// Claim blocks waiting for a deliverable message.
func New(leaseTTL, claimWait time.Duration, bufferSize int) *Queue {
	return &Queue{
		leaseTTL:  leaseTTL,
		claimWait: claimWait,
		ch:        make(chan queue.Message, bufferSize),
		leases:    make(map[string]*leaseRecord),
		reclaimed: make(chan struct{}, 1),
	}
}

func (q *Queue) Enqueue(ctx context.Context, msg queue.Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) Claim(ctx context.Context) (queue.Message, queue.Lease, error) {
	timer := time.NewTimer(q.claimWait)
	defer timer.Stop()

	select {
	case msg := <-q.ch:
		lease := q.registerLease(msg)
		return msg, lease, nil
	case <-timer.C:
		return queue.Message{}, queue.Lease{}, queue.ErrNoMessage{}
	case <-ctx.Done():
		return queue.Message{}, queue.Lease{}, ctx.Err()
	}
}

func (q *Queue) registerLease(msg queue.Message) queue.Lease {
	lease := queue.Lease{ID: uuid.NewString(), TaskID: msg.TaskID, ExpiresAt: time.Now().Add(q.leaseTTL)}

	q.mu.Lock()
	rec := &leaseRecord{lease: lease, msg: msg}
	rec.timer = time.AfterFunc(q.leaseTTL, func() { q.reclaim(msg.TaskID, lease.ID) })
	q.leases[msg.TaskID] = rec
	q.mu.Unlock()

	return lease
}

// SetReclaimHook registers fn to be called, with the reclaimed task's ID,
// before the message is requeued.
func (q *Queue) SetReclaimHook(fn func(taskID string)) {
	q.mu.Lock()
	q.onReclaim = fn
	q.mu.Unlock()
}

// reclaim requeues a message whose lease expired without ack/renew. It is
// a no-op if the lease was already renewed (a newer lease ID is present)
// or already acked/nacked (no lease present). The reclaim hook, if set,
// runs before the message becomes visible to Claim again so the registry's
// task state is reset to PENDING first.
func (q *Queue) reclaim(taskID, leaseID string) {
	q.mu.Lock()
	rec, ok := q.leases[taskID]
	if !ok || rec.lease.ID != leaseID {
		q.mu.Unlock()
		return
	}
	delete(q.leases, taskID)
	closed := q.closed
	hook := q.onReclaim
	q.mu.Unlock()

	if closed {
		return
	}
	if hook != nil {
		hook(taskID)
	}
	_ = q.Enqueue(context.Background(), rec.msg)
	select {
	case q.reclaimed <- struct{}{}:
	default:
	}
}

func (q *Queue) Renew(ctx context.Context, lease queue.Lease) (queue.Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec, ok := q.leases[lease.TaskID]
	if !ok || rec.lease.ID != lease.ID {
		return queue.Lease{}, queue.ErrNoMessage{}
	}
	rec.timer.Stop()
	newID := uuid.NewString()
	rec.lease.ID = newID
	rec.lease.ExpiresAt = time.Now().Add(q.leaseTTL)
	rec.timer = time.AfterFunc(q.leaseTTL, func() { q.reclaim(lease.TaskID, newID) })
	return rec.lease, nil
}

func (q *Queue) Ack(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if rec, ok := q.leases[taskID]; ok {
		rec.timer.Stop()
		delete(q.leases, taskID)
	}
	return nil
}

func (q *Queue) Nack(ctx context.Context, taskID string, reason string) error {
	return q.Ack(ctx, taskID)
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	for _, rec := range q.leases {
		rec.timer.Stop()
	}
	return nil
}
