// Package natsqueue is the durable Queue adapter backed by NATS JetStream:
// a pull consumer with JetStream's AckWait/redelivery standing in for the
// explicit lease timer memqueue implements by hand, and InProgress extending
// the ack wait the way Renew is supposed to.
package natsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/evalorc/internal/core/natsctx"
	"github.com/swarmguard/evalorc/internal/queue"
)

// Queue is a JetStream-backed queue.Queue.
type Queue struct {
	nc      *nats.Conn
	js      nats.JetStreamContext
	sub     *nats.Subscription
	subject string
	ackWait time.Duration
	claimWait time.Duration

	mu      sync.Mutex
	pending map[string]*nats.Msg // task_id -> undelivered-ack message

	onReclaim func(taskID string)
}

// New connects a durable pull consumer named durable against subject,
// creating the backing stream if it doesn't already exist.
func New(nc *nats.Conn, streamName, subject, durable string, leaseTTL, claimWait time.Duration) (*Queue, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("open jetstream context: %w", err)
	}

	if _, err := js.AddStream(&nats.StreamConfig{Name: streamName, Subjects: []string{subject}}); err != nil && !strings.Contains(err.Error(), "already in use") {
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	sub, err := js.PullSubscribe(subject, durable, nats.AckWait(leaseTTL), nats.ManualAck())
	if err != nil {
		return nil, fmt.Errorf("pull subscribe %s/%s: %w", subject, durable, err)
	}

	return &Queue{
		nc:        nc,
		js:        js,
		sub:       sub,
		subject:   subject,
		ackWait:   leaseTTL,
		claimWait: claimWait,
		pending:   make(map[string]*nats.Msg),
	}, nil
}

type wireMessage struct {
	TaskID        string    `json:"task_id"`
	PlanRef       string    `json:"plan_ref"`
	EnvelopeToken string    `json:"envelope_token"`
	EnqueueTS     time.Time `json:"enqueue_ts"`
}

func (q *Queue) Enqueue(ctx context.Context, msg queue.Message) error {
	data, err := json.Marshal(wireMessage{
		TaskID:        msg.TaskID,
		PlanRef:       msg.PlanRef,
		EnvelopeToken: msg.EnvelopeToken,
		EnqueueTS:     msg.EnqueueTS,
	})
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	return natsctx.Publish(ctx, q.nc, q.subject, data)
}

// Claim fetches one message, retrying transient fetch errors (not plain
// timeouts) with exponential backoff bounded by ctx.
func (q *Queue) Claim(ctx context.Context) (queue.Message, queue.Lease, error) {
	var natsMsgs []*nats.Msg
	operation := func() error {
		msgs, err := q.sub.Fetch(1, nats.MaxWait(q.claimWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) {
				natsMsgs = nil
				return nil
			}
			return err
		}
		natsMsgs = msgs
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return queue.Message{}, queue.Lease{}, fmt.Errorf("fetch from %s: %w", q.subject, err)
	}
	if len(natsMsgs) == 0 {
		return queue.Message{}, queue.Lease{}, queue.ErrNoMessage{}
	}

	natsMsg := natsMsgs[0]
	var wm wireMessage
	if err := json.Unmarshal(natsMsg.Data, &wm); err != nil {
		_ = natsMsg.Nak()
		return queue.Message{}, queue.Lease{}, fmt.Errorf("decode queue message: %w", err)
	}

	q.mu.Lock()
	q.pending[wm.TaskID] = natsMsg
	hook := q.onReclaim
	q.mu.Unlock()

	// JetStream redelivers a message itself once AckWait elapses without an
	// Ack/InProgress; NumDelivered > 1 is how this adapter learns that
	// happened, since it never controls redelivery timing directly the way
	// memqueue's own lease timer does.
	if meta, err := natsMsg.Metadata(); err == nil && meta.NumDelivered > 1 && hook != nil {
		hook(wm.TaskID)
	}

	msg := queue.Message{TaskID: wm.TaskID, PlanRef: wm.PlanRef, EnvelopeToken: wm.EnvelopeToken, EnqueueTS: wm.EnqueueTS}
	lease := queue.Lease{ID: wm.TaskID, TaskID: wm.TaskID, ExpiresAt: time.Now().Add(q.ackWait)}
	return msg, lease, nil
}

// Renew extends the message's ack wait via JetStream's InProgress signal.
func (q *Queue) Renew(ctx context.Context, lease queue.Lease) (queue.Lease, error) {
	q.mu.Lock()
	natsMsg, ok := q.pending[lease.TaskID]
	q.mu.Unlock()
	if !ok {
		return queue.Lease{}, queue.ErrNoMessage{}
	}
	if err := natsMsg.InProgress(); err != nil {
		return queue.Lease{}, fmt.Errorf("renew lease for %s: %w", lease.TaskID, err)
	}
	lease.ExpiresAt = time.Now().Add(q.ackWait)
	return lease, nil
}

func (q *Queue) Ack(ctx context.Context, taskID string) error {
	q.mu.Lock()
	natsMsg, ok := q.pending[taskID]
	delete(q.pending, taskID)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	return natsMsg.Ack()
}

func (q *Queue) Nack(ctx context.Context, taskID string, reason string) error {
	q.mu.Lock()
	natsMsg, ok := q.pending[taskID]
	delete(q.pending, taskID)
	q.mu.Unlock()
	if !ok {
		return nil
	}
	return natsMsg.Term()
}

func (q *Queue) Close() error {
	return q.sub.Unsubscribe()
}

// SetReclaimHook registers fn to be called, with the task ID, when Claim
// observes a broker redelivery.
func (q *Queue) SetReclaimHook(fn func(taskID string)) {
	q.mu.Lock()
	q.onReclaim = fn
	q.mu.Unlock()
}
