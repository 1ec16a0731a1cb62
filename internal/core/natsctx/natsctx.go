// Package natsctx propagates OpenTelemetry trace context across NATS
// message headers so a task dispatched on the queue subject and claimed by a
// worker on a different process shows up as one trace.
package natsctx

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "evalorc-queue"

var propagator = propagation.TraceContext{}

// Publish injects the current span's trace context into the message headers
// and publishes it on subject.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	carrier := propagation.HeaderCarrier(hdr)
	propagator.Inject(ctx, carrier)
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	return nc.PublishMsg(msg)
}

// Subscribe wraps nc.Subscribe, extracting the publisher's trace context from
// each message and starting a consumer span around handler.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer(tracerName)
		ctx, span := tr.Start(ctx, "queue.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		span.SetAttributes(attribute.String("queue.subject", m.Subject))
		defer span.End()
		handler(ctx, m)
	})
}

// QueueSubscribe is the queue-group variant of Subscribe: competing
// subscribers on the same queue name each receive a disjoint subset of
// messages.
func QueueSubscribe(nc *nats.Conn, subject, queue string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.QueueSubscribe(subject, queue, func(m *nats.Msg) {
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tr := otel.Tracer(tracerName)
		ctx, span := tr.Start(ctx, "queue.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		span.SetAttributes(
			attribute.String("queue.subject", m.Subject),
			attribute.String("queue.group", queue),
		)
		defer span.End()
		handler(ctx, m)
	})
}
