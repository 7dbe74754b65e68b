// Package notifier adapts the queue publishers to the cdcstream.Notifier
// interface, turning a breaking schema change into a best-effort message
// on whatever queue backend is configured.
package notifier

import (
	"context"
	"log/slog"

	"go.lakestream.dev/cdc/internal/common/metrics"
	"go.lakestream.dev/cdc/internal/queue"
)

// QueueNotifier delivers alerts by publishing them to a queue.Publisher.
// A publish failure is logged, counted and returned to the caller; the
// watcher logs it and carries on, so alerting never fails the flush path
// that triggered it.
type QueueNotifier struct {
	publisher queue.Publisher
	queueType string
}

// New wraps an existing queue.Publisher (nats.Publisher or sqs.Publisher,
// both already satisfy the interface) as a cdcstream.Notifier. queueType
// is a metrics label ("nats" or "sqs").
func New(publisher queue.Publisher, queueType string) *QueueNotifier {
	return &QueueNotifier{publisher: publisher, queueType: queueType}
}

// Notify publishes message as the payload on the given channel/subject.
func (n *QueueNotifier) Notify(ctx context.Context, channel, message string) error {
	if err := n.publisher.Publish(ctx, channel, []byte(message)); err != nil {
		metrics.QueuePublishErrors.WithLabelValues(n.queueType).Inc()
		slog.Warn("notifier: failed to publish alert", "channel", channel, "error", err)
		return err
	}
	metrics.QueueMessagesPublished.WithLabelValues(n.queueType).Inc()
	return nil
}
