package usage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atticmail/atticmail/internal/store"
)

// Publisher is the broker side of the outbox, satisfied by natsjs.Publisher.
type Publisher interface {
	Publish(subject string, payload []byte, msgID string) error
}

// Dispatcher drains the usage outbox to the broker. Publication failures are
// retried with backoff; the ledger row itself is already durable, so a broker
// outage never loses an event.
type Dispatcher struct {
	store     *store.Store
	publisher Publisher
	log       *zap.Logger
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(st *store.Store, publisher Publisher, log *zap.Logger) *Dispatcher {
	return &Dispatcher{store: st, publisher: publisher, log: log}
}

// Run dispatches outbox messages until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := d.store.DequeueOutbox(ctx, 100)
		if err != nil {
			d.log.Error("dequeue outbox", zap.Error(err))
			sleep(ctx, time.Second)
			continue
		}

		if len(messages) == 0 {
			sleep(ctx, 500*time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := d.publisher.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				d.log.Warn("publish usage event", zap.Int64("outbox_id", msg.ID), zap.Error(err))
				_ = d.store.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}

			if err := d.store.MarkPublished(ctx, msg.ID); err != nil {
				d.log.Error("mark outbox published", zap.Int64("outbox_id", msg.ID), zap.Error(err))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
