package stream

import (
	"context"
	"log/slog"

	"auditchain/internal/platform/kafka/consumer"
)

// Feed relays records from the event topic into hub, so processes that did
// not commit the events can still serve live subscriptions. Undecodable
// records are logged and skipped.
func Feed(hub *Hub, logger *slog.Logger) consumer.Handler {
	return consumer.HandlerFunc(func(ctx context.Context, msg *consumer.Message) error {
		e, err := Decode(msg.Value)
		if err != nil {
			logger.WarnContext(ctx, "skipping undecodable event record",
				"topic", msg.Topic,
				"offset", msg.Offset,
				"key", string(msg.Key),
				"error", err,
			)
			return nil
		}
		hub.Publish(e)
		return nil
	})
}
