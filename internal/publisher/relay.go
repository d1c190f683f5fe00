package publisher

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"bus-tracker/internal/live"
)

// Relay subscribes to every trip event under the publisher's prefix and
// hands each one to sink, so viewers connected to this process follow trips
// updated by any process. Unsubscribe the returned subscription to stop.
func (p *NATSPublisher) Relay(ctx context.Context, sink live.Publisher) (*nats.Subscription, error) {
	subject := subjectToken(p.prefix) + ".*.*"
	return p.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev live.Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			p.logger.Warn("dropping malformed trip event",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()))
			return
		}
		sink.Publish(ctx, ev)
	})
}
