package bus

import (
	"context"
	"log/slog"
	"time"
)

// Connect dials until a connection is established, waiting delay between
// attempts. It only gives up when ctx is cancelled.
func Connect(ctx context.Context, dial Dialer, delay time.Duration, logger *slog.Logger) (Broker, error) {
	for attempt := 1; ; attempt++ {
		broker, err := dial(ctx)
		if err == nil {
			logger.Info("connected to message bus", "attempt", attempt)
			return broker, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		logger.Warn("message bus connection failed, retrying",
			"attempt", attempt, "retry_in", delay.String(), "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
