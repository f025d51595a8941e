package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/exitguard/internal/domain"
)

// Run subscribes to host events, starts the engine and drives passes until
// ctx is cancelled or the event stream ends. The subscription is cancelled and
// engine state cleared on every return path.
func (e *Engine) Run(ctx context.Context) error {
	events, unsubscribe, err := e.host.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("engine: subscribe: %w", err)
	}
	defer unsubscribe()

	if err := e.Start(ctx); err != nil {
		return err
	}
	defer e.Stop()

	interval := e.cfg.CheckInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				e.logger.Error("host event stream closed")
				return fmt.Errorf("engine: %w", domain.ErrStreamClosed)
			}
			e.HandleEvent(ctx, ev)

		case <-ticker.C:
			e.OnTimer(ctx)
		}
	}
}

// IsShutdown reports whether err is the normal result of cancelling Run.
func IsShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
