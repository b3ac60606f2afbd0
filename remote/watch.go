package remote

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// WatchConnectivity polls p every interval and calls onRestored each time
// the remote goes from unreachable to reachable. The first successful probe
// does not count as a restoration. It returns when ctx is done.
func WatchConnectivity(ctx context.Context, p Pinger, interval time.Duration, onRestored func(), logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reachable := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := p.Ping(ctx)
		switch {
		case err != nil && reachable:
			reachable = false
			logger.Warn("remote unreachable", zap.Error(err))
		case err == nil && !reachable:
			reachable = true
			logger.Info("remote connectivity restored")
			onRestored()
		}
	}
}
