package manager

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// NotifyOnline signals that connectivity to the remote was restored. Run
// picks it up and resyncs; repeated signals before that coalesce.
func (m *Manager) NotifyOnline() {
	select {
	case m.resync <- struct{}{}:
	default:
	}
}

// Run flushes the cache every flush interval and resyncs after
// NotifyOnline until ctx is done, then performs a final flush. A failing or
// panicking step is logged and the loop carries on.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
			m.supervise("final flush", func() { m.flushLogged(fctx) })
			cancel()
			return nil
		case <-ticker.C:
			m.supervise("flush", func() { m.flushLogged(ctx) })
		case <-m.resync:
			m.supervise("resync", func() {
				sctx, cancel := context.WithTimeout(ctx, m.syncTimeout)
				defer cancel()
				_ = m.SyncWithRemote(sctx)
			})
		}
	}
}

func (m *Manager) flushLogged(ctx context.Context) {
	if !m.Flush(ctx) {
		m.logger.Warn("periodic flush incomplete")
	}
}

func (m *Manager) supervise(task string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("background task panicked", zap.String("task", task), zap.Any("panic", r))
		}
	}()
	fn()
}
