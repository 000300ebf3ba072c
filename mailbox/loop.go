package mailbox

import (
	"context"
	"log/slog"
	"time"
)

// Start runs the background loop until ctx is done or Close is called. Each
// cycle reconciles every subscribed topic with the next relay of the
// rotation, then waits SuccessInterval or ErrorInterval, or less when
// TriggerSync is called, but never less than MinInterval between the starts
// of two cycles.
func (m *Manager[I]) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.run(ctx, m.done)

	m.logger.Info("sync loop started",
		slog.Duration("success_interval", m.cfg.SuccessInterval),
		slog.Duration("error_interval", m.cfg.ErrorInterval),
		slog.Duration("min_interval", m.cfg.MinInterval),
	)
	return nil
}

// Close stops the background loop, abandoning a cycle in flight, and waits
// for it to exit. Subscription channels are left open.
func (m *Manager[I]) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.wake)
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	m.logger.Info("mailbox manager closed")
	return nil
}

func (m *Manager[I]) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	next := 0
	lastStart := time.Now()
	for {
		var wait time.Duration
		wait, next = m.cycle(ctx, next)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Debug("sync loop exited", slog.String("reason", ctx.Err().Error()))
			return
		case _, ok := <-m.wake:
			timer.Stop()
			if !ok {
				m.logger.Debug("sync loop exited", slog.String("reason", "closed"))
				return
			}
			m.logger.Trace(ctx, "sync triggered")
		case <-timer.C:
		}

		if elapsed := time.Since(lastStart); elapsed < m.cfg.MinInterval {
			floor := time.NewTimer(m.cfg.MinInterval - elapsed)
			select {
			case <-ctx.Done():
				floor.Stop()
				return
			case <-floor.C:
			}
		}
		lastStart = time.Now()
	}
}

// cycle runs one reconciliation against the relay at position next and
// returns the wait before the following cycle and the next position.
func (m *Manager[I]) cycle(ctx context.Context, next int) (time.Duration, int) {
	relay, next, ok := m.relayAt(next)
	if !ok {
		m.logger.Warn("no relay registered, nothing to sync")
		return m.cfg.ErrorInterval, next
	}

	topics := m.SubscribedTopics()
	if len(topics) == 0 {
		m.logger.Warn("no topics subscribed, nothing to sync")
		return m.cfg.ErrorInterval, next
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	m.logger.Trace(ctx, "polling relay", slog.Int("relay", next-1))
	if err := m.SyncTopics(cctx, topics, relay); err != nil {
		m.logger.LogError(ctx, err, "sync with relay failed", slog.Int("relay", next-1))
		return m.cfg.ErrorInterval, next
	}
	return m.cfg.SuccessInterval, next
}
