package sync

import (
	"context"
	"log/slog"
	"time"
)

// PermissionExpirer is the broker-side hook the monitor uses to time out
// stale permission requests.
type PermissionExpirer interface {
	ExpireOlderThan(ctx context.Context, age time.Duration) int
}

// AliveMonitor periodically demotes sessions and machines that fell out of
// the liveness window and cancels permission requests past the timeout.
// It holds no lock across store I/O; the caches handle their own locking.
type AliveMonitor struct {
	sessions *SessionCache
	machines *MachineCache
	broker   PermissionExpirer
	logger   *slog.Logger

	Interval          time.Duration
	PermissionTimeout time.Duration
}

func NewAliveMonitor(sessions *SessionCache, machines *MachineCache, broker PermissionExpirer, logger *slog.Logger) *AliveMonitor {
	return &AliveMonitor{
		sessions:          sessions,
		machines:          machines,
		broker:            broker,
		logger:            logger.With("component", "alive-monitor"),
		Interval:          5 * time.Second,
		PermissionTimeout: 30 * time.Minute,
	}
}

// Run sweeps until the context is cancelled.
func (m *AliveMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.Sweep(ctx, now)
		}
	}
}

// Sweep runs one pass. Exposed separately so tests can drive it directly.
func (m *AliveMonitor) Sweep(ctx context.Context, now time.Time) {
	if n := m.sessions.ExpireInactive(ctx, now); n > 0 {
		m.logger.Debug("expired inactive sessions", "count", n)
	}
	if n := m.machines.ExpireInactive(ctx, now); n > 0 {
		m.logger.Debug("expired inactive machines", "count", n)
	}
	if m.broker != nil {
		if n := m.broker.ExpireOlderThan(ctx, m.PermissionTimeout); n > 0 {
			m.logger.Info("timed out permission requests", "count", n)
		}
	}
}
