package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is how often the sweeper expires aged trades.
const DefaultSweepInterval = time.Minute

// Timer periodically expires PENDING trades past the expiry window.
type Timer struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	lastRun  atomic.Int64 // unix nanos of the last completed sweep
}

// NewTimer creates a new expiry sweeper.
func NewTimer(service *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Timer{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastRun returns when the last sweep finished (zero before the first one).
func (t *Timer) LastRun() time.Time {
	n := t.lastRun.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start begins the sweep loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Sweep runs one expiry pass now and returns the number of trades expired.
func (t *Timer) Sweep(ctx context.Context) (int, error) {
	n, err := t.service.ExpirePending(ctx)
	if err != nil {
		return 0, err
	}
	t.lastRun.Store(time.Now().UnixNano())
	return n, nil
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in expiry sweeper", "panic", fmt.Sprint(r))
		}
	}()

	n, err := t.Sweep(ctx)
	if err != nil {
		t.logger.Warn("expiry sweep failed", "error", err)
		return
	}
	if n > 0 {
		t.logger.Info("expiry sweep", "expired", n)
	}
}
