// Package keepalive sends a bare line periodically so the host does not drop
// an idle session.
package keepalive

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// LineWriter writes one line to the host.
type LineWriter interface {
	WriteLine(line string) error
}

// Scheduler owns the heartbeat goroutine for one connection.
type Scheduler struct {
	w        LineWriter
	interval time.Duration
	log      *zap.Logger

	stopped atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New returns a Scheduler writing to w every interval.
func New(w LineWriter, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{w: w, interval: interval, log: logger}
}

// Start launches the heartbeat. It is a no-op if the scheduler is already
// running or was stopped, or if the interval is not positive.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.stopped.Load() || s.interval <= 0 {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
}

func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.stopped.Load() {
				return
			}
			if err := s.w.WriteLine(""); err != nil {
				s.log.Debug("keep-alive write failed", zap.Error(err))
				return
			}
		}
	}
}

// Stop halts the heartbeat and waits for it to exit. It is safe to call more
// than once and before Start.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}
