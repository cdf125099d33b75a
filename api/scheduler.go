/*
scheduler.go - Automated dispatch scheduler

PURPOSE:
  Periodically runs one dispatcher pass: generate events for companies with
  auto_generate, send ready batches for companies with auto_send, and poll
  every batch awaiting a government result.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on Start
  - A pass that overlaps the next tick is not started twice; the ticker
    drops ticks while a pass is running
  - Stop cancels the in-flight pass and waits for it

CONFIGURATION:
  - Interval: How often to run (default: 1 hour)
  - Enabled: Whether scheduler is active

USAGE:
  scheduler := NewDispatchScheduler(dispatcher, time.Hour, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerDispatch endpoint (manual pass)
  - pipeline/dispatch.go: Dispatcher
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/labor-events/pipeline"
)

// DispatchScheduler runs the dispatcher on a ticker.
type DispatchScheduler struct {
	Dispatcher *pipeline.Dispatcher
	Interval   time.Duration
	Enabled    bool

	logger *zap.Logger
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	last   *pipeline.DispatchReport
}

// NewDispatchScheduler creates an enabled scheduler.
func NewDispatchScheduler(d *pipeline.Dispatcher, interval time.Duration, logger *zap.Logger) *DispatchScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DispatchScheduler{
		Dispatcher: d,
		Interval:   interval,
		Enabled:    true,
		logger:     logger.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *DispatchScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("scheduler_disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx, s.ticker)

	s.logger.Info("scheduler_started", zap.Duration("interval", s.Interval))
}

// Stop stops the scheduler and waits for a running pass to return.
func (s *DispatchScheduler) Stop() {
	s.mu.Lock()
	ticker, cancel := s.ticker, s.cancel
	s.ticker, s.cancel = nil, nil
	s.mu.Unlock()

	if ticker == nil {
		return
	}
	ticker.Stop()
	cancel()
	s.wg.Wait()
	s.logger.Info("scheduler_stopped")
}

func (s *DispatchScheduler) run(ctx context.Context, ticker *time.Ticker) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one pass and records its report.
func (s *DispatchScheduler) RunNow(ctx context.Context) *pipeline.DispatchReport {
	start := time.Now()
	report, err := s.Dispatcher.RunOnce(ctx)
	if err != nil {
		s.logger.Error("dispatch_failed", zap.Error(err))
	}
	if report == nil {
		return nil
	}

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	fields := []zap.Field{
		zap.Int("companies", report.Companies),
		zap.Int("events_created", report.EventsCreated),
		zap.Int("batches_sent", report.BatchesSent),
		zap.Int("batches_checked", report.BatchesChecked),
		zap.Int("stuck", len(report.Stuck)),
		zap.Int("errors", len(report.Errors)),
		zap.Duration("duration", time.Since(start)),
	}
	if len(report.Errors) > 0 {
		s.logger.Warn("dispatch_completed", append(fields, zap.Strings("error_details", report.Errors))...)
	} else {
		s.logger.Info("dispatch_completed", fields...)
	}
	return report
}

// LastReport returns the report of the latest pass, or nil.
func (s *DispatchScheduler) LastReport() *pipeline.DispatchReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
