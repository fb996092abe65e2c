// Package scan implements the BLE scanner (spec §4.5, C5): a thin policy
// layer over the adapter.Adapter capability set that starts/stops scanning,
// tracks scanner state, and restarts itself with bounded exponential
// back-off when the adapter reports a scan failure. It plays the same role
// scanner.Scanner plays in the teacher repo, but reports state transitions
// instead of accumulating a deduplicated device map — deduplication is
// explicitly not required at this layer (spec §4.2).
package scan

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleproxyd/internal/adapter"
	"github.com/srg/bleproxyd/internal/model"
)

// Mode is re-exported for callers that only import this package.
type Mode = model.ScannerMode

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// StateSink is invoked whenever the scanner's mode changes, including the
// initial transition out of ScannerIdle.
type StateSink func(mode model.ScannerMode)

// Scanner owns the adapter's scan lifecycle. Exactly one Scanner exists per
// daemon; C10 starts and stops it based on subscriber counts.
type Scanner struct {
	ad     adapter.Adapter
	logger *logrus.Logger

	mu        sync.Mutex
	mode      model.ScannerMode
	stateSink StateSink
	advSink   func(model.Advertisement)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Scanner bound to ad. advSink receives every delivered
// advertisement; it is wired once, at construction, the way C5 is wired to
// the batcher for its whole lifetime.
func New(ad adapter.Adapter, logger *logrus.Logger, advSink func(model.Advertisement)) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Scanner{ad: ad, logger: logger, advSink: advSink}
	ad.OnAdvertisement(func(adv model.Advertisement) {
		s.mu.Lock()
		sink := s.advSink
		s.mu.Unlock()
		if sink != nil {
			sink(adv)
		}
	})
	return s
}

// OnStateChange registers the sink invoked on every scanner mode change.
// Spec §4.5 requires delivering the current mode immediately on subscribe;
// callers should call Mode() right after registering to get that initial
// value themselves.
func (s *Scanner) OnStateChange(sink StateSink) {
	s.mu.Lock()
	s.stateSink = sink
	s.mu.Unlock()
}

// Mode returns the scanner's current reported state.
func (s *Scanner) Mode() model.ScannerMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Start begins scanning in the requested mode. A Start while already
// running is a no-op whatever mode it asks for; to change mode the caller,
// C10, stops the scanner and starts it again.
func (s *Scanner) Start(ctx context.Context, active bool) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(runCtx, active)
}

// Stop halts scanning and waits for the run loop to exit.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.setMode(model.ScannerIdle)
}

// run implements spec §7's recovery policy for C5: scan failures never
// crash the daemon, they trigger a restart with exponential back-off
// (initial 1s, capped at 30s), reset to the initial value on a scan that
// ran long enough to be considered healthy.
func (s *Scanner) run(ctx context.Context, active bool) {
	defer s.wg.Done()

	backoff := initialBackoff
	mode := model.ScannerPassive
	if active {
		mode = model.ScannerActive
	}

	for ctx.Err() == nil {
		s.setMode(mode)
		started := time.Now()
		err := s.ad.StartScan(ctx, active)
		s.setMode(model.ScannerIdle)

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			return // StartScan only returns nil here on a clean, non-cancelled stop
		}

		s.logger.WithError(err).WithField("backoff", backoff).Warn("scanner restarting after failure")
		if time.Since(started) >= maxBackoff {
			backoff = initialBackoff
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (s *Scanner) setMode(mode model.ScannerMode) {
	s.mu.Lock()
	if s.mode == mode {
		s.mu.Unlock()
		return
	}
	s.mode = mode
	sink := s.stateSink
	s.mu.Unlock()
	if sink != nil {
		sink(mode)
	}
}
