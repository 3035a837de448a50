package call

import (
	"log/slog"
	"sync"
	"time"
)

// RetryPolicy bounds how hard a session fights to keep a call alive.
type RetryPolicy struct {
	// MaxAttempts is the total restart budget. Once spent the session
	// fails terminally.
	MaxAttempts int

	// DisconnectedGrace is how long a disconnected transport may sit
	// before the first restart; transports often recover on their own.
	DisconnectedGrace time.Duration

	// InitialBackoff spaces restarts after a hard failure, growing by
	// Multiplier per attempt up to MaxBackoff.
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		DisconnectedGrace: 3 * time.Second,
		InitialBackoff:    time.Second,
		Multiplier:        2,
		MaxBackoff:        30 * time.Second,
	}
}

// backoff returns the delay before the given 1-based attempt.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// AfterFunc schedules f after d and returns a cancel function. Tests
// substitute a manual implementation.
type AfterFunc func(d time.Duration, f func()) (cancel func() bool)

func realAfter(d time.Duration, f func()) func() bool {
	t := time.AfterFunc(d, f)
	return t.Stop
}

// supervisor turns transport connectivity events into bounded restart
// attempts. restart and giveUp are always invoked from timer callbacks,
// never synchronously, so callers may hold their own locks.
type supervisor struct {
	policy  RetryPolicy
	logger  *slog.Logger
	after   AfterFunc
	restart func()
	giveUp  func()

	mu       sync.Mutex
	attempts int
	cancel   func() bool
	stopped  bool
}

func newSupervisor(policy RetryPolicy, logger *slog.Logger, after AfterFunc, restart, giveUp func()) *supervisor {
	return &supervisor{
		policy:  policy,
		logger:  logger,
		after:   after,
		restart: restart,
		giveUp:  giveUp,
	}
}

// connected resets the retry budget; the call survived.
func (s *supervisor) connected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
	s.cancelTimerLocked()
}

// disconnected arms the grace timer. If connectivity does not come
// back before it fires, the session is restarted.
func (s *supervisor) disconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.cancel != nil {
		return
	}
	s.logger.Info("transport disconnected, waiting for recovery",
		slog.Duration("grace", s.policy.DisconnectedGrace))
	s.cancel = s.after(s.policy.DisconnectedGrace, func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		s.scheduleRestart()
	})
}

// failed skips the grace period; a failed transport does not recover.
func (s *supervisor) failed() {
	s.mu.Lock()
	s.cancelTimerLocked()
	s.mu.Unlock()
	s.scheduleRestart()
}

// stop cancels any pending work permanently.
func (s *supervisor) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cancelTimerLocked()
}

// scheduleRestart burns one attempt and arms the backoff timer, or
// gives up when the budget is gone.
func (s *supervisor) scheduleRestart() {
	s.mu.Lock()
	if s.stopped || s.cancel != nil {
		s.mu.Unlock()
		return
	}
	s.attempts++
	attempt := s.attempts
	if attempt > s.policy.MaxAttempts {
		s.stopped = true
		s.mu.Unlock()
		s.logger.Warn("reconnect budget exhausted",
			slog.Int("attempts", s.policy.MaxAttempts))
		s.after(0, s.giveUp)
		return
	}
	delay := s.policy.backoff(attempt)
	s.logger.Info("scheduling reconnect",
		slog.Int("attempt", attempt),
		slog.Int("max_attempts", s.policy.MaxAttempts),
		slog.Duration("delay", delay),
	)
	s.cancel = s.after(delay, func() {
		s.mu.Lock()
		s.cancel = nil
		stopped := s.stopped
		s.mu.Unlock()
		if !stopped {
			s.restart()
		}
	})
	s.mu.Unlock()
}

func (s *supervisor) cancelTimerLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
