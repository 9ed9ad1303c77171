// Package reconnect restarts ICE when the call's connection degrades.
//
// Only the offerer restarts. Entering reconnecting arms a single timer;
// recovering before it fires cancels it. Entering failed restarts right away
// (or after the backoff delay for repeated failures). At most one restart is
// pending or in flight at a time.
package reconnect

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/p2pvoice/voicelink/internal/metrics"
	"github.com/p2pvoice/voicelink/internal/webrtcpeer"
)

const DefaultDelay = 3 * time.Second

// Target is the session being supervised.
type Target interface {
	IsOfferer() bool
	RestartICE(ctx context.Context) error
}

type Config struct {
	// Delay is how long the connection may stay in reconnecting before a
	// restart.
	Delay time.Duration
	// MaxAttempts caps consecutive restarts without reaching connected.
	// 0 means unbounded.
	MaxAttempts int
	// BackoffMultiplier scales the delay after each attempt. Values <= 1 keep
	// the delay constant and make every failed restart immediate.
	BackoffMultiplier float64
	// MaxDelay bounds the backed-off delay. 0 means no bound.
	MaxDelay time.Duration

	Clock Clock
}

func (c Config) WithDefaults() Config {
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	if c.Clock == nil {
		c.Clock = RealClock{}
	}
	return c
}

type Supervisor struct {
	target  Target
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	timer     Timer
	gen       uint64
	inFlight  bool
	attempts  int
	exhausted bool
	closed    bool
}

func New(target Target, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		target:  target,
		cfg:     cfg.WithDefaults(),
		metrics: m,
		log:     logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// StateChanged feeds a session transition to the supervisor. It never
// blocks on a restart.
func (s *Supervisor) StateChanged(_, next webrtcpeer.State) {
	switch next {
	case webrtcpeer.StateConnected:
		s.recovered()
	case webrtcpeer.StateReconnecting:
		s.degraded()
	case webrtcpeer.StateFailed:
		s.failed()
	case webrtcpeer.StateDisconnected:
		s.mu.Lock()
		s.stopTimerLocked()
		s.mu.Unlock()
	}
}

// Attempts returns the number of restarts since the last connected state.
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Pending reports whether a restart is scheduled or running.
func (s *Supervisor) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil || s.inFlight
}

// Close cancels any scheduled restart and aborts one in flight.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.stopTimerLocked()
	s.mu.Unlock()
	s.cancel()
}

func (s *Supervisor) recovered() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.log.Info("connection recovered before ice restart")
	}
	s.stopTimerLocked()
	s.attempts = 0
	s.exhausted = false
}

func (s *Supervisor) degraded() {
	if !s.target.IsOfferer() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyLocked() {
		return
	}
	s.scheduleLocked(s.delayLocked())
}

func (s *Supervisor) failed() {
	if !s.target.IsOfferer() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.inFlight {
		return
	}
	// failed overrides a pending reconnecting timer.
	s.stopTimerLocked()

	if s.cfg.BackoffMultiplier > 1 && s.attempts > 0 {
		s.scheduleLocked(s.delayLocked())
		return
	}
	if !s.beginLocked() {
		return
	}
	go s.restart()
}

func (s *Supervisor) busyLocked() bool {
	return s.closed || s.inFlight || s.timer != nil
}

func (s *Supervisor) scheduleLocked(d time.Duration) {
	if s.exhaustedLocked() {
		return
	}
	s.gen++
	gen := s.gen
	s.timer = s.cfg.Clock.AfterFunc(d, func() { s.fire(gen) })
	s.metrics.Inc(metrics.ICERestartScheduled)
	s.log.Info("ice restart scheduled", "delay", d, "attempt", s.attempts+1)
}

func (s *Supervisor) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	ok := s.beginLocked()
	s.mu.Unlock()
	if ok {
		s.restart()
	}
}

// beginLocked marks a restart in flight, or reports false when closed or out
// of attempts.
func (s *Supervisor) beginLocked() bool {
	if s.closed || s.inFlight || s.exhaustedLocked() {
		return false
	}
	s.inFlight = true
	s.attempts++
	return true
}

func (s *Supervisor) exhaustedLocked() bool {
	if s.cfg.MaxAttempts == 0 || s.attempts < s.cfg.MaxAttempts {
		return false
	}
	if !s.exhausted {
		s.exhausted = true
		s.metrics.Inc(metrics.ICERestartExhausted)
		s.log.Warn("ice restart attempts exhausted", "max_attempts", s.cfg.MaxAttempts)
	}
	return true
}

func (s *Supervisor) restart() {
	s.metrics.Inc(metrics.ICERestartAttempted)
	err := s.target.RestartICE(s.ctx)

	s.mu.Lock()
	s.inFlight = false
	attempt := s.attempts
	s.mu.Unlock()

	if err != nil {
		s.metrics.Inc(metrics.ICERestartFailed)
		s.log.Warn("ice restart failed", "attempt", attempt, "err", err)
		return
	}
	s.log.Info("ice restart offer sent", "attempt", attempt)
}

// delayLocked is Delay * BackoffMultiplier^attempts, capped at MaxDelay.
func (s *Supervisor) delayLocked() time.Duration {
	d := s.cfg.Delay
	if s.cfg.BackoffMultiplier > 1 && s.attempts > 0 {
		scaled := float64(d) * math.Pow(s.cfg.BackoffMultiplier, float64(s.attempts))
		if scaled > float64(math.MaxInt64) {
			scaled = float64(math.MaxInt64)
		}
		d = time.Duration(scaled)
	}
	if s.cfg.MaxDelay > 0 && d > s.cfg.MaxDelay {
		d = s.cfg.MaxDelay
	}
	return d
}

func (s *Supervisor) stopTimerLocked() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.gen++
}
