// Package recovery wraps a health probe and a recovery procedure in a retry
// loop with bounded exponential backoff and jitter. Exhausting the retry
// budget degrades to fallback mode when enabled instead of failing hard.
package recovery

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/veilchat/veilchat/internal/config"
	"github.com/veilchat/veilchat/internal/logger"
)

// State is the controller's externally observable status.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateRecovering   State = "recovering"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

// FSM triggers.
type fsmTrigger string

const (
	triggerStart            fsmTrigger = "RecoveryStarted"
	triggerSucceeded        fsmTrigger = "RecoverySucceeded"
	triggerRetryScheduled   fsmTrigger = "RetryScheduled"
	triggerExhausted        fsmTrigger = "RetriesExhausted"
	triggerFallbackPromoted fsmTrigger = "FallbackPromoted"
	triggerForceReconnect   fsmTrigger = "ForceReconnect"
	triggerReset            fsmTrigger = "Reset"
)

// ErrExhausted marks a recovery that ran out of retries.
var ErrExhausted = errors.New("recovery: retry budget exhausted")

// historyCap bounds the diagnostic attempt history.
const historyCap = 10

// Attempt is one recorded recovery attempt. Diagnostics only; correctness
// never depends on it.
type Attempt struct {
	Number    int // 1-based
	Timestamp time.Time
	Succeeded bool
	Duration  time.Duration
	ErrText   string
}

// Probe checks collaborator health. It must be cheap, side-effect free and
// honor its context deadline.
type Probe func(ctx context.Context) error

// Controller serializes recovery attempts: at most one is in flight, and the
// next retry is scheduled only after the current attempt concludes.
type Controller struct {
	cfg       config.RecoveryConfig
	probe     Probe
	recoverFn func(ctx context.Context) error
	onState   func(State)

	mu            sync.Mutex
	fsm           *stateless.StateMachine
	inFlight      bool
	retryCount    int
	lastErr       error
	fallback      bool
	degraded      bool
	attempts      []Attempt
	retryTimer    *time.Timer
	attemptCancel context.CancelFunc
	healthStop    chan struct{}
	gen           int
}

// New builds a controller in the idle state. recoverFn re-establishes the
// transport after a successful probe; onState observes status transitions
// and may be nil.
func New(cfg config.RecoveryConfig, probe Probe, recoverFn func(ctx context.Context) error, onState func(State)) *Controller {
	c := &Controller{
		cfg:       cfg,
		probe:     probe,
		recoverFn: recoverFn,
		onState:   onState,
		fallback:  cfg.FallbackEnabled,
	}

	fsm := stateless.NewStateMachine(StateIdle)
	for _, st := range []State{StateIdle, StateConnecting, StateConnected, StateDisconnected, StateError} {
		sc := fsm.Configure(st).
			Permit(triggerStart, StateRecovering)
		// stateless forbids Permit with destination == source; spell those
		// self-transitions as PermitReentry (no entry/exit actions are
		// configured, so behavior is identical).
		if st == StateConnecting {
			sc.PermitReentry(triggerForceReconnect)
		} else {
			sc.Permit(triggerForceReconnect, StateConnecting)
		}
		if st == StateDisconnected {
			sc.PermitReentry(triggerReset)
		} else {
			sc.Permit(triggerReset, StateDisconnected)
		}
	}
	fsm.Configure(StateRecovering).
		Permit(triggerSucceeded, StateConnected).
		Permit(triggerRetryScheduled, StateDisconnected).
		Permit(triggerExhausted, StateError).
		Permit(triggerFallbackPromoted, StateConnected).
		Permit(triggerForceReconnect, StateConnecting).
		Permit(triggerReset, StateDisconnected)
	fsm.Configure(StateError).
		Permit(triggerFallbackPromoted, StateConnected)
	c.fsm = fsm
	return c
}

// State returns the current status.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	return c.fsm.MustState().(State)
}

// LastError returns the most recent recovery failure, nil when healthy.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Degraded reports whether the controller is "connected" only by virtue of
// fallback mode after exhausting retries.
func (c *Controller) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// History returns a copy of the bounded attempt history, oldest first.
func (c *Controller) History() []Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Attempt, len(c.attempts))
	copy(out, c.attempts)
	return out
}

// TriggerRecovery runs one probe-and-recover attempt. A recovery already in
// flight makes this a logged no-op: exactly one attempt may be outstanding.
func (c *Controller) TriggerRecovery() {
	c.mu.Lock()
	if c.inFlight {
		logger.L.Debug("recovery already in flight, ignoring trigger")
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	c.stopRetryTimerLocked()
	ctx, cancel := context.WithCancel(context.Background())
	c.attemptCancel = cancel
	gen := c.gen
	attemptNo := c.retryCount + 1
	notify := c.fireLocked(triggerStart)
	c.mu.Unlock()
	notify()

	go c.runAttempt(ctx, gen, attemptNo)
}

func (c *Controller) runAttempt(ctx context.Context, gen, attemptNo int) {
	start := time.Now()
	probeCtx, cancelProbe := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	err := c.probe(probeCtx)
	cancelProbe()
	if err == nil && c.recoverFn != nil {
		err = c.recoverFn(ctx)
	}
	elapsed := time.Since(start)

	c.mu.Lock()
	if gen != c.gen {
		// Reset raced this attempt; its outcome no longer matters.
		c.mu.Unlock()
		return
	}
	c.inFlight = false
	c.recordLocked(Attempt{
		Number:    attemptNo,
		Timestamp: start,
		Succeeded: err == nil,
		Duration:  elapsed,
		ErrText:   errText(err),
	})

	var notify func()
	switch {
	case err == nil:
		c.retryCount = 0
		c.lastErr = nil
		c.degraded = false
		logger.L.Info("recovery succeeded", "attempt", attemptNo, "duration", elapsed)
		notify = c.fireLocked(triggerSucceeded)

	default:
		c.lastErr = err
		c.retryCount++
		if c.retryCount >= c.cfg.MaxRetries {
			c.lastErr = errors.Join(ErrExhausted, err)
			if c.fallback {
				c.degraded = true
				logger.L.Warn("retries exhausted, degrading to fallback", "attempts", c.retryCount)
				notify = c.fireLocked(triggerFallbackPromoted)
			} else {
				logger.L.Error("retries exhausted", "attempts", c.retryCount, "error", err)
				notify = c.fireLocked(triggerExhausted)
			}
		} else {
			delay := c.backoffLocked()
			logger.L.Warn("recovery attempt failed, retry scheduled",
				"attempt", attemptNo, "error", err, "delay", delay)
			notify = c.fireLocked(triggerRetryScheduled)
			c.retryTimer = time.AfterFunc(delay, c.TriggerRecovery)
		}
	}
	c.mu.Unlock()
	notify()
}

// ForceReconnect cancels any scheduled retry and any attempt in flight,
// clears the retry counter and last error, and starts an immediate recovery.
func (c *Controller) ForceReconnect() {
	c.mu.Lock()
	c.gen++
	c.stopRetryTimerLocked()
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}
	c.inFlight = false
	c.retryCount = 0
	c.lastErr = nil
	c.degraded = false
	notify := c.fireLocked(triggerForceReconnect)
	c.mu.Unlock()
	notify()

	go c.TriggerRecovery()
}

// EnableFallback makes retry exhaustion degrade softly instead of erroring.
// Enabling it while already in the error state promotes to connected without
// another probe.
func (c *Controller) EnableFallback() {
	c.mu.Lock()
	c.fallback = true
	var notify func()
	if c.stateLocked() == StateError {
		c.degraded = true
		notify = c.fireLocked(triggerFallbackPromoted)
	} else {
		notify = func() {}
	}
	c.mu.Unlock()
	notify()
}

// DisableFallback restores hard-error semantics for future exhaustions.
func (c *Controller) DisableFallback() {
	c.mu.Lock()
	c.fallback = false
	c.mu.Unlock()
}

// Reset cancels timers and in-flight work and returns to disconnected with a
// clean counter, error and history.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.gen++
	c.stopRetryTimerLocked()
	if c.attemptCancel != nil {
		c.attemptCancel()
		c.attemptCancel = nil
	}
	c.inFlight = false
	c.retryCount = 0
	c.lastErr = nil
	c.degraded = false
	c.attempts = nil
	notify := c.fireLocked(triggerReset)
	c.mu.Unlock()
	notify()
}

// backoffLocked computes min(base*multiplier^attempt, max) + uniform jitter.
// The exponent is the 0-based count of failures before this one.
func (c *Controller) backoffLocked() time.Duration {
	d := float64(c.cfg.BaseDelay)
	for i := 1; i < c.retryCount; i++ {
		d *= c.cfg.BackoffMultiplier
	}
	if max := float64(c.cfg.MaxDelay); c.cfg.MaxDelay > 0 && d > max {
		d = max
	}
	delay := time.Duration(d)
	if c.cfg.JitterMax > 0 {
		delay += time.Duration(rand.Int63n(int64(c.cfg.JitterMax)))
	}
	return delay
}

func (c *Controller) recordLocked(a Attempt) {
	c.attempts = append(c.attempts, a)
	if len(c.attempts) > historyCap {
		c.attempts = c.attempts[len(c.attempts)-historyCap:]
	}
}

func (c *Controller) stopRetryTimerLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// fireLocked advances the FSM, reconciles the health loop with the new
// state, and returns the observer notification to run after unlocking.
func (c *Controller) fireLocked(t fsmTrigger) func() {
	if err := c.fsm.Fire(t); err != nil {
		logger.L.Warn("recovery FSM fire error", "trigger", t, "error", err)
		return func() {}
	}
	st := c.stateLocked()

	if st == StateConnected && c.healthStop == nil && !c.degraded && c.cfg.HealthCheckInterval > 0 {
		stop := make(chan struct{})
		c.healthStop = stop
		go c.healthLoop(stop)
	}
	if st != StateConnected && c.healthStop != nil {
		close(c.healthStop)
		c.healthStop = nil
	}

	if c.onState == nil {
		return func() {}
	}
	fn := c.onState
	return func() { fn(st) }
}

// healthLoop probes periodically while connected; a failed probe (with no
// recovery already running) triggers recovery.
func (c *Controller) healthLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ProbeTimeout)
			err := c.probe(ctx)
			cancel()
			if err == nil {
				continue
			}
			c.mu.Lock()
			busy := c.inFlight
			c.mu.Unlock()
			if busy {
				continue
			}
			logger.L.Warn("health probe failed", "error", err)
			c.TriggerRecovery()
		}
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
