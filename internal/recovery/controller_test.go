package recovery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilchat/veilchat/internal/config"
)

func testCfg() config.RecoveryConfig {
	return config.RecoveryConfig{
		MaxRetries:          3,
		BaseDelay:           20 * time.Millisecond,
		BackoffMultiplier:   2.0,
		MaxDelay:            time.Second,
		JitterMax:           0, // deterministic spacing in tests
		HealthCheckInterval: 0, // no passive loop unless a test wants it
		ProbeTimeout:        time.Second,
		FallbackEnabled:     false,
	}
}

func failingProbe(counter *atomic.Int32) Probe {
	return func(ctx context.Context) error {
		counter.Add(1)
		return errors.New("probe down")
	}
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want },
		2*time.Second, 5*time.Millisecond, "want state %s, have %s", want, c.State())
}

// Exactly maxRetries attempts occur, spaced by growing backoff, ending in
// the error state when fallback is disabled.
func TestController_ExhaustionWithoutFallback(t *testing.T) {
	var probes atomic.Int32
	c := New(testCfg(), failingProbe(&probes), nil, nil)

	c.TriggerRecovery()
	waitForState(t, c, StateError)

	assert.Equal(t, int32(3), probes.Load())
	hist := c.History()
	require.Len(t, hist, 3)
	for i, a := range hist {
		assert.Equal(t, i+1, a.Number)
		assert.False(t, a.Succeeded)
		assert.Equal(t, "probe down", a.ErrText)
	}
	// Backoff: gap k is at least base * multiplier^k.
	gap1 := hist[1].Timestamp.Sub(hist[0].Timestamp)
	gap2 := hist[2].Timestamp.Sub(hist[1].Timestamp)
	assert.GreaterOrEqual(t, gap1, 20*time.Millisecond)
	assert.GreaterOrEqual(t, gap2, 40*time.Millisecond)

	assert.ErrorIs(t, c.LastError(), ErrExhausted)

	// Exhaustion stops automatic retrying.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), probes.Load())
}

func TestController_ExhaustionWithFallback(t *testing.T) {
	cfg := testCfg()
	cfg.FallbackEnabled = true
	var probes atomic.Int32
	c := New(cfg, failingProbe(&probes), nil, nil)

	c.TriggerRecovery()
	waitForState(t, c, StateConnected)
	assert.True(t, c.Degraded())
	assert.Equal(t, int32(3), probes.Load())
}

// Enabling fallback while in the error state promotes to connected without
// another probe attempt.
func TestController_EnableFallbackPromotesError(t *testing.T) {
	var probes atomic.Int32
	c := New(testCfg(), failingProbe(&probes), nil, nil)
	c.TriggerRecovery()
	waitForState(t, c, StateError)
	before := probes.Load()

	c.EnableFallback()
	assert.Equal(t, StateConnected, c.State())
	assert.True(t, c.Degraded())
	assert.Equal(t, before, probes.Load())
}

// Two concurrent triggers result in exactly one in-flight sequence.
func TestController_TriggerMutualExclusion(t *testing.T) {
	var probes atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	cfg := testCfg()
	cfg.MaxRetries = 1
	c := New(cfg, func(ctx context.Context) error {
		probes.Add(1)
		close(started)
		<-release
		return nil
	}, nil, nil)

	c.TriggerRecovery()
	<-started
	c.TriggerRecovery() // in flight: logged no-op
	close(release)
	waitForState(t, c, StateConnected)

	assert.Equal(t, int32(1), probes.Load())
	assert.Len(t, c.History(), 1)
}

func TestController_SuccessResetsCounter(t *testing.T) {
	var calls atomic.Int32
	c := New(testCfg(), func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, nil, nil)

	c.TriggerRecovery()
	waitForState(t, c, StateConnected)
	assert.NoError(t, c.LastError())
	assert.False(t, c.Degraded())

	hist := c.History()
	require.Len(t, hist, 3)
	assert.True(t, hist[2].Succeeded)
	assert.Equal(t, 3, hist[2].Number)
}

// The recovery procedure runs only after a successful probe, and its failure
// counts as a failed attempt.
func TestController_RecoverProcedureFailure(t *testing.T) {
	cfg := testCfg()
	cfg.MaxRetries = 1
	var recovers atomic.Int32
	c := New(cfg,
		func(ctx context.Context) error { return nil },
		func(ctx context.Context) error {
			recovers.Add(1)
			return errors.New("reconnect refused")
		}, nil)

	c.TriggerRecovery()
	waitForState(t, c, StateError)
	assert.Equal(t, int32(1), recovers.Load())
	require.Len(t, c.History(), 1)
	assert.Equal(t, "reconnect refused", c.History()[0].ErrText)
}

func TestController_ForceReconnectResets(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	c := New(testCfg(), func(ctx context.Context) error {
		if fail.Load() {
			return errors.New("down")
		}
		return nil
	}, nil, nil)

	c.TriggerRecovery()
	waitForState(t, c, StateError)
	require.Error(t, c.LastError())

	fail.Store(false)
	c.ForceReconnect()
	waitForState(t, c, StateConnected)
	assert.NoError(t, c.LastError())

	// Counter was reset: the successful attempt records as number 1.
	hist := c.History()
	last := hist[len(hist)-1]
	assert.Equal(t, 1, last.Number)
	assert.True(t, last.Succeeded)
}

func TestController_Reset(t *testing.T) {
	var probes atomic.Int32
	c := New(testCfg(), failingProbe(&probes), nil, nil)
	c.TriggerRecovery()
	waitForState(t, c, StateError)

	c.Reset()
	assert.Equal(t, StateDisconnected, c.State())
	assert.NoError(t, c.LastError())
	assert.Empty(t, c.History())

	// Reset cancels scheduled work: nothing keeps probing.
	before := probes.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, probes.Load())
}

func TestController_HistoryBounded(t *testing.T) {
	cfg := testCfg()
	cfg.MaxRetries = 4
	cfg.BaseDelay = time.Millisecond
	cfg.BackoffMultiplier = 1.0
	var probes atomic.Int32
	c := New(cfg, failingProbe(&probes), nil, nil)

	for i := 0; i < 3; i++ {
		c.TriggerRecovery()
		waitForState(t, c, StateError)
		c.ForceReconnect()
		waitForState(t, c, StateError)
	}
	assert.LessOrEqual(t, len(c.History()), historyCap)
}

// A failing periodic health probe while connected triggers recovery.
func TestController_HealthLoop(t *testing.T) {
	cfg := testCfg()
	cfg.HealthCheckInterval = 10 * time.Millisecond
	var healthy atomic.Bool
	healthy.Store(true)
	var probes atomic.Int32
	c := New(cfg, func(ctx context.Context) error {
		probes.Add(1)
		if healthy.Load() {
			return nil
		}
		return errors.New("went away")
	}, nil, nil)

	c.TriggerRecovery()
	waitForState(t, c, StateConnected)

	healthy.Store(false)
	// Health loop notices, recovery runs and fails out.
	waitForState(t, c, StateError)

	healthy.Store(true)
	c.ForceReconnect()
	waitForState(t, c, StateConnected)
}

func TestController_StateChangeObserver(t *testing.T) {
	var mu sync.Mutex
	var seen []State
	cfg := testCfg()
	cfg.MaxRetries = 1
	c := New(cfg, func(ctx context.Context) error { return nil }, nil, func(st State) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	c.TriggerRecovery()
	waitForState(t, c, StateConnected)
	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, StateRecovering, seen[0])
	assert.Equal(t, StateConnected, seen[len(seen)-1])
}
