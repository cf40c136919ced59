package executor

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/hardware"
	"github.com/serpent-teleop/bridge/internal/safety"
)

// CutterState is the autonomous cutting state.
type CutterState string

const (
	// StateAdvancing feeds the blade down into the branch.
	StateAdvancing CutterState = "advancing"
	// StateBackingOff retracts after a current spike.
	StateBackingOff CutterState = "backing_off"
	// StateComplete means breakthrough was confirmed and motors are stopped.
	StateComplete CutterState = "complete"
)

// CutterParams are the tuning constants for an autonomous cut. They come
// from configuration, not per-invocation.
type CutterParams struct {
	HighCurrent         float64       // back off above this (A)
	SafeCurrent         float64       // re-advance below this (A)
	IdleCurrent         float64       // breakthrough threshold (A)
	AdvanceSpeed        int           // feed speed while advancing
	BackoffSpeed        int           // feed speed while retracting
	OnOffSpeed          int           // blade on/off motor speed
	BreakthroughConfirm time.Duration // time below idle to confirm the cut
	LoopInterval        time.Duration // control loop period
}

// Cutter autonomously feeds one chainsaw into a branch and detects
// breakthrough by its current signature. Breakthrough only triggers after
// the current has peaked at least once, so an idle blade that never touched
// wood cannot complete spuriously.
//
// Motor assignment per chainsaw:
//
//	CS1: on/off = motor 4 (direction swapped), feed = motor 2 (+up, -down)
//	CS2: on/off = motor 5,                     feed = motor 3 (-up, +down)
type Cutter struct {
	id      int
	gate    *safety.Gate
	sensors hardware.SensorSource
	params  CutterParams

	onoffMotor int
	feedMotor  int
	sensorKey  string

	// onComplete relinquishes motor ownership back to manual control.
	onComplete func(id int)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// state machine, touched only by the control loop (and tests).
	state     CutterState
	hasPeaked bool
	lowSince  time.Time

	logger *zap.Logger
}

// NewCutter builds a cutter for chainsaw id (1 or 2).
func NewCutter(id int, gate *safety.Gate, sensors hardware.SensorSource, params CutterParams, onComplete func(int), logger *zap.Logger) *Cutter {
	c := &Cutter{
		id:         id,
		gate:       gate,
		sensors:    sensors,
		params:     params,
		onComplete: onComplete,
		state:      StateAdvancing,
		logger:     logger,
	}
	if id == 1 {
		c.onoffMotor, c.feedMotor, c.sensorKey = 4, 2, "cs1"
	} else {
		c.onoffMotor, c.feedMotor, c.sensorKey = 5, 3, "cs2"
	}
	return c
}

// Start energizes the blade and launches the control loop.
func (c *Cutter) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.logger.Info("autocut starting",
		zap.Int("chainsaw", c.id),
		zap.Float64("high_a", c.params.HighCurrent),
		zap.Float64("safe_a", c.params.SafeCurrent),
		zap.Float64("idle_a", c.params.IdleCurrent))

	// Blade on; direction is swapped for CS1.
	if c.id == 1 {
		c.gate.SetMotor(c.onoffMotor, -c.params.OnOffSpeed)
	} else {
		c.gate.SetMotor(c.onoffMotor, c.params.OnOffSpeed)
	}

	go c.run(ctx)
}

// Stop halts the loop and commands both motors to zero.
func (c *Cutter) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			c.logger.Warn("autocut loop did not exit in time", zap.Int("chainsaw", c.id))
		}
	}
	c.stopMotors()
}

// IsRunning reports whether the control loop is active.
func (c *Cutter) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Cutter) run(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.params.LoopInterval)
	defer ticker.Stop()

	c.logger.Info("autocut control loop started", zap.Int("chainsaw", c.id))

	completed := false
	for {
		select {
		case <-ctx.Done():
			c.finish(false)
			return
		case now := <-ticker.C:
			if c.step(c.readCurrent(), now) {
				completed = true
			}
		}
		if completed {
			c.finish(true)
			return
		}
	}
}

// step advances the state machine by one tick. It returns true when the cut
// completes. Split out from the loop so the transition logic is directly
// testable against a synthetic current trace.
func (c *Cutter) step(current float64, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateAdvancing:
		c.setFeed(true, c.params.AdvanceSpeed)

		switch {
		case current > c.params.HighCurrent:
			c.hasPeaked = true
			c.lowSince = time.Time{}
			c.state = StateBackingOff
			c.logger.Info("autocut backing off",
				zap.Int("chainsaw", c.id), zap.Float64("current_a", current))

		case c.hasPeaked && current < c.params.IdleCurrent:
			if c.lowSince.IsZero() {
				c.lowSince = now
				c.logger.Debug("autocut potential breakthrough",
					zap.Int("chainsaw", c.id), zap.Float64("current_a", current))
			} else if now.Sub(c.lowSince) >= c.params.BreakthroughConfirm {
				c.logger.Info("autocut breakthrough confirmed",
					zap.Int("chainsaw", c.id), zap.Float64("current_a", current))
				c.state = StateComplete
				return true
			}

		default:
			// Current back above idle: reset the confirmation timer.
			c.lowSince = time.Time{}
		}

	case StateBackingOff:
		c.setFeed(false, c.params.BackoffSpeed)

		if current < c.params.SafeCurrent {
			c.state = StateAdvancing
			c.logger.Info("autocut re-advancing",
				zap.Int("chainsaw", c.id), zap.Float64("current_a", current))
		}

	case StateComplete:
		return true
	}
	return false
}

// finish stops motors, clears running, and fires the completion callback if
// the cut ended naturally.
func (c *Cutter) finish(natural bool) {
	c.stopMotors()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	if natural && c.onComplete != nil {
		c.onComplete(c.id)
	}

	c.logger.Info("autocut control loop ended",
		zap.Int("chainsaw", c.id),
		zap.String("state", string(c.state)),
		zap.Bool("natural", natural))
}

func (c *Cutter) readCurrent() float64 {
	readings := c.sensors.ReadCurrents()
	return readings[c.sensorKey].Current
}

// setFeed drives the feed motor; the sign convention differs per chainsaw.
func (c *Cutter) setFeed(down bool, speed int) {
	var motorSpeed int
	if c.id == 1 {
		// Motor 2: +speed = up, -speed = down.
		if down {
			motorSpeed = -speed
		} else {
			motorSpeed = speed
		}
	} else {
		// Motor 3 is swapped: +speed = down, -speed = up.
		if down {
			motorSpeed = speed
		} else {
			motorSpeed = -speed
		}
	}
	c.gate.SetMotor(c.feedMotor, motorSpeed)
}

func (c *Cutter) stopMotors() {
	c.gate.SetMotor(c.feedMotor, 0)
	c.gate.SetMotor(c.onoffMotor, 0)
}

// State returns the current state (for telemetry and tests).
func (c *Cutter) State() CutterState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
