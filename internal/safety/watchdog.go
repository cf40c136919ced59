package safety

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/protocol"
)

// ControlStatus is the view of the control channel the watchdog monitors.
type ControlStatus interface {
	// Established reports whether any valid command has ever been accepted.
	Established() bool
	// ControlAge is the time since the last valid command.
	ControlAge() time.Duration
}

// Watchdog converts control-channel timing violations into E-STOP engages.
// It can only engage, never clear.
type Watchdog struct {
	gate     *Gate
	control  ControlStatus
	disabled bool
	bootTime time.Time
	interval time.Duration
	logger   *zap.Logger
}

// NewWatchdog builds the robot-side watchdog. disabled skips all safety
// checks for local bench testing and logs a prominent warning.
func NewWatchdog(gate *Gate, control ControlStatus, disabled bool, logger *zap.Logger) *Watchdog {
	if disabled {
		logger.Warn("WATCHDOG DISABLED FOR LOCAL TESTING - safety timeouts are NOT enforced")
	}
	return &Watchdog{
		gate:     gate,
		control:  control,
		disabled: disabled,
		bootTime: time.Now(),
		interval: 500 * time.Millisecond,
		logger:   logger,
	}
}

// Run ticks the safety checks until ctx is cancelled. A panic inside a check
// engages E-STOP with reason internal_error and the loop continues.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("watchdog started",
		zap.Duration("control_timeout", protocol.WatchdogTimeout),
		zap.Duration("startup_grace", protocol.StartupGrace),
		zap.Bool("disabled", w.disabled))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			w.safeCheck()
		}
	}
}

func (w *Watchdog) safeCheck() {
	defer func() {
		if r := recover(); r != nil {
			w.gate.Engage(protocol.ReasonInternalError, fmt.Sprintf("watchdog panic: %v", r))
			w.logger.Error("watchdog check panicked", zap.Any("panic", r))
		}
	}()
	w.CheckSafety()
}

// CheckSafety applies the two timing invariants:
//
//	W1: no control ever established after the startup grace -> startup_no_control
//	W2: control stale beyond the watchdog timeout -> watchdog_timeout
//
// Both engages are idempotent at the gate.
func (w *Watchdog) CheckSafety() {
	if w.disabled {
		return
	}

	now := time.Now()

	if !w.control.Established() {
		if uptime := now.Sub(w.bootTime); uptime > protocol.StartupGrace {
			w.gate.Engage(protocol.ReasonStartupNoControl,
				fmt.Sprintf("no control established after %.0fs", uptime.Seconds()))
		}
		return
	}

	if age := w.control.ControlAge(); age > protocol.WatchdogTimeout {
		w.gate.Engage(protocol.ReasonWatchdogTimeout,
			fmt.Sprintf("control stale for %.1fs", age.Seconds()))
	}
}

// Uptime is the time since the watchdog (and effectively the node) started.
func (w *Watchdog) Uptime() time.Duration {
	return time.Since(w.bootTime)
}
