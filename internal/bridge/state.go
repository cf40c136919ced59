// Package bridge composes the per-node subsystems into the two runnable
// nodes: Robot (actuation under safety supervision) and Base (operator
// side).
package bridge

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// estopDedupWindow is the canonical window for collapsing duplicate E-STOP
// events arriving from the operator surfaces.
const estopDedupWindow = 500 * time.Millisecond

// State tracks the base node's view of the link: outstanding ping, measured
// RTT, the robot's reported E-STOP state, and E-STOP command deduplication.
type State struct {
	mu sync.Mutex

	activeCameraID   int
	backendConnected bool

	robotEstop       *bool
	robotEstopReason string

	// Outstanding ping for RTT measurement.
	pingSeq      uint64
	pingSentTime float64
	lastRTTMS    int

	// E-STOP event dedup across operator surfaces.
	lastEstopTime   time.Time
	lastEstopEngage *bool

	lastControllerPush time.Time

	logger *zap.Logger
}

// NewState builds the state manager.
func NewState(defaultCameraID int, logger *zap.Logger) *State {
	return &State{activeCameraID: defaultCameraID, logger: logger}
}

// NextPing allocates a ping sequence number and records its send time.
func (s *State) NextPing() (seq uint64, ts float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingSeq++
	s.pingSentTime = now()
	return s.pingSeq, s.pingSentTime
}

// UpdateRTT matches a pong against the outstanding ping and updates the
// measured RTT. Stale pongs (wrong sequence) are ignored.
func (s *State) UpdateRTT(pongSeq uint64, pingTS float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pongSeq != s.pingSeq || pingTS == 0 {
		return
	}
	s.lastRTTMS = int((now() - pingTS) * 1000)
	if s.lastRTTMS < 0 {
		s.lastRTTMS = 0
	}
}

// RTT returns the last measured round-trip time in milliseconds.
func (s *State) RTT() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRTTMS
}

// RecordRobotEstop notes the E-STOP state reported in telemetry, logging
// transitions.
func (s *State) RecordRobotEstop(engaged bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.robotEstop == nil || *s.robotEstop != engaged {
		s.logger.Warn("robot E-STOP state changed",
			zap.Bool("engaged", engaged), zap.String("reason", reason))
	}
	s.robotEstop = &engaged
	s.robotEstopReason = reason
}

// RobotEstop returns the last reported E-STOP state (nil if never seen).
func (s *State) RobotEstop() (*bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.robotEstop, s.robotEstopReason
}

// ShouldSendEstop applies the canonical dedup window to an outgoing E-STOP
// command: a duplicate of the same direction within the window is dropped,
// an opposite direction is allowed but logged as a rapid toggle.
func (s *State) ShouldSendEstop(engage bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	nowT := time.Now()
	if s.lastEstopEngage != nil && nowT.Sub(s.lastEstopTime) < estopDedupWindow {
		if *s.lastEstopEngage == engage {
			s.logger.Debug("E-STOP event dedup: dropped duplicate",
				zap.Bool("engage", engage))
			return false
		}
		s.logger.Warn("E-STOP rapid toggle from operator surface",
			zap.Bool("was_engage", *s.lastEstopEngage),
			zap.Bool("now_engage", engage))
	}
	s.lastEstopTime = nowT
	s.lastEstopEngage = &engage
	return true
}

// SetActiveCamera records the camera the operator selected.
func (s *State) SetActiveCamera(id int) {
	s.mu.Lock()
	s.activeCameraID = id
	s.mu.Unlock()
}

// ActiveCamera returns the selected camera id.
func (s *State) ActiveCamera() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeCameraID
}

// SetBackendConnected records backend link state.
func (s *State) SetBackendConnected(connected bool) {
	s.mu.Lock()
	changed := s.backendConnected != connected
	s.backendConnected = connected
	s.mu.Unlock()
	if changed {
		s.logger.Info("backend connection state changed", zap.Bool("connected", connected))
	}
}

// BackendConnected reports backend link state.
func (s *State) BackendConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendConnected
}

// ControllerPushDue rate-limits the condensed controller view; returns true
// at most once per interval.
func (s *State) ControllerPushDue(interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastControllerPush) < interval {
		return false
	}
	s.lastControllerPush = time.Now()
	return true
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
