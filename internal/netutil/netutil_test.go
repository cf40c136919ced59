package netutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestBackoffSchedule(t *testing.T) {
	b := DefaultBackoff()

	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 16 * time.Second, 32 * time.Second,
		32 * time.Second, // capped
	}
	for i, w := range want {
		assert.Equal(t, w, b.NextDelay(), "step %d", i)
	}

	b.Reset()
	assert.Equal(t, 1*time.Second, b.NextDelay())
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second, zap.NewNop())

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
		assert.Equal(t, CircuitClosed, cb.State())
		assert.True(t, cb.AllowRequest())
	}

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.AllowRequest())
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb := NewCircuitBreaker(2, 10*time.Millisecond, zap.NewNop())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.AllowRequest())

	time.Sleep(15 * time.Millisecond)

	// Cooldown expired: one probe allowed.
	assert.True(t, cb.AllowRequest())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	// Probe failure reopens with timer restarted.
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.AllowRequest())

	time.Sleep(15 * time.Millisecond)
	assert.True(t, cb.AllowRequest())

	// Probe success closes.
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
	assert.True(t, cb.AllowRequest())
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker(5, time.Second, zap.NewNop())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	assert.Equal(t, 0, cb.Failures())

	// Needs a full fresh run of failures to open again.
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestListenReuseAddr(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	assert.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	// Rebinding the same port immediately must succeed.
	ln2, err := Listen(addr)
	assert.NoError(t, err)
	ln2.Close()
}

func TestAcceptWithTimeoutNoClient(t *testing.T) {
	ln, err := Listen("127.0.0.1:0")
	assert.NoError(t, err)
	defer ln.Close()

	start := time.Now()
	conn, err := AcceptWithTimeout(ln, 20*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, conn)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}
