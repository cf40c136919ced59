// Package video implements the unauthenticated video channel: the robot
// streams raw MJPEG bytes, the base re-frames them by scanning for JPEG
// markers and serves the latest frame over HTTP.
package video

import (
	"bytes"

	"github.com/serpent-teleop/bridge/internal/protocol"
)

var (
	soiMarker = []byte{0xff, 0xd8}
	eoiMarker = []byte{0xff, 0xd9}
)

// Reframer extracts JPEG frames from a byte stream with no explicit
// framing. The working buffer is bounded: past MaxVideoBuffer the reframer
// records an overflow and resynchronizes at the next SOI beyond the buffer
// midpoint. Overflow is never a safety event - video is best-effort.
type Reframer struct {
	buf       []byte
	overflows uint64
	frames    uint64
	onFrame   func(frame []byte)
}

// NewReframer builds a reframer delivering complete frames to onFrame.
func NewReframer(onFrame func([]byte)) *Reframer {
	return &Reframer{onFrame: onFrame}
}

// Push appends received bytes and emits any complete frames.
func (r *Reframer) Push(data []byte) {
	r.buf = append(r.buf, data...)

	if len(r.buf) > protocol.MaxVideoBuffer {
		r.overflows++
		// Resync: drop everything before the next SOI past the midpoint,
		// or clear entirely if none is found.
		if soi := bytes.Index(r.buf[protocol.MaxVideoBuffer/2:], soiMarker); soi != -1 {
			r.buf = r.buf[protocol.MaxVideoBuffer/2+soi:]
		} else {
			r.buf = nil
		}
		return
	}

	for {
		soi := bytes.Index(r.buf, soiMarker)
		if soi == -1 {
			// No start marker: keep only the trailing bytes in case a
			// marker is split across reads.
			if len(r.buf) > 2 {
				r.buf = r.buf[len(r.buf)-2:]
			}
			return
		}

		eoi := bytes.Index(r.buf[soi+2:], eoiMarker)
		if eoi == -1 {
			// Incomplete frame: wait for more data.
			return
		}
		end := soi + 2 + eoi + 2

		frame := make([]byte, end-soi)
		copy(frame, r.buf[soi:end])
		r.buf = r.buf[end:]

		r.frames++
		if r.onFrame != nil {
			r.onFrame(frame)
		}
	}
}

// Overflows returns the number of buffer overflow resyncs.
func (r *Reframer) Overflows() uint64 {
	return r.overflows
}

// Frames returns the number of complete frames emitted.
func (r *Reframer) Frames() uint64 {
	return r.frames
}

// Buffered returns the current working buffer length.
func (r *Reframer) Buffered() int {
	return len(r.buf)
}
