package video

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/netutil"
)

const (
	readChunkSize    = 65536
	videoReadTimeout = 3 * time.Second

	// mjpegPollInterval bounds the HTTP emitter to 100 Hz.
	mjpegPollInterval = 10 * time.Millisecond
)

// Video sockets detect dead peers faster than the control defaults; frames
// arrive continuously, so idle means broken.
var videoKeepalive = netutil.KeepaliveConfig{
	Idle:     5 * time.Second,
	Interval: 2 * time.Second,
	Count:    3,
}

// Receiver accepts the robot's raw MJPEG stream, re-frames it, and keeps
// the latest frame for HTTP consumers. Single writer (the receive loop),
// many readers (MJPEG clients, snapshot endpoint).
type Receiver struct {
	addr string

	mu            sync.Mutex
	connected     bool
	currentFrame  []byte
	lastFrameTime time.Time
	framesTotal   uint64
	overflows     uint64

	logger *zap.Logger
}

// NewReceiver builds the video receiver listening on addr.
func NewReceiver(addr string, logger *zap.Logger) *Receiver {
	return &Receiver{addr: addr, logger: logger}
}

// Run binds the listener and serves until ctx is cancelled.
func (r *Receiver) Run(ctx context.Context) error {
	ln, err := netutil.Listen(r.addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	r.logger.Info("video receiver listening", zap.String("addr", r.addr))

	for ctx.Err() == nil {
		conn, err := netutil.AcceptWithTimeout(ln, time.Second)
		if err != nil {
			r.logger.Error("video accept error", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if conn == nil {
			continue
		}

		r.serve(ctx, conn)
	}
	return nil
}

func (r *Receiver) serve(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	netutil.ConfigureConn(conn, videoKeepalive, r.logger)

	r.setConnected(true)
	defer r.setConnected(false)

	r.logger.Info("robot video connected",
		zap.String("remote", conn.RemoteAddr().String()))

	reframer := NewReframer(r.storeFrame)
	buf := make([]byte, readChunkSize)

	for ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(videoReadTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			if netutil.IsTimeout(err) {
				continue
			}
			r.logger.Warn("video stream ended", zap.Error(err))
			break
		}
		reframer.Push(buf[:n])

		r.mu.Lock()
		r.overflows = reframer.Overflows()
		r.mu.Unlock()
	}
}

// storeFrame keeps only the latest frame.
func (r *Receiver) storeFrame(frame []byte) {
	r.mu.Lock()
	r.currentFrame = frame
	r.lastFrameTime = time.Now()
	r.framesTotal++
	r.mu.Unlock()
}

func (r *Receiver) setConnected(connected bool) {
	r.mu.Lock()
	r.connected = connected
	r.mu.Unlock()
}

// Frame returns the latest frame and its arrival time.
func (r *Receiver) Frame() ([]byte, time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.currentFrame, r.lastFrameTime
}

// Connected reports whether the robot's video stream is attached.
func (r *Receiver) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Stats returns (frames_received, buffer_overflows).
func (r *Receiver) Stats() (uint64, uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.framesTotal, r.overflows
}

// ServeMJPEG streams frames as multipart/x-mixed-replace. A new part is
// emitted only when the stored frame's timestamp advances, and polling is
// bounded at 100 Hz.
func (r *Receiver) ServeMJPEG(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var lastSent time.Time
	ticker := time.NewTicker(mjpegPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			frame, stamp := r.Frame()
			if frame == nil || !stamp.After(lastSent) {
				continue
			}
			lastSent = stamp

			if _, err := fmt.Fprintf(w,
				"--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			if _, err := fmt.Fprint(w, "\r\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ServeSnapshot returns the latest frame as a single JPEG.
func (r *Receiver) ServeSnapshot(w http.ResponseWriter, _ *http.Request) {
	frame, _ := r.Frame()
	if frame == nil {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Write(frame)
}
