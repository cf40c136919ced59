package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/serpent-teleop/bridge/internal/protocol"
	"github.com/serpent-teleop/bridge/internal/telemetry"
	"github.com/serpent-teleop/bridge/internal/video"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The dashboard is served on the operator LAN; cross-origin is fine.
	CheckOrigin: func(*http.Request) bool { return true },
}

// StatusFunc returns the base node's current status document.
type StatusFunc func() map[string]any

// CommandFunc forwards an operator command originating from a dashboard
// client onto the control channel.
type CommandFunc func(cmdType string, data protocol.CommandData) bool

// Server is the base's HTTP surface: websocket hub, telemetry API, video
// endpoints, and Prometheus metrics.
type Server struct {
	addr    string
	hub     *Hub
	codec   *protocol.Codec
	buffer  *telemetry.Buffer
	video   *video.Receiver
	metrics *Metrics

	status    StatusFunc
	onCommand CommandFunc

	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer wires the dashboard routes.
func NewServer(addr string, hub *Hub, buffer *telemetry.Buffer, videoRecv *video.Receiver,
	metrics *Metrics, status StatusFunc, onCommand CommandFunc, logger *zap.Logger) *Server {
	s := &Server{
		addr:      addr,
		hub:       hub,
		codec:     protocol.NewCodec(),
		buffer:    buffer,
		video:     videoRecv,
		metrics:   metrics,
		status:    status,
		onCommand: onCommand,
		logger:    logger,
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/telemetry/latest", s.handleLatest).Methods(http.MethodGet)
	r.HandleFunc("/api/telemetry/history", s.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/telemetry/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/command", s.handleCommand).Methods(http.MethodPost)
	if videoRecv != nil {
		r.HandleFunc("/video/stream", videoRecv.ServeMJPEG).Methods(http.MethodGet)
		r.HandleFunc("/video/snapshot", videoRecv.ServeSnapshot).Methods(http.MethodGet)
	}
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.logMiddleware(r),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Run serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("dashboard server listening", zap.String("addr", s.addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// BroadcastTelemetry pushes one enriched snapshot to every client,
// msgpack-encoded (clients that prefer JSON use the REST API).
func (s *Server) BroadcastTelemetry(enriched *telemetry.Enriched) {
	data, err := s.codec.Encode(enriched)
	if err != nil {
		s.logger.Error("telemetry broadcast encode failed", zap.Error(err))
		return
	}
	s.hub.Broadcast(data)
	s.metrics.Clients.Set(float64(s.hub.ClientCount()))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(conn)
	s.hub.Register(client)

	go s.writePump(client)
	go s.readPump(client)
}

// writePump drains the client's send channel onto the socket.
func (s *Server) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-client.Send:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := client.Conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes operator commands from the client until it disconnects.
func (s *Server) readPump(client *Client) {
	defer func() {
		s.hub.Unregister(client)
		client.Conn.Close()
	}()

	client.Conn.SetReadLimit(int64(protocol.MaxControlBuffer))
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := client.Conn.ReadMessage()
		if err != nil {
			return
		}

		var cmd protocol.Command
		if err := s.codec.Decode(data, &cmd); err != nil || cmd.Type == "" {
			s.logger.Warn("invalid dashboard command",
				zap.String("client_id", client.ID), zap.Error(err))
			continue
		}
		if s.onCommand != nil {
			s.onCommand(cmd.Type, cmd.Data)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.status())
}

func (s *Server) handleLatest(w http.ResponseWriter, _ *http.Request) {
	latest := s.buffer.Latest()
	if latest == nil {
		http.Error(w, "no telemetry yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, telemetry.Enrich(latest))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	seconds := 60
	if raw := r.URL.Query().Get("seconds"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			seconds = parsed
		}
	}
	writeJSON(w, s.buffer.History(seconds))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.buffer.Stats())
}

// handleCommand accepts a JSON command from REST clients and forwards it to
// the robot.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd protocol.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil || cmd.Type == "" {
		http.Error(w, "invalid command", http.StatusBadRequest)
		return
	}

	if s.onCommand == nil || !s.onCommand(cmd.Type, cmd.Data) {
		writeJSON(w, map[string]any{"sent": false})
		return
	}
	writeJSON(w, map[string]any{"sent": true})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if r.URL.Path != "/metrics" && r.URL.Path != "/health" {
			s.logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Duration("elapsed", time.Since(start)))
		}
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
