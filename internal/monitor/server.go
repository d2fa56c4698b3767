package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tathienbao/execbot/internal/broker"
)

// ServerConfig holds configuration for the monitor server.
type ServerConfig struct {
	Port         int
	Mode         string
	LogFile      string
	LogTailLines int
	// EngineTimeout bounds the live positions and orders queries.
	EngineTimeout time.Duration
	PingInterval  time.Duration
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:          5001,
		Mode:          "simulation",
		LogTailLines:  200,
		EngineTimeout: 5 * time.Second,
		PingInterval:  30 * time.Second,
	}
}

// Live is the engine's own view, fetched per request.
type Live struct {
	OpenPositions []broker.OpenPosition `json:"open_positions"`
	WorkingOrders []broker.WorkingOrder `json:"working_orders"`
	Error         string                `json:"error,omitempty"`
}

// Payload is the /api/snapshot response.
type Payload struct {
	Now     time.Time `json:"now"`
	Mode    string    `json:"mode"`
	State   Snapshot  `json:"state"`
	LogTail []string  `json:"log_tail"`
	Live    *Live     `json:"live,omitempty"`
}

// EngineReader is the read-only part of an execution engine.
type EngineReader interface {
	GetOpenPositions(ctx context.Context) ([]broker.OpenPosition, error)
	GetWorkingOrders(ctx context.Context) ([]broker.WorkingOrder, error)
}

// Server serves snapshots over HTTP and pushes them over websockets.
// It never writes to the decision loop's state.
type Server struct {
	cfg        ServerConfig
	state      *State
	engine     EngineReader
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer creates a monitor server. engine may be nil.
func NewServer(cfg ServerConfig, state *State, engine EngineReader, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultServerConfig()
	if cfg.LogTailLines <= 0 {
		cfg.LogTailLines = def.LogTailLines
	}
	if cfg.EngineTimeout <= 0 {
		cfg.EngineTimeout = def.EngineTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}

	s := &Server{
		cfg:    cfg,
		state:  state,
		engine: engine,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/snapshot", s.snapshotHandler)
	mux.HandleFunc("/ws", s.wsHandler)
	return mux
}

// Start starts the monitor server.
func (s *Server) Start() error {
	s.logger.Info("starting monitor server", "port", s.cfg.Port)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("monitor server error", "err", err)
		}
	}()
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down monitor server")
	return s.httpServer.Shutdown(ctx)
}

// Build assembles a payload: state snapshot, log tail and live engine view.
func (s *Server) Build(ctx context.Context) Payload {
	p := Payload{
		Now:     time.Now().UTC(),
		Mode:    s.cfg.Mode,
		State:   s.state.Snapshot(),
		LogTail: TailLines(s.cfg.LogFile, s.cfg.LogTailLines),
	}
	if s.engine != nil {
		p.Live = s.live(ctx)
	}
	return p
}

func (s *Server) live(ctx context.Context) *Live {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.EngineTimeout)
	defer cancel()

	live := &Live{}
	var err error
	if live.OpenPositions, err = s.engine.GetOpenPositions(ctx); err != nil {
		live.Error = err.Error()
		s.logger.Warn("monitor: open positions unavailable", "err", err)
		return live
	}
	if live.WorkingOrders, err = s.engine.GetWorkingOrders(ctx); err != nil {
		live.Error = err.Error()
		s.logger.Warn("monitor: working orders unavailable", "err", err)
	}
	return live
}

func (s *Server) snapshotHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Build(r.Context()))
}

// wsHandler pushes the state snapshot on connect and after every change.
func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	updates, unsubscribe := s.state.Subscribe()
	defer unsubscribe()

	closed := make(chan struct{})
	wait := 2 * s.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(s.cfg.PingInterval)
	defer ping.Stop()

	write := func(fn func() error) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := fn(); err != nil {
			s.logger.Debug("websocket client gone", "err", err)
			return false
		}
		return true
	}

	if !write(func() error { return conn.WriteJSON(s.state.Snapshot()) }) {
		return
	}
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-updates:
			if !write(func() error { return conn.WriteJSON(s.state.Snapshot()) }) {
				return
			}
		case <-ping.C:
			if !write(func() error { return conn.WriteMessage(websocket.PingMessage, nil) }) {
				return
			}
		}
	}
}

// TailLines returns the last n lines of the file at path. A missing or
// unreadable file yields no lines.
func TailLines(path string, n int) []string {
	if path == "" || n <= 0 {
		return []string{}
	}
	f, err := os.Open(path)
	if err != nil {
		return []string{}
	}
	defer func() { _ = f.Close() }()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, sc.Text())
	}
	return ring
}
