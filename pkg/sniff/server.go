package sniff

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/dotnet-insights/dni/pkg/logx"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusPath serves the self stats of the process.
const StatusPath = "/v1/last-snapshot"

const shutdownTimeout = 5 * time.Second

// StatusFunc reports the state of the owning command.
type StatusFunc func() any

// Server serves prometheus metrics and a JSON status snapshot until its context is cancelled.
type Server struct {
	cfg      ServerConfig
	gatherer prometheus.Gatherer
	status   StatusFunc
	started  time.Time

	mu   sync.Mutex
	addr string
}

// NewServer returns a server exposing the metrics of gatherer. status may be nil.
func NewServer(cfg ServerConfig, gatherer prometheus.Gatherer, status StatusFunc) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	return &Server{cfg: cfg, gatherer: gatherer, status: status, started: time.Now()}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.MetricsPath, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc(StatusPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.Snapshot()); err != nil {
			http.Error(w, "Failed to encode stats", http.StatusInternalServerError)
		}
	})
	return mux
}

// Addr returns the address the server listens on once Run has started listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run listens and serves until ctx is cancelled. It returns nil after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		return errors.Wrap(err, "failed to start metrics server")
	}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logx.As().Info().Msg("Shutting down metrics server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logx.As().Error().Err(err).Msg("Failed to shut down metrics server")
		}
	}()

	logx.As().Info().
		Str("addr", ln.Addr().String()).
		Str("metrics_path", s.cfg.MetricsPath).
		Msg("Starting metrics server")

	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server failed")
	}
	return nil
}

// Snapshot captures the current self stats.
func (s *Server) Snapshot() *Stats {
	memStats, cpuStats := collectStats()
	st := &Stats{
		Pid:       logx.GetPid(),
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		MemStats:  memStats,
		CPUStats:  cpuStats,
	}
	if s.status != nil {
		st.Status = s.status()
	}
	return st
}

func collectStats() (*MemStats, *CPUStats) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	memStats := &MemStats{
		AllocMiB:      m.Alloc / 1024 / 1024,
		TotalAllocMiB: m.TotalAlloc / 1024 / 1024,
		SysMiB:        m.Sys / 1024 / 1024,
		NumGC:         m.NumGC,
	}

	cpuStats := &CPUStats{
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		NumCgoCalls:   runtime.NumCgoCall(),
	}

	return memStats, cpuStats
}
