// ABOUTME: Liveness and readiness for HTTP plus the standard gRPC health service
// ABOUTME: Readiness follows the history store's health check

package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/coursechat-gateway/internal/store"
)

const (
	healthCheckInterval = 15 * time.Second
	healthCheckTimeout  = 3 * time.Second
)

// healthMonitor mirrors the store's health into the gRPC health service.
type healthMonitor struct {
	store    store.HistoryStore
	server   *health.Server
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	serving bool
	closed  bool
}

func newHealthMonitor(s store.HistoryStore, interval time.Duration, logger *slog.Logger) *healthMonitor {
	m := &healthMonitor{
		store:    s,
		server:   health.NewServer(),
		interval: interval,
		logger:   logger.With("component", "health"),
	}
	m.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return m
}

// Register exposes the health service on srv.
func (m *healthMonitor) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, m.server)
}

// Check runs the store health check once and publishes the result.
func (m *healthMonitor) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	err := m.store.HealthCheck(ctx)
	m.set(err == nil)
	return err
}

// Watch re-checks the store until ctx is done.
func (m *healthMonitor) Watch(ctx context.Context) {
	if err := m.Check(ctx); err != nil {
		m.logger.Warn("store health check failed", "error", err)
	}

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Check(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("store health check failed", "error", err)
			}
		}
	}
}

func (m *healthMonitor) set(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || ok == m.serving {
		return
	}
	m.serving = ok

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	m.server.SetServingStatus("", status)
	m.logger.Info("serving status changed", "status", status.String())
}

// Shutdown reports NOT_SERVING to every watcher and ignores later checks.
func (m *healthMonitor) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.serving = false
	m.server.Shutdown()
}

// handleHealth returns 200 OK if the server is running.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// pinger is implemented by limiters backed by a remote service.
type pinger interface {
	Ping(ctx context.Context) error
}

// handleReady returns 200 OK if the history store answers its health check
// and the rate limiter, when it has a backend, is reachable.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := g.health.Check(r.Context()); err != nil {
		loggerFrom(r.Context()).Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("history store unavailable"))
		return
	}
	if p, ok := g.limiter.(pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			loggerFrom(r.Context()).Warn("rate limiter unreachable", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("rate limiter unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
