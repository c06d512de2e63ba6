// ============================================================================
// update-daemon Health Server - gRPC 健康檢查
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 透過標準 grpc.health.v1.Health 服務公開 daemon 階段
//
// 階段對應:
//   RUNNING                     → SERVING
//   STARTING/DEGRADED/FAILED    → NOT_SERVING
//
// 範例:
//   grpc_health_probe -addr=:50051 -service=eti-bot
//
// ============================================================================

package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/ChuLiYu/update-daemon/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server wraps a gRPC server exposing the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger
}

// NewServer creates the gRPC server; every daemon starts NOT_SERVING.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		log:    logger,
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// ObservePhase implements the daemon's phase observer.
// 整體狀態（service ""）與 daemon 名稱的狀態同步更新
func (s *Server) ObservePhase(name string, p types.Phase) {
	status := StatusFor(p)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(name, status)
	s.log.Debug("health status updated", "service", name, "phase", p, "status", status.String())
}

// StatusFor maps a daemon phase onto a health status.
func StatusFor(p types.Phase) healthpb.HealthCheckResponse_ServingStatus {
	if p == types.PhaseRunning {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

// Serve blocks serving on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

// ListenAndServe 監聽 addr 並在背景提供服務；回傳的 channel 會收到 Serve 的錯誤
func (s *Server) ListenAndServe(addr string) (<-chan error, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	errCh := make(chan error, 1)
	go func() {
		if err := s.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("health server listening", "addr", lis.Addr().String())
	return errCh, nil
}

// Stop shuts down the server, marking every service NOT_SERVING first.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
