package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"paperflow/internal/logger"
)

// Check - проверка одной зависимости процесса
type Check func(ctx context.Context) error

// Server отдаёт стандартный grpc.health.v1 для оркестратора.
// Статус пересчитывается по таймеру и становится SERVING,
// только когда все проверки прошли.
type Server struct {
	service  string
	checks   map[string]Check
	interval time.Duration
	log      *logger.Logger

	grpc   *grpc.Server
	health *health.Server
}

func NewServer(service string, checks map[string]Check, interval time.Duration, log *logger.Logger) *Server {
	hs := health.NewServer()
	hs.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		service:  service,
		checks:   checks,
		interval: interval,
		log:      log.With("component", "grpc_health"),
		grpc:     gs,
		health:   hs,
	}
}

// Refresh выполняет все проверки и обновляет статус
func (s *Server) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			s.log.Warn("health check failed", "check", name, "error", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus(s.service, status)
	s.health.SetServingStatus("", status)
	return status
}

// Serve слушает addr до отмены ctx
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}

	go s.watch(ctx)
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()

	s.log.Info("starting gRPC health server", "addr", addr)
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}
	return nil
}

func (s *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		checkCtx, cancel := context.WithTimeout(ctx, s.interval)
		s.Refresh(checkCtx)
		cancel()

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
