package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	webhookhttp "github.com/aradsms/queue_services/internal/inbound_processor_service/adapters/http"
	httptransport "github.com/aradsms/queue_services/internal/public_api_service/transport/http"
)

const shutdownTimeout = 30 * time.Second

func (c *cli) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, gRPC health server and outbox workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context())
		},
	}
}

func (c *cli) serve(mainCtx context.Context) error {
	cfg, logger := c.cfg, c.logger
	logger.Info("Queue service starting", "http_port", cfg.HTTPPort, "grpc_port", cfg.GRPCPort)

	svc, err := buildServices(mainCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	g, groupCtx := errgroup.WithContext(mainCtx)

	// --- gRPC health ---
	grpcMetrics := grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram())
	if err := prometheus.DefaultRegisterer.Register(grpcMetrics); err != nil {
		logger.Warn("Failed to register gRPC Prometheus metrics", "error", err)
	}
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)

	grpcAddr := fmt.Sprintf(":%d", cfg.GRPCPort)
	grpcListener, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen for gRPC on %s: %w", grpcAddr, err)
	}
	g.Go(func() error {
		logger.Info("gRPC health server starting", "address", grpcAddr)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})

	// --- HTTP ---
	webhook := webhookhttp.NewWebhookHandler(
		svc.processor, svc.limiter, cfg.TwilioAuthToken, cfg.WebhookPublicURLs,
		webhookhttp.DefaultWebhookLimits(), logger,
	)
	router := httptransport.NewRouter(httptransport.RouterDeps{
		Queue: httptransport.NewQueueHandler(svc.queue, svc.limiter, httptransport.DefaultJoinLimits(),
			svc.phones, httptransport.NewValidator(), logger),
		Outbox:    httptransport.NewOutboxHandler(svc.delivery, logger),
		Webhook:   webhook,
		Limiter:   svc.limiter,
		JWTSecret: []byte(cfg.JWTSecret),
		DB:        svc.pool,
		Logger:    logger,
	})
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      45 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	g.Go(func() error {
		logger.Info("HTTP server starting", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	// --- Outbox workers ---
	if svc.nats != nil {
		g.Go(func() error {
			return svc.delivery.StartConsumingDispatches(groupCtx, svc.nats)
		})
	}
	g.Go(func() error {
		runEvery(groupCtx, cfg.OutboxSweepInterval, func(ctx context.Context) {
			if _, err := svc.delivery.Sweep(ctx); err != nil {
				logger.ErrorContext(ctx, "Outbox sweep failed", "error", err)
			}
		})
		return nil
	})
	g.Go(func() error {
		runEvery(groupCtx, 10*time.Minute, func(ctx context.Context) {
			n, err := svc.limiter.SweepExpired(ctx, cfg.BucketRetentionGrace)
			if err != nil {
				logger.ErrorContext(ctx, "Rate limit bucket cleanup failed", "error", err)
				return
			}
			if n > 0 {
				logger.InfoContext(ctx, "Expired rate limit buckets removed", "count", n)
			}
		})
		return nil
	})

	// --- Shutdown ---
	g.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Initiating graceful shutdown")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var shutdownErr error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("http shutdown: %w", err))
		}
		grpcServer.GracefulStop()
		return shutdownErr
	})

	if err := g.Wait(); err != nil {
		logger.Error("Queue service stopped with error", "error", err)
		return err
	}
	logger.Info("Queue service shutdown complete")
	return nil
}

// runEvery calls fn immediately and then on every tick until ctx ends.
func runEvery(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
