package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"errorpipe/internal/ingestion"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// healthService is the name reported by the gRPC health service.
const healthService = "errorpipe.Pipeline"

// ServeOptions holds options for the serve command.
type ServeOptions struct {
	MetricsAddr     string
	GRPCAddr        string
	Watch           []string
	ShutdownTimeout time.Duration
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, "serve", false)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	if opts.MetricsAddr == "" {
		opts.MetricsAddr = s.cfg.Server.MetricsAddr
	}
	if opts.GRPCAddr == "" {
		opts.GRPCAddr = s.cfg.Server.GRPCAddr
	}

	if err := s.pipeline.Start(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	httpServer := &http.Server{
		Addr:              opts.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	listener, err := net.Listen("tcp", opts.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("metrics_server_starting", zap.String("address", opts.MetricsAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.logger.Info("grpc_server_starting", zap.String("address", listener.Addr().String()))
		return grpcServer.Serve(listener)
	})
	for _, path := range opts.Watch {
		g.Go(func() error {
			src := ingestion.NewFileSource(path, true, s.logger)
			defer func() { _ = src.Close() }()
			_, err := ingestion.NewFeed(s.pipeline, nil, s.logger).Run(gctx, src)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		healthServer.Shutdown()
		grpcServer.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	s.logger.Info("server_started", zap.Strings("watch", opts.Watch))

	err = g.Wait()
	s.logger.Info("server_stopped", zap.Error(err))
	return err
}

// setupServeCmd configures the serve command.
func setupServeCmd() *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline as a long-lived service",
		Long: `Start errorpipe as a long-running service that:
  - Follows the given error logs and reports what they contain
  - Runs scheduled retention cleanup and escalation timers
  - Exposes Prometheus metrics and a gRPC health service`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "HTTP address for /metrics and /healthz (default from config)")
	cmd.Flags().StringVar(&opts.GRPCAddr, "grpc-addr", "", "gRPC health service address (default from config)")
	cmd.Flags().StringSliceVar(&opts.Watch, "watch", nil, "error log files to follow")
	cmd.Flags().DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for in-flight requests")

	return cmd
}
