package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ashureev/dsl-copilot/internal/app"
	"github.com/ashureev/dsl-copilot/internal/config"
	"github.com/ashureev/dsl-copilot/internal/validator"
)

var serveValidatorCmd = &cobra.Command{
	Use:   "serve-validator",
	Short: "Expose the validator as a gRPC CodeValidator service",
	RunE:  runServeValidator,
}

func init() {
	rootCmd.AddCommand(serveValidatorCmd)

	serveValidatorCmd.Flags().String("addr", ":50051", "Listen address")
	serveValidatorCmd.Flags().String("backend", config.BackendLocal, "Validator backend to serve: local or docker")
}

func runServeValidator(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	backend, _ := cmd.Flags().GetString("backend")
	if backend == config.BackendGRPC {
		return fmt.Errorf("serve-validator cannot proxy another grpc validator")
	}
	cfg.Validator.Backend = backend

	val, cleanup, err := app.NewValidator(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	addr, _ := cmd.Flags().GetString("addr")
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	srv := grpc.NewServer()
	validator.RegisterGRPCServer(srv, val, logger)
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus(validator.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, healthSrv)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Validator service listening", "addr", lis.Addr().String(), "backend", backend)
		fmt.Fprintf(cmd.OutOrStdout(), "serving %s on %s\n", validator.ServiceName, lis.Addr())
		return srv.Serve(lis)
	})
	g.Go(func() error {
		<-gctx.Done()
		healthSrv.Shutdown()
		srv.GracefulStop()
		return nil
	})
	return g.Wait()
}
