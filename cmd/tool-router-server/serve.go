package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/triage-ai/palisade/services/tool_router/internal/config"
	"github.com/triage-ai/palisade/services/tool_router/internal/server"
	"github.com/triage-ai/palisade/services/tool_router/internal/transport/mcpgo"
	"github.com/triage-ai/palisade/services/tool_router/internal/transport/stdio"
)

const healthService = "tool_router.v1.ToolRouter"

func newServeCmd(f *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the tool catalog over MCP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&f.transport, "transport", "", "stdio, mcp-go or mcp-http")
	cmd.Flags().StringVar(&f.httpAddr, "http-addr", "", "listen address of the mcp-http transport")
	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger := mustBuildLogger(cfg.LogLevel, cfg.Transport != config.TransportMCPHTTP)
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r, err := buildRouter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer r.Close()
	logger.Info("router built", zap.Int("tools", r.reg.Len()), zap.String("transport", cfg.Transport))

	grpcServer, healthServer, err := startHealth(cfg.HealthPort, logger)
	if err != nil {
		return err
	}
	defer func() {
		healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
		logger.Info("server stopped")
	}()

	opts := r.options(cfg, logger)
	switch cfg.Transport {
	case config.TransportStdio:
		srv := stdio.New(stdio.Options{Name: cfg.Name, Version: cfg.Version, Logger: logger})
		att, err := server.Attach(srv, r.reg, opts)
		if err != nil {
			return err
		}
		defer att.Detach()
		logger.Info("serving stdio", zap.String("digest", att.Digest().Digest))
		return srv.Serve(ctx)

	case config.TransportMCPGo, config.TransportMCPHTTP:
		binding := mcpgo.NewServer(cfg.Name, cfg.Version, logger, mcpserver.WithPromptCapabilities(true))
		mcpSrv := binding.Server()
		att, err := server.Attach(binding, r.reg, opts)
		if err != nil {
			return err
		}
		defer att.Detach()
		logger.Info("serving via mcp-go", zap.String("digest", att.Digest().Digest))

		if cfg.Transport == config.TransportMCPGo {
			return mcpserver.NewStdioServer(mcpSrv).Listen(ctx, os.Stdin, os.Stdout)
		}
		return serveHTTP(ctx, mcpSrv, cfg.HTTPAddr, logger)
	}
	return fmt.Errorf("unknown transport %q", cfg.Transport)
}

func serveHTTP(ctx context.Context, mcpSrv *mcpserver.MCPServer, addr string, logger *zap.Logger) error {
	httpSrv := mcpserver.NewStreamableHTTPServer(mcpSrv,
		mcpserver.WithHTTPContextFunc(mcpgo.HeaderContext),
	)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("mcp-http listening", zap.String("addr", addr))
		errCh <- httpSrv.Start(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down mcp-http")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	}
}

// startHealth serves gRPC health checks and reflection on port.
func startHealth(port string, logger *zap.Logger) (*grpc.Server, *health.Server, error) {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, nil, fmt.Errorf("listen on port %s: %w", port, err)
	}

	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
	)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	go func() {
		logger.Info("health server listening", zap.String("port", port))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("health server error", zap.Error(err))
		}
	}()
	return grpcServer, healthServer, nil
}
