package main

import (
	"context"
	"net"
	"time"

	"github.com/techweb/outboxcdc/libs/grpcx"
	"github.com/techweb/outboxcdc/libs/runtime"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// startGrpcServer serves grpc.health.v1 with a status that follows checks. The
// returned func stops the server gracefully, forcing it when ctx expires.
func startGrpcServer(ctx context.Context, logger *zap.Logger, port, service string, checks ...runtime.ReadyCheck) (func(context.Context) error, error) {
	lis, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, err
	}

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			grpcx.UnaryServerRequestIDInterceptor(),
			grpcx.UnaryServerLoggingInterceptor(logger),
		),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	go grpcx.WatchHealth(ctx, hs, service, 5*time.Second, logger, checks...)

	go func() {
		logger.Info("grpc server starting", zap.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc server error", zap.Error(err))
		}
	}()

	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			srv.Stop()
			return ctx.Err()
		}
	}, nil
}
