// Echo agent - development upstream for the chat gateway's gRPC agent client.
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/shsh-chat/internal/agent"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	addr := os.Getenv("ECHO_AGENT_ADDR")
	if addr == "" {
		addr = ":50051"
	}
	pause := 60 * time.Millisecond
	if raw := os.Getenv("ECHO_AGENT_PAUSE"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			slog.Error("Invalid ECHO_AGENT_PAUSE", "value", raw, "error", err)
			os.Exit(1)
		}
		pause = d
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		slog.Error("Failed to listen", "addr", addr, "error", err)
		os.Exit(1)
	}

	srv := grpc.NewServer(grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
		MinTime: time.Minute,
	}))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	agent.RegisterAgentServer(srv, agent.NewProcessorServer(agent.NewEchoProcessor(nil, pause)))
	hs.SetServingStatus(agent.AgentServiceName, healthpb.HealthCheckResponse_SERVING)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Echo agent listening", "addr", lis.Addr().String(), "pause", pause)
		if err := srv.Serve(lis); err != nil {
			slog.Error("Echo agent failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down echo agent...")
	hs.Shutdown()
	srv.GracefulStop()
}
