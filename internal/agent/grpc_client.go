package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/ashureev/shsh-chat/internal/retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errAgentNotServing          = errors.New("agent not serving")
)

// GrpcClient runs chat turns on an upstream agent service.
type GrpcClient struct {
	conn       *grpc.ClientConn
	health     healthpb.HealthClient
	addr       string
	runTimeout time.Duration
	logger     *slog.Logger
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	Retry            retry.Options
	DialOptions      []grpc.DialOption
}

// DefaultGrpcClientConfig returns default configuration.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   120 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// NewGrpcClient connects to the agent service and waits until it is ready.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) (*GrpcClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("agent address is required")
	}

	// Set up keepalive parameters
	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent at %s: %w", cfg.Address, err)
	}

	// Force a connection attempt during startup so we fail fast on bad agent endpoints.
	retryOpts := cfg.Retry
	retryOpts.ShouldRetry = func(err error) bool { return !errors.Is(err, errConnectionShutdown) }
	retryOpts.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Warn("agent not ready, retrying", "address", cfg.Address, "attempt", attempt, "delay", delay, "error", err)
	}
	_, err = retry.Do(context.Background(), func(ctx context.Context) (struct{}, error) {
		connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		return struct{}{}, waitForReady(connectCtx, conn)
	}, retryOpts)
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("agent at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to agent service", "address", cfg.Address)

	return &GrpcClient{
		conn:       conn,
		health:     healthpb.NewHealthClient(conn),
		addr:       cfg.Address,
		runTimeout: cfg.RequestTimeout,
		logger:     logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Close closes the gRPC connection.
func (c *GrpcClient) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Warn("failed to close gRPC connection", "error", err)
		}
	}
}

// Health checks the agent service through the standard gRPC health protocol.
func (c *GrpcClient) Health(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: AgentServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errAgentNotServing, resp.GetStatus())
	}
	return nil
}

// Run streams the events of one chat turn from the agent service.
func (c *GrpcClient) Run(ctx context.Context, req Request) iter.Seq2[*protocol.Event, error] {
	return func(yield func(*protocol.Event, error) bool) {
		c.logger.Debug("Starting agent run via gRPC",
			"conversation_id", req.ConversationID,
			"message_id", req.MessageID,
			"user_id", req.UserID,
		)

		payload, err := encodeRequest(req)
		if err != nil {
			yield(nil, fmt.Errorf("encode run request: %w", err))
			return
		}

		if c.runTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.runTimeout)
			defer cancel()
		}

		stream, err := c.conn.NewStream(ctx, &runStreamDesc, runMethod)
		if err != nil {
			yield(nil, fmt.Errorf("run request failed: %w", err))
			return
		}
		if err := stream.SendMsg(payload); err != nil {
			yield(nil, fmt.Errorf("send run request: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(nil, fmt.Errorf("close run request: %w", err))
			return
		}

		for {
			msg := new(structpb.Struct)
			err := stream.RecvMsg(msg)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				c.logger.Error("agent run stream error", "error", err, "conversation_id", req.ConversationID)
				yield(nil, fmt.Errorf("run stream error: %w", err))
				return
			}

			evt, err := decodeEvent(msg)
			if err != nil {
				c.logger.Warn("dropping malformed agent event", "error", err, "conversation_id", req.ConversationID)
				continue
			}
			if !yield(evt, nil) {
				return
			}
		}
	}
}

func encodeRequest(req Request) (*structpb.Struct, error) {
	history := make([]any, 0, len(req.History))
	for _, h := range req.History {
		history = append(history, map[string]any{
			"id":       h.ID,
			"role":     string(h.Role),
			"content":  h.Content,
			"agent_id": h.AgentID,
		})
	}
	return structpb.NewStruct(map[string]any{
		"tenant_id":       req.TenantID,
		"user_id":         req.UserID,
		"conversation_id": req.ConversationID,
		"message_id":      req.MessageID,
		"agent_id":        req.AgentID,
		"message":         req.Message,
		"history":         history,
	})
}

func decodeRequest(s *structpb.Struct) Request {
	fields := s.GetFields()
	str := func(key string) string { return fields[key].GetStringValue() }

	req := Request{
		TenantID:       str("tenant_id"),
		UserID:         str("user_id"),
		ConversationID: str("conversation_id"),
		MessageID:      str("message_id"),
		AgentID:        str("agent_id"),
		Message:        str("message"),
	}
	for _, v := range fields["history"].GetListValue().GetValues() {
		h := v.GetStructValue().GetFields()
		req.History = append(req.History, protocol.HistoryMessage{
			ID:      h["id"].GetStringValue(),
			Role:    protocol.Role(h["role"].GetStringValue()),
			Content: h["content"].GetStringValue(),
			AgentID: h["agent_id"].GetStringValue(),
		})
	}
	return req
}

// encodeEvent and decodeEvent carry protocol events as protobuf Structs
// through their JSON form, so the wire shape matches the SSE payload.
func encodeEvent(evt *protocol.Event) (*structpb.Struct, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeEvent(s *structpb.Struct) (*protocol.Event, error) {
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, err
	}
	evt, err := protocol.DecodeEvent(data)
	if err != nil {
		return nil, err
	}
	if evt.Type == "" {
		return nil, fmt.Errorf("event without type")
	}
	return &evt, nil
}
