package agent

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ashureev/shsh-chat/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func startAgentServer(t *testing.T, p Processor) (*GrpcClient, *health.Server) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus(AgentServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	RegisterAgentServer(srv, NewProcessorServer(p))
	go func() { _ = srv.Serve(lis) }()

	cfg := DefaultGrpcClientConfig("passthrough:///bufnet")
	cfg.Retry.MaxAttempts = 1
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	client, err := NewGrpcClient(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		srv.Stop()
	})
	return client, hs
}

func TestGrpcClientRunStreamsEvents(t *testing.T) {
	client, _ := startAgentServer(t, NewEchoProcessor(nil, 0))

	req := Request{
		TenantID:       "default",
		UserID:         "anon_1",
		ConversationID: "conv-1",
		MessageID:      "m1",
		AgentID:        "helper",
		Message:        "hi",
		History: []protocol.HistoryMessage{
			{ID: "m0", Role: protocol.RoleUser, Content: "earlier"},
		},
	}

	var (
		types []protocol.EventType
		text  string
	)
	for evt, err := range client.Run(context.Background(), req) {
		require.NoError(t, err)
		types = append(types, evt.Type)
		assert.Equal(t, "conv-1", evt.ConversationID)
		if evt.Type == protocol.EventTextMessageContent {
			text += evt.Delta
		}
	}

	require.NotEmpty(t, types)
	assert.Equal(t, protocol.EventRunStarted, types[0])
	assert.Equal(t, protocol.EventRunFinished, types[len(types)-1])
	assert.Equal(t, "[helper] You said: hi", text)
}

func TestGrpcClientRunPropagatesError(t *testing.T) {
	client, _ := startAgentServer(t, failingProcessor{err: errors.New("model overloaded")})

	var (
		got    []protocol.EventType
		runErr error
	)
	for evt, err := range client.Run(context.Background(), Request{ConversationID: "conv-1", Message: "hi"}) {
		if err != nil {
			runErr = err
			break
		}
		got = append(got, evt.Type)
	}
	assert.Equal(t, []protocol.EventType{protocol.EventRunStarted}, got)
	require.Error(t, runErr)
	assert.Contains(t, runErr.Error(), "model overloaded")
}

func TestGrpcClientHealth(t *testing.T) {
	client, hs := startAgentServer(t, NewEchoProcessor(nil, 0))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Health(ctx))

	hs.SetServingStatus(AgentServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	err := client.Health(ctx)
	assert.ErrorIs(t, err, errAgentNotServing)
}

func TestRequestStructRoundTrip(t *testing.T) {
	req := Request{
		TenantID:       "acme",
		UserID:         "anon_1",
		ConversationID: "conv-1",
		MessageID:      "m2",
		AgentID:        "helper",
		Message:        "second",
		History: []protocol.HistoryMessage{
			{ID: "m1", Role: protocol.RoleUser, Content: "first"},
			{ID: "r1", Role: protocol.RoleAssistant, Content: "reply", AgentID: "helper"},
		},
	}
	s, err := encodeRequest(req)
	require.NoError(t, err)
	assert.Equal(t, req, decodeRequest(s))
}

func TestDecodeEventRejectsUntyped(t *testing.T) {
	s, err := encodeEvent(&protocol.Event{Delta: "orphan"})
	require.NoError(t, err)
	_, err = decodeEvent(s)
	assert.Error(t, err)
}
