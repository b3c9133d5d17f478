package agent

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// AgentServiceName is the gRPC service an upstream agent exposes. Requests
// and events travel as google.protobuf.Struct so agents in any language can
// implement it without generated stubs.
const AgentServiceName = "shsh.agent.v1.AgentService"

const runMethod = "/" + AgentServiceName + "/Run"

var runStreamDesc = grpc.StreamDesc{
	StreamName:    "Run",
	ServerStreams: true,
}

// AgentServer is the server side of the agent service.
type AgentServer interface {
	Run(req *structpb.Struct, stream grpc.ServerStream) error
}

// AgentServiceDesc describes the agent service for grpc.Server registration.
var AgentServiceDesc = grpc.ServiceDesc{
	ServiceName: AgentServiceName,
	HandlerType: (*AgentServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    runStreamDesc.StreamName,
		Handler:       runHandler,
		ServerStreams: true,
	}},
	Metadata: "shsh/agent/v1/agent.proto",
}

// RegisterAgentServer registers srv on s.
func RegisterAgentServer(s grpc.ServiceRegistrar, srv AgentServer) {
	s.RegisterService(&AgentServiceDesc, srv)
}

func runHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(AgentServer).Run(req, stream)
}

// processorServer serves a local Processor over the agent service.
type processorServer struct {
	processor Processor
}

// NewProcessorServer exposes p as an AgentServer.
func NewProcessorServer(p Processor) AgentServer {
	return &processorServer{processor: p}
}

func (s *processorServer) Run(req *structpb.Struct, stream grpc.ServerStream) error {
	for evt, err := range s.processor.Run(stream.Context(), decodeRequest(req)) {
		if err != nil {
			return err
		}
		msg, err := encodeEvent(evt)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}
