package agent

import (
	"context"
	"iter"

	"github.com/ashureev/shsh-chat/internal/protocol"
)

// Processor defines the interface for agent backends.
// This interface is implemented by the gRPC client and the echo agent.
type Processor interface {
	// Run executes one chat turn and streams its protocol events. The
	// sequence ends after RUN_FINISHED, RUN_ERROR, or a yielded error.
	Run(ctx context.Context, req Request) iter.Seq2[*protocol.Event, error]

	// Health reports whether the backend can serve runs.
	Health(ctx context.Context) error

	// Close releases resources
	Close()
}

// Ensure both backends implement Processor.
var (
	_ Processor = (*GrpcClient)(nil)
	_ Processor = (*EchoProcessor)(nil)
)
