// core/inference_grpc_client.go
package core

// Optional external inference-service client (§4.5.5: "if an external
// inference service is configured"). GRPCInferenceService implements
// InferenceService over a plain gRPC connection, the same shape the
// teacher's ai.go dials with InitAI/AIStubClient — a hand-rolled request/
// response pair standing in for a compiled proto service, since no .proto
// ships in this tree.

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// InferenceRequest is what crosses the wire to the remote inference
// service for one ExecuteInference call.
type InferenceRequest struct {
	ModelHash Hash
	Input     []byte
}

// InferenceReply mirrors InferenceResult's shape, decoupled from it so the
// wire type can evolve independently of the in-process one.
type InferenceReply struct {
	Output      []byte
	GasUsed     uint64
	Provider    []byte
	ProviderFee uint64
	Proof       []byte
}

// InferenceStubClient is the minimal remote surface GRPCInferenceService
// needs, standing in for a compiled proto client (the teacher's
// AIStubClient.Inference method serves the same role).
type InferenceStubClient interface {
	Infer(ctx context.Context, req *InferenceRequest) (*InferenceReply, error)
}

// defaultInferenceTimeout bounds a single remote inference call so a
// stalled service can't block block production indefinitely.
const defaultInferenceTimeout = 5 * time.Second

// GRPCInferenceService dials a remote inference backend and satisfies
// InferenceService for the MODEL_EXEC opcode and executeInference
// precompile path.
type GRPCInferenceService struct {
	conn    *grpc.ClientConn
	client  InferenceStubClient
	timeout time.Duration
}

// DialInferenceService opens a gRPC connection to endpoint using insecure
// transport credentials, matching the teacher's devnet InitAI dial (no TLS
// material is wired into node configuration yet). client implements the
// service's RPCs; callers typically supply a generated proto client that
// satisfies InferenceStubClient.
func DialInferenceService(endpoint string, client InferenceStubClient) (*GRPCInferenceService, error) {
	conn, err := grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &GRPCInferenceService{conn: conn, client: client, timeout: defaultInferenceTimeout}, nil
}

// Close releases the underlying connection.
func (s *GRPCInferenceService) Close() error {
	return s.conn.Close()
}

// Infer implements InferenceService by forwarding the call to the remote
// service and translating its reply back into an InferenceResult.
func (s *GRPCInferenceService) Infer(modelHash Hash, input []byte) (*InferenceResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	reply, err := s.client.Infer(ctx, &InferenceRequest{ModelHash: modelHash, Input: input})
	if err != nil {
		return nil, err
	}

	var provider Address
	copy(provider[:], reply.Provider)

	return &InferenceResult{
		Output:      reply.Output,
		GasUsed:     reply.GasUsed,
		Provider:    provider,
		ProviderFee: reply.ProviderFee,
		Proof:       reply.Proof,
	}, nil
}
