package wire

import (
	"context"

	"google.golang.org/grpc"
)

// InsertStreamMethod is the fully qualified gRPC method name the writer
// opens a bidirectional stream against.
const InsertStreamMethod = "/reverb.v1.Replay/InsertStream"

// Stream is the bidirectional, ordered message stream the StreamWorker
// drives. Spec §1 treats the RPC transport as an external collaborator
// assumed to provide connect/finish/status semantics; this interface is
// that contract, narrow enough to be faked in tests the way the
// original implementation's test suite fakes a ClientReaderWriter.
type Stream interface {
	Send(*ClientMessage) error
	Recv() (*ServerMessage, error)
	CloseSend() error
	// Finish returns the stream's terminal status. Only meaningful after
	// Send or Recv has returned a non-nil error.
	Finish() error
}

// Dialer opens a new Stream. Production code uses GRPCDialer; tests use
// a hand-written fake.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// GRPCDialer opens Insert streams over a real gRPC connection.
type GRPCDialer struct {
	conn *grpc.ClientConn
}

// NewGRPCDialer wraps an already-dialed *grpc.ClientConn. The caller
// owns the connection's lifecycle (dial and close).
func NewGRPCDialer(conn *grpc.ClientConn) *GRPCDialer {
	return &GRPCDialer{conn: conn}
}

func (d *GRPCDialer) Dial(ctx context.Context) (Stream, error) {
	desc := &grpc.StreamDesc{
		StreamName:    "InsertStream",
		ServerStreams: true,
		ClientStreams: true,
	}
	cs, err := d.conn.NewStream(ctx, desc, InsertStreamMethod, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	return &grpcStream{cs: cs}, nil
}

type grpcStream struct {
	cs      grpc.ClientStream
	lastErr error
}

func (s *grpcStream) Send(m *ClientMessage) error {
	err := s.cs.SendMsg(m)
	if err != nil {
		s.lastErr = err
	}
	return err
}

func (s *grpcStream) Recv() (*ServerMessage, error) {
	msg := new(ServerMessage)
	if err := s.cs.RecvMsg(msg); err != nil {
		s.lastErr = err
		return nil, err
	}
	return msg, nil
}

func (s *grpcStream) CloseSend() error {
	return s.cs.CloseSend()
}

func (s *grpcStream) Finish() error {
	return s.lastErr
}
