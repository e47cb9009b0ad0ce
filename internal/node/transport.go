package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"clusterd/internal/address"
	"clusterd/internal/gossip"
	"clusterd/internal/join"
	"clusterd/internal/wire"
)

const (
	serviceName   = "clusterd.Membership"
	deliverMethod = "/" + serviceName + "/Deliver"
	codecName     = "clusterd-frame"
)

// Transport carries frames between nodes. Every frame gets exactly one reply
// frame or an error.
type Transport interface {
	Send(ctx context.Context, to address.Address, f wire.Frame) (wire.Frame, error)
	Close() error
}

// FrameHandler answers frames delivered to the local node.
type FrameHandler interface {
	Deliver(ctx context.Context, f *wire.Frame) (*wire.Frame, error)
}

// frameCodec moves wire.Frame values over gRPC without generated code.
type frameCodec struct{}

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*wire.Frame)
	if !ok {
		return nil, fmt.Errorf("frame codec: unexpected type %T", v)
	}
	return wire.MarshalFrame(*f), nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*wire.Frame)
	if !ok {
		return fmt.Errorf("frame codec: unexpected type %T", v)
	}
	decoded, err := wire.UnmarshalFrame(data)
	if err != nil {
		return err
	}
	*f = decoded
	return nil
}

func (frameCodec) Name() string {
	return codecName
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*FrameHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "clusterd/membership",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wire.Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(FrameHandler).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(FrameHandler).Deliver(ctx, req.(*wire.Frame))
	}
	return interceptor(ctx, in, info, handler)
}

// NewServer creates a gRPC server answering frames with h.
func NewServer(h FrameHandler) *grpc.Server {
	s := grpc.NewServer(grpc.ForceServerCodec(frameCodec{}))
	s.RegisterService(&serviceDesc, h)
	return s
}

// Serve listens on addr and serves frames until the server is stopped.
func Serve(s *grpc.Server, addr string) (net.Listener, <-chan error, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	errc := make(chan error, 1)
	go func() {
		errc <- s.Serve(lis)
	}()
	return lis, errc, nil
}

// GRPCTransport sends frames to peers over cached gRPC connections.
type GRPCTransport struct {
	mu     sync.RWMutex
	conns  map[string]*grpc.ClientConn
	logger *zap.Logger
}

// NewGRPCTransport creates a transport with an empty connection cache.
func NewGRPCTransport(logger *zap.Logger) *GRPCTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCTransport{
		conns:  make(map[string]*grpc.ClientConn),
		logger: logger,
	}
}

// conn returns the connection for target, creating it on first use.
func (t *GRPCTransport) conn(target string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	cc, exists := t.conns[target]
	t.mu.RUnlock()

	if exists {
		return cc, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Double-check after acquiring write lock
	if cc, exists := t.conns[target]; exists {
		return cc, nil
	}

	t.logger.Debug("dialing peer", zap.String("target", target))
	cc, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(frameCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", target, err)
	}

	t.conns[target] = cc
	return cc, nil
}

// Send delivers f to the node at to and returns its reply.
func (t *GRPCTransport) Send(ctx context.Context, to address.Address, f wire.Frame) (wire.Frame, error) {
	cc, err := t.conn(to.HostPort())
	if err != nil {
		return wire.Frame{}, err
	}
	out := new(wire.Frame)
	if err := cc.Invoke(ctx, deliverMethod, &f, out); err != nil {
		return wire.Frame{}, fromStatus(err)
	}
	return *out, nil
}

// Close closes all cached connections.
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for target, cc := range t.conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", target, err))
		}
	}
	t.conns = make(map[string]*grpc.ClientConn)
	return errors.Join(errs...)
}

// protocolErrors travel as gRPC status codes and are restored on the
// client so callers can keep using errors.Is.
var protocolErrors = []struct {
	err  error
	code codes.Code
}{
	{join.ErrStaleTombstonedRejoin, codes.FailedPrecondition},
	{join.ErrNotOperational, codes.Unavailable},
	{join.ErrConfigIncompatible, codes.FailedPrecondition},
	{gossip.ErrAddressInUse, codes.AlreadyExists},
	{gossip.ErrNotConverged, codes.Unavailable},
	{gossip.ErrUnreachable, codes.Unavailable},
	{gossip.ErrUnknownAddressIndex, codes.InvalidArgument},
	{gossip.ErrMalformed, codes.InvalidArgument},
	{gossip.ErrUnknownMember, codes.NotFound},
	{gossip.ErrInvalidTransition, codes.FailedPrecondition},
	{wire.ErrMalformed, codes.InvalidArgument},
	{ErrStopped, codes.Unavailable},
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	for _, pe := range protocolErrors {
		if errors.Is(err, pe.err) {
			return status.Error(pe.code, err.Error())
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	return status.Error(codes.Internal, err.Error())
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, pe := range protocolErrors {
		if st.Code() == pe.code && strings.Contains(st.Message(), pe.err.Error()) {
			return fmt.Errorf("%w: %s", pe.err, st.Message())
		}
	}
	return err
}
