package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"clusterd/internal/address"
	"clusterd/internal/gossip"
	"clusterd/internal/join"
	"clusterd/internal/wire"
)

type echoHandler struct {
	err error
}

func (h echoHandler) Deliver(ctx context.Context, f *wire.Frame) (*wire.Frame, error) {
	if h.err != nil {
		return nil, toStatus(h.err)
	}
	return &wire.Frame{Kind: wire.KindAck, Body: append([]byte("echo:"), f.Body...)}, nil
}

func serve(t *testing.T, h FrameHandler) address.Address {
	t.Helper()
	s := NewServer(h)
	lis, _, err := Serve(s, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	host, portStr, err := net.SplitHostPort(lis.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return address.New("clusterd", host, port)
}

func TestGRPCTransport_RoundTrip(t *testing.T) {
	addr := serve(t, echoHandler{})
	tr := NewGRPCTransport(nil)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reply, err := tr.Send(ctx, addr, wire.Frame{Kind: wire.KindStatus, Body: []byte("digest")})
	require.NoError(t, err)
	assert.Equal(t, wire.KindAck, reply.Kind)
	assert.Equal(t, "echo:digest", string(reply.Body))

	// Second call reuses the cached connection.
	_, err = tr.Send(ctx, addr, wire.Frame{Kind: wire.KindStatus})
	require.NoError(t, err)
	assert.Len(t, tr.conns, 1)
}

func TestGRPCTransport_RestoresProtocolErrors(t *testing.T) {
	addr := serve(t, echoHandler{err: fmt.Errorf("%w: 10.0.0.1:2552", join.ErrStaleTombstonedRejoin)})
	tr := NewGRPCTransport(nil)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := tr.Send(ctx, addr, wire.Frame{Kind: wire.KindJoin})
	assert.ErrorIs(t, err, join.ErrStaleTombstonedRejoin)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{join.ErrNotOperational, codes.Unavailable},
		{join.ErrConfigIncompatible, codes.FailedPrecondition},
		{gossip.ErrAddressInUse, codes.AlreadyExists},
		{wire.ErrMalformed, codes.InvalidArgument},
		{context.DeadlineExceeded, codes.DeadlineExceeded},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			st := toStatus(fmt.Errorf("wrapped: %w", tt.err))
			assert.Equal(t, tt.code, status.Code(st))
			if tt.code != codes.Internal && tt.code != codes.DeadlineExceeded {
				assert.ErrorIs(t, fromStatus(st), tt.err)
			}
		})
	}
	assert.NoError(t, toStatus(nil))
}

func TestFrameCodec(t *testing.T) {
	c := frameCodec{}
	b, err := c.Marshal(&wire.Frame{Kind: wire.KindLeave, Body: []byte{1}})
	require.NoError(t, err)

	var f wire.Frame
	require.NoError(t, c.Unmarshal(b, &f))
	assert.Equal(t, wire.Frame{Kind: wire.KindLeave, Body: []byte{1}}, f)

	_, err = c.Marshal("not a frame")
	assert.Error(t, err)
	assert.Error(t, c.Unmarshal(b, new(int)))
	assert.Equal(t, codecName, c.Name())
}

func TestNetwork_Partition(t *testing.T) {
	nw := NewNetwork()
	a := address.New("clusterd", "127.0.0.1", 1)
	b := address.New("clusterd", "127.0.0.1", 2)
	nw.Register(b, handlerFunc(func(ctx context.Context, f wire.Frame) (wire.Frame, error) {
		return ackFrame(), nil
	}))
	nw.Register(a, handlerFunc(func(ctx context.Context, f wire.Frame) (wire.Frame, error) {
		return ackFrame(), nil
	}))

	tr := nw.Transport(a)
	_, err := tr.Send(context.Background(), b, wire.Frame{Kind: wire.KindStatus})
	require.NoError(t, err)

	nw.Partition(a, b)
	_, err = tr.Send(context.Background(), b, wire.Frame{Kind: wire.KindStatus})
	assert.ErrorIs(t, err, ErrUnreachable)

	nw.Heal(a, b)
	_, err = tr.Send(context.Background(), b, wire.Frame{Kind: wire.KindStatus})
	assert.NoError(t, err)

	_, err = tr.Send(context.Background(), address.New("clusterd", "127.0.0.1", 3), wire.Frame{Kind: wire.KindStatus})
	assert.ErrorIs(t, err, ErrUnreachable)
}

type handlerFunc func(ctx context.Context, f wire.Frame) (wire.Frame, error)

func (h handlerFunc) Handle(ctx context.Context, f wire.Frame) (wire.Frame, error) {
	return h(ctx, f)
}
