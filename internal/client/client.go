// Package client talks to a bodkin server over Arrow Flight. Tensors travel
// as one-row Arrow records (see tensorio); per-call options ride in the
// flight descriptor as CBOR.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/tensorio"
)

// ErrCircuitOpen is returned when the breaker is rejecting calls after
// repeated failures.
var ErrCircuitOpen = errors.New("client: circuit open")

// Options are the per-call attention parameters carried in the flight
// descriptor command.
type Options struct {
	// Causal applies the autoregressive mask server-side.
	Causal bool `cbor:"causal,omitempty"`
	// TargetPositions marks the call as a single-token decode step at the
	// given per-batch offsets.
	TargetPositions []int `cbor:"target_positions,omitempty"`
}

// AttentionClient is a Flight client for the attention exchange endpoint.
type AttentionClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	mem     memory.Allocator
	breaker *CircuitBreaker
}

// NewAttentionClient connects to the given flight address.
func NewAttentionClient(addr string) (*AttentionClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &AttentionClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		mem:     memory.NewGoAllocator(),
		breaker: NewCircuitBreaker(5, defaultBreakerTimeout),
	}, nil
}

// Attend runs one attention call: q/k/v (and an optional dense bias) go out,
// the context tensor comes back. bias may be nil.
func (c *AttentionClient) Attend(ctx context.Context, q, k, v, bias *tensor.Tensor, opts Options) (*tensor.Tensor, error) {
	if !c.breaker.Allow() {
		return nil, ErrCircuitOpen
	}
	out, err := c.exchange(ctx, q, k, v, bias, opts)
	if err != nil {
		c.breaker.Failure()
		return nil, err
	}
	c.breaker.Success()
	return out, nil
}

func (c *AttentionClient) exchange(ctx context.Context, q, k, v, bias *tensor.Tensor, opts Options) (*tensor.Tensor, error) {
	cmd, err := cbor.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encoding options: %w", err)
	}

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening exchange: %w", err)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(tensorio.Schema), ipc.WithAllocator(c.mem))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: cmd})

	send := func(role string, t *tensor.Tensor) error {
		rec := tensorio.RecordFromTensor(c.mem, t)
		defer rec.Release()
		meta, err := tensorio.EncodeEnvelope(role, t)
		if err != nil {
			return err
		}
		return wr.WriteWithAppMetadata(rec, meta)
	}

	for _, part := range []struct {
		role string
		t    *tensor.Tensor
	}{{"q", q}, {"k", k}, {"v", v}, {"bias", bias}} {
		if part.t == nil {
			continue
		}
		if err := send(part.role, part.t); err != nil {
			return nil, fmt.Errorf("sending %s: %w", part.role, err)
		}
	}
	if err := wr.Close(); err != nil {
		return nil, fmt.Errorf("closing writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("closing send side: %w", err)
	}

	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, fmt.Errorf("opening response reader: %w", err)
	}
	defer rdr.Release()

	if !rdr.Next() {
		if err := rdr.Err(); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		return nil, errors.New("client: server closed exchange without a context tensor")
	}
	env, err := tensorio.DecodeEnvelope(rdr.LatestAppMetadata())
	if err != nil {
		return nil, err
	}
	return tensorio.TensorFromRecord(rdr.Record(), env)
}

// Close tears down the underlying connection.
func (c *AttentionClient) Close() error {
	return c.conn.Close()
}
