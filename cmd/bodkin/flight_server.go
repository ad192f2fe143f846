package main

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/tensorio"
)

// BodkinFlightServer serves attention over Arrow Flight DoExchange. The wire
// contract is the one implemented in internal/client: per-call options in the
// descriptor command, one record per tensor with a CBOR envelope in the app
// metadata, one context record back.
type BodkinFlightServer struct {
	flight.BaseFlightServer
	srv   *Server
	alloc memory.Allocator
}

func NewBodkinFlightServer(srv *Server) *BodkinFlightServer {
	return &BodkinFlightServer{
		srv:   srv,
		alloc: memory.NewGoAllocator(),
	}
}

func (s *BodkinFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	rdr, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer rdr.Release()

	var opts client.Options
	optsParsed := false
	tensors := map[string]*tensor.Tensor{}

	for rdr.Next() {
		if !optsParsed {
			if desc := rdr.LatestFlightDescriptor(); desc != nil && len(desc.Cmd) > 0 {
				if err := cbor.Unmarshal(desc.Cmd, &opts); err != nil {
					return fmt.Errorf("decoding exchange options: %w", err)
				}
			}
			optsParsed = true
		}

		env, err := tensorio.DecodeEnvelope(rdr.LatestAppMetadata())
		if err != nil {
			return err
		}
		t, err := tensorio.TensorFromRecord(rdr.Record(), env)
		if err != nil {
			return fmt.Errorf("decoding %s record: %w", env.Role, err)
		}
		tensors[env.Role] = t
	}
	if err := rdr.Err(); err != nil {
		return err
	}

	q, k, v := tensors["q"], tensors["k"], tensors["v"]
	if q == nil || k == nil || v == nil {
		return fmt.Errorf("exchange needs q, k and v tensors, got %d records", len(tensors))
	}

	var parts []attention.Bias
	if len(opts.TargetPositions) > 0 {
		parts = append(parts, attention.NewDecodeMask(attention.CausalPredicate, opts.TargetPositions, k.Dim(1)))
	} else if opts.Causal {
		parts = append(parts, attention.NewCausal(q.Dim(1), k.Dim(1)))
	}
	if dense := tensors["bias"]; dense != nil {
		parts = append(parts, attention.NewTensorBias(dense))
	}

	log.Info().
		Ints("q_shape", q.Shape()).
		Bool("causal", opts.Causal).
		Int("target_positions", len(opts.TargetPositions)).
		Msg("DoExchange attention call")

	out, err := s.srv.run(q, k, v, attention.Sum(parts...),
		s.srv.scaleFor(0, q.Dim(3)))
	if err != nil {
		return err
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(tensorio.Schema), ipc.WithAllocator(s.alloc))
	rec := tensorio.RecordFromTensor(s.alloc, out)
	defer rec.Release()
	meta, err := tensorio.EncodeEnvelope("context", out)
	if err != nil {
		return err
	}
	if err := wr.WriteWithAppMetadata(rec, meta); err != nil {
		return err
	}
	return wr.Close()
}

func StartFlightServer(addr string, srv *Server) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewBodkinFlightServer(srv))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Bodkin Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
