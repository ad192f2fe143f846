package main

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/kvcache"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
	"github.com/23skdu/longbow-bodkin/internal/tensorio"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bodkin_requests_total",
		Help: "The total number of requests, by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bodkin_request_duration_seconds",
		Help:    "Time spent processing attention requests",
		Buckets: prometheus.DefBuckets,
	})

	tokensProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_tokens_processed_total",
		Help: "The total number of target tokens attended",
	})
)

var tracer = otel.Tracer("bodkin-server")

// Server serves attention over HTTP. Tensors travel as CBOR envelopes with
// raw little-endian float32 payloads; decode sessions keep their key/value
// history server-side in the kv cache.
type Server struct {
	backend      attention.Backend
	blockSize    int
	defaultScale float64
	kv           kvcache.Store
	sem          *semaphore.Weighted
}

func NewServer(backend attention.Backend, blockSize int, defaultScale float64, maxConcurrent int) *Server {
	return &Server{
		backend:      backend,
		blockSize:    blockSize,
		defaultScale: defaultScale,
		kv:           kvcache.NewMemStore(),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func startServer(addr string, srv *Server) {
	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "bodkin_decode_sessions",
			Help: "Live decode sessions held by the server",
		},
		func() float64 { return float64(srv.kv.Sessions()) },
	))

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/attend", srv.handleAttend)
	http.HandleFunc("/decode", srv.handleDecode)
	http.HandleFunc("/session/drop", srv.handleDropSession)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Str("backend", srv.backend.String()).Msg("Starting Bodkin Server")
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// tensorPayload is the CBOR wire form of one tensor: a shape plus raw
// little-endian float32 bytes.
type tensorPayload struct {
	Shape []int  `cbor:"shape"`
	Data  []byte `cbor:"data"`
}

func (p *tensorPayload) tensor(dtype tensor.DType) (*tensor.Tensor, error) {
	return tensorio.ReadTensor(bytes.NewReader(p.Data), dtype, p.Shape...)
}

func payloadFrom(t *tensor.Tensor) (tensorPayload, error) {
	var buf bytes.Buffer
	if err := tensorio.WriteTensor(&buf, t); err != nil {
		return tensorPayload{}, err
	}
	return tensorPayload{Shape: t.Shape(), Data: buf.Bytes()}, nil
}

type attendRequest struct {
	Q          tensorPayload  `cbor:"q"`
	K          tensorPayload  `cbor:"k"`
	V          tensorPayload  `cbor:"v"`
	Bias       *tensorPayload `cbor:"bias,omitempty"`
	SegmentIDs *tensorPayload `cbor:"segment_ids,omitempty"`

	Causal       bool    `cbor:"causal,omitempty"`
	DType        string  `cbor:"dtype,omitempty"`
	SoftmaxScale float64 `cbor:"softmax_scale,omitempty"`
}

type attendResponse struct {
	Context tensorPayload `cbor:"context"`
}

type decodeRequest struct {
	Session string        `cbor:"session"`
	Q       tensorPayload `cbor:"q"`
	K       tensorPayload `cbor:"k"`
	V       tensorPayload `cbor:"v"`

	DType        string  `cbor:"dtype,omitempty"`
	SoftmaxScale float64 `cbor:"softmax_scale,omitempty"`
}

type decodeResponse struct {
	Context  tensorPayload `cbor:"context"`
	Position int           `cbor:"position"`
}

type dropRequest struct {
	Session string `cbor:"session"`
}

// scaleFor resolves the softmax scale: explicit request value, then server
// default, then 1/sqrt(headDim).
func (s *Server) scaleFor(reqScale float64, headDim int) float64 {
	if reqScale != 0 {
		return reqScale
	}
	if s.defaultScale != 0 {
		return s.defaultScale
	}
	return 1 / math.Sqrt(float64(headDim))
}

// biasFrom assembles the bias from the request parts. Constructor panics on
// malformed components become errors.
func biasFrom(req *attendRequest, q, k *tensor.Tensor) (bias attention.Bias, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bad bias: %v", r)
		}
	}()

	var parts []attention.Bias
	if req.Causal {
		parts = append(parts, attention.NewCausal(q.Dim(1), k.Dim(1)))
	}
	if req.SegmentIDs != nil {
		ids, err := req.SegmentIDs.tensor(tensor.Float32)
		if err != nil {
			return nil, err
		}
		parts = append(parts, attention.NewSegmentIDs(ids))
	}
	if req.Bias != nil {
		dense, err := req.Bias.tensor(tensor.Float32)
		if err != nil {
			return nil, err
		}
		parts = append(parts, attention.NewTensorBias(dense))
	}
	return attention.Sum(parts...), nil
}

// run executes one attention call, converting the engine's configuration
// panics into errors the handler can map to a 4xx.
func (s *Server) run(q, k, v *tensor.Tensor, bias attention.Bias, scale float64) (out *tensor.Tensor, err error) {
	fn, err := attention.Implementation(s.backend, scale, s.blockSize)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("attention rejected: %v", r)
		}
	}()
	return fn(q, k, v, bias), nil
}

func (s *Server) handleAttend(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleAttend")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		s.fail(w, "attend", "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req attendRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		s.fail(w, "attend", fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	dtype, err := tensor.ParseDType(req.DType)
	if err != nil {
		s.fail(w, "attend", err.Error(), http.StatusBadRequest)
		return
	}

	q, err := req.Q.tensor(dtype)
	if err == nil && len(q.Shape()) != 4 {
		err = fmt.Errorf("q must be rank 4, got shape %v", q.Shape())
	}
	var k, v *tensor.Tensor
	if err == nil {
		k, err = req.K.tensor(dtype)
	}
	if err == nil {
		v, err = req.V.tensor(dtype)
	}
	if err != nil {
		s.fail(w, "attend", err.Error(), http.StatusBadRequest)
		return
	}

	bias, err := biasFrom(&req, q, k)
	if err != nil {
		s.fail(w, "attend", err.Error(), http.StatusBadRequest)
		return
	}

	span.SetAttributes(
		attribute.Int("batch", q.Dim(0)),
		attribute.Int("target_len", q.Dim(1)),
	)

	// Admission control weighs a request by its target token count.
	weight := int64(q.Dim(0) * q.Dim(1))
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		s.fail(w, "attend", "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	out, err := s.run(q, k, v, bias, s.scaleFor(req.SoftmaxScale, q.Dim(3)))
	if err != nil {
		span.RecordError(err)
		s.fail(w, "attend", err.Error(), http.StatusBadRequest)
		return
	}
	tokensProcessed.Add(float64(weight))

	if r.Header.Get("Accept") == arrowStreamMIME {
		s.respondArrow(w, "attend", out)
		return
	}

	payload, err := payloadFrom(out)
	if err != nil {
		s.fail(w, "attend", err.Error(), http.StatusInternalServerError)
		return
	}
	s.respond(w, "attend", attendResponse{Context: payload})
}

func (s *Server) handleDecode(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleDecode")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		s.fail(w, "decode", "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req decodeRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		s.fail(w, "decode", fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	if req.Session == "" {
		s.fail(w, "decode", "decode needs a session id", http.StatusBadRequest)
		return
	}

	dtype, err := tensor.ParseDType(req.DType)
	if err != nil {
		s.fail(w, "decode", err.Error(), http.StatusBadRequest)
		return
	}

	q, err := req.Q.tensor(dtype)
	if err == nil && (len(q.Shape()) != 4 || q.Dim(1) != 1) {
		err = fmt.Errorf("decode q must be [batch, 1, heads, headDim], got shape %v", q.Shape())
	}
	var kStep, vStep *tensor.Tensor
	if err == nil {
		kStep, err = req.K.tensor(dtype)
	}
	if err == nil {
		vStep, err = req.V.tensor(dtype)
	}
	if err != nil {
		s.fail(w, "decode", err.Error(), http.StatusBadRequest)
		return
	}

	length, err := s.kv.Append(req.Session, kStep, vStep)
	if err != nil {
		s.fail(w, "decode", err.Error(), http.StatusBadRequest)
		return
	}
	k, v, _, _ := s.kv.Snapshot(req.Session)

	span.SetAttributes(
		attribute.String("session", req.Session),
		attribute.Int("position", length-1),
	)

	weight := int64(q.Dim(0))
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		s.fail(w, "decode", "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	// Every batch row decodes at the same offset: the length of the shared
	// session buffer.
	positions := make([]int, q.Dim(0))
	for i := range positions {
		positions[i] = length - 1
	}
	bias := attention.NewDecodeMask(attention.CausalPredicate, positions, length)

	out, err := s.run(q, k, v, bias, s.scaleFor(req.SoftmaxScale, q.Dim(3)))
	if err != nil {
		span.RecordError(err)
		s.fail(w, "decode", err.Error(), http.StatusBadRequest)
		return
	}
	tokensProcessed.Add(float64(weight))

	payload, err := payloadFrom(out)
	if err != nil {
		s.fail(w, "decode", err.Error(), http.StatusInternalServerError)
		return
	}
	s.respond(w, "decode", decodeResponse{Context: payload, Position: length - 1})
}

func (s *Server) handleDropSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.fail(w, "session_drop", "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req dropRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		s.fail(w, "session_drop", fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}
	s.kv.Drop(req.Session)
	requestsTotal.WithLabelValues("session_drop", "ok").Inc()
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

const arrowStreamMIME = "application/vnd.apache.arrow.stream"

// respondArrow streams the context tensor as a single-record Arrow IPC
// stream. Shape and dtype ride in response headers since the stream schema
// only carries the flat values column.
func (s *Server) respondArrow(w http.ResponseWriter, endpoint string, t *tensor.Tensor) {
	rec := tensorio.RecordFromTensor(memory.DefaultAllocator, t)
	defer rec.Release()

	w.Header().Set("Content-Type", arrowStreamMIME)
	w.Header().Set("X-Tensor-Shape", shapeHeader(t.Shape()))
	w.Header().Set("X-Tensor-Dtype", t.DType().String())

	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		log.Error().Err(err).Msg("Failed to write arrow stream")
		requestsTotal.WithLabelValues(endpoint, "500").Inc()
		return
	}
	if err := writer.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close arrow stream")
		requestsTotal.WithLabelValues(endpoint, "500").Inc()
		return
	}
	requestsTotal.WithLabelValues(endpoint, "ok").Inc()
}

func shapeHeader(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func (s *Server) respond(w http.ResponseWriter, endpoint string, body any) {
	data, err := cbor.Marshal(body)
	if err != nil {
		s.fail(w, endpoint, err.Error(), http.StatusInternalServerError)
		return
	}
	requestsTotal.WithLabelValues(endpoint, "ok").Inc()
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(data)
}

func (s *Server) fail(w http.ResponseWriter, endpoint, msg string, code int) {
	requestsTotal.WithLabelValues(endpoint, fmt.Sprint(code)).Inc()
	http.Error(w, msg, code)
}
