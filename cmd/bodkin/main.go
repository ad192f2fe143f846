package main

import (
	"context"
	"flag"
	"math"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

var (
	backendName   = flag.String("backend", "cpu", "Attention backend (cpu, gpu, tpu, fallback)")
	blockSize     = flag.Int("block-size", 0, "Block-kernel tile size, multiple of 128 (0 = default)")
	softmaxScale  = flag.Float64("softmax-scale", 0, "Logit scale (0 = 1/sqrt(headDim) per request)")
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	maxConcurrent = flag.Int("max-concurrent", 16384, "Maximum number of concurrent target tokens in flight")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	selfCheck     = flag.Bool("self-check", false, "Run all backends against each other and exit")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	backend, err := attention.ParseBackend(*backendName)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad backend")
	}

	if *selfCheck {
		runSelfCheck(*softmaxScale, *blockSize)
		return
	}

	if *listenAddr == "" && *flightAddr == "" {
		log.Fatal().Msg("Nothing to do: pass -listen and/or -flight, or -self-check")
	}

	srv := NewServer(backend, *blockSize, *softmaxScale, *maxConcurrent)

	if *listenAddr != "" {
		go startServer(*listenAddr, srv)
	}
	if *flightAddr != "" {
		StartFlightServer(*flightAddr, srv)
		return
	}
	select {}
}

// runSelfCheck runs every backend on the same random causal workload and
// reports the deviation from the fallback result.
func runSelfCheck(scale float64, blockSize int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	const batch, seqLen, heads, headDim = 2, 256, 8, 64

	mk := func() *tensor.Tensor {
		t := tensor.New(tensor.Float32, batch, seqLen, heads, headDim)
		data := t.Data()
		for i := range data {
			data[i] = float32(rng.Float64()*2 - 1)
		}
		return t
	}
	q, k, v := mk(), mk(), mk()
	if scale == 0 {
		scale = 1 / math.Sqrt(headDim)
	}
	bias := attention.NewCausal(seqLen, seqLen)

	ref, err := attention.Implementation(attention.BackendFallback, scale, blockSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Self-check setup failed")
	}
	want := ref(q, k, v, bias)

	for _, backend := range []attention.Backend{attention.BackendCPU, attention.BackendGPU, attention.BackendTPU} {
		fn, err := attention.Implementation(backend, scale, blockSize)
		if err != nil {
			log.Fatal().Err(err).Str("backend", backend.String()).Msg("Self-check setup failed")
		}
		start := time.Now()
		got := fn(q, k, v, bias)
		elapsed := time.Since(start)

		maxDiff := 0.0
		for i, g := range got.Data() {
			if d := math.Abs(float64(g - want.Data()[i])); d > maxDiff {
				maxDiff = d
			}
		}
		log.Info().
			Str("backend", backend.String()).
			Dur("elapsed", elapsed).
			Float64("max_diff", maxDiff).
			Msg("Self-check backend result")
		if maxDiff > 1e-4 {
			log.Fatal().Str("backend", backend.String()).Float64("max_diff", maxDiff).Msg("Self-check FAILED")
		}
	}
	log.Info().Msg("Self-check passed")
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("bodkin"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
