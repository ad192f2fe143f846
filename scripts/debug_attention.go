//go:build ignore

package main

import (
	"encoding/json"
	"flag"
	"log"
	"math"
	"math/rand"
	"os"

	"github.com/23skdu/longbow-bodkin/internal/attention"
	"github.com/23skdu/longbow-bodkin/internal/tensor"
)

type TensorDump struct {
	Name   string    `json:"name"`
	Values []float32 `json:"values"`
	Shape  []int     `json:"shape"`
}

// Dumps per-backend attention outputs for one small random case so results
// can be diffed against an external reference.
func main() {
	seed := flag.Int64("seed", 1, "RNG seed")
	seqLen := flag.Int("seq-len", 8, "Sequence length")
	heads := flag.Int("heads", 2, "Head count")
	headDim := flag.Int("head-dim", 4, "Head dimension")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	mk := func() *tensor.Tensor {
		t := tensor.New(tensor.Float32, 1, *seqLen, *heads, *headDim)
		data := t.Data()
		for i := range data {
			data[i] = float32(rng.Float64()*2 - 1)
		}
		return t
	}
	q, k, v := mk(), mk(), mk()
	scale := 1 / math.Sqrt(float64(*headDim))
	bias := attention.NewCausal(*seqLen, *seqLen)

	dumps := []TensorDump{
		{Name: "q", Values: q.Data(), Shape: q.Shape()},
		{Name: "k", Values: k.Data(), Shape: k.Shape()},
		{Name: "v", Values: v.Data(), Shape: v.Shape()},
	}
	for _, backend := range []attention.Backend{
		attention.BackendCPU, attention.BackendGPU, attention.BackendTPU, attention.BackendFallback,
	} {
		fn, err := attention.Implementation(backend, scale, 0)
		if err != nil {
			log.Fatalf("backend %s: %v", backend, err)
		}
		out := fn(q, k, v, bias)
		dumps = append(dumps, TensorDump{
			Name:   "context_" + backend.String(),
			Values: out.Data(),
			Shape:  out.Shape(),
		})
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dumps); err != nil {
		log.Fatalf("encoding dump: %v", err)
	}
}
