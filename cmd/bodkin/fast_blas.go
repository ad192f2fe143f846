//go:build cgo

package main

// Included only when cgo is enabled: routes gonum's blas64 through the
// system BLAS (Accelerate on macOS, OpenBLAS on Linux). The float32 path the
// fused kernel uses is registered in internal/kernels.

import (
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/netlib/blas/netlib"
)

func init() {
	blas64.Use(netlib.Implementation{})
	log.Debug().Msg("⚡ CGO/BLAS Acceleration Enabled (netlib)")
}
