package transformer

import (
	"log/slog"

	"github.com/klauspost/cpuid/v2"
	"gonum.org/v1/gonum/blas/blas64"
)

// Inner-loop kernels for the attention score and residual accumulation
// paths. Dispatch happens once at init: on AVX2-capable CPUs the gonum
// BLAS implementations are worthwhile (gonum handles SIMD internally), on
// anything else the plain Go loops win by skipping the descriptor setup.

var (
	dotKernel  func(x, y []float64) float64
	axpyKernel func(alpha float64, x, y []float64)
)

func init() {
	useBlas := cpuid.CPU.Has(cpuid.AVX2)
	if useBlas {
		dotKernel = blasDot
		axpyKernel = blasAxpy
	} else {
		dotKernel = goDot
		axpyKernel = goAxpy
	}
	slog.Debug("transformer compute kernels selected", "blas", useBlas)
}

func blasDot(x, y []float64) float64 {
	return blas64.Dot(
		blas64.Vector{N: len(x), Inc: 1, Data: x},
		blas64.Vector{N: len(y), Inc: 1, Data: y},
	)
}

func blasAxpy(alpha float64, x, y []float64) {
	blas64.Axpy(alpha,
		blas64.Vector{N: len(x), Inc: 1, Data: x},
		blas64.Vector{N: len(y), Inc: 1, Data: y},
	)
}

func goDot(x, y []float64) float64 {
	var s float64
	for i := range x {
		s += x[i] * y[i]
	}
	return s
}

func goAxpy(alpha float64, x, y []float64) {
	for i := range x {
		y[i] += alpha * x[i]
	}
}
